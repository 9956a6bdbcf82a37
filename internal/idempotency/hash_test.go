// SPDX-License-Identifier: Apache-2.0

package idempotency

import (
	"net/http"
	"testing"
)

func TestRequestHashIgnoresFieldOrder(t *testing.T) {
	a, err := RequestHash(http.MethodPost, "/v1/tenants/acme/rooms/lobby/events",
		[]byte(`{"type":"conversation_message_posted","payload":{"text":"hi","thread_id":"t1"}}`))
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}

	b, err := RequestHash(http.MethodPost, "/v1/tenants/acme/rooms/lobby/events",
		[]byte(`{"payload":{"thread_id":"t1","text":"hi"},"type":"conversation_message_posted"}`))
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}

	if a != b {
		t.Fatalf("reordered fields must hash identically: %s vs %s", a, b)
	}
}

func TestRequestHashDistinguishesRequests(t *testing.T) {
	base, err := RequestHash(http.MethodPost, "/v1/tenants/acme/rooms/lobby/events", []byte(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("hash base: %v", err)
	}

	otherBody, err := RequestHash(http.MethodPost, "/v1/tenants/acme/rooms/lobby/events", []byte(`{"text":"yo"}`))
	if err != nil {
		t.Fatalf("hash other body: %v", err)
	}
	if base == otherBody {
		t.Fatal("different bodies must hash differently")
	}

	otherPath, err := RequestHash(http.MethodPost, "/v1/tenants/acme/rooms/workshop/events", []byte(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("hash other path: %v", err)
	}
	if base == otherPath {
		t.Fatal("different paths must hash differently")
	}
}

func TestRequestHashArrayOrderSignificant(t *testing.T) {
	a, err := RequestHash(http.MethodPost, "/p", []byte(`{"tags":["x","y"]}`))
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := RequestHash(http.MethodPost, "/p", []byte(`{"tags":["y","x"]}`))
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a == b {
		t.Fatal("array order is semantic and must affect the hash")
	}
}

func TestRequestHashRejectsInvalidJSON(t *testing.T) {
	if _, err := RequestHash(http.MethodPost, "/p", []byte(`{broken`)); err == nil {
		t.Fatal("expected error for invalid JSON body")
	}
}

func TestRequestHashEmptyBody(t *testing.T) {
	a, err := RequestHash(http.MethodPost, "/p", nil)
	if err != nil {
		t.Fatalf("hash nil body: %v", err)
	}
	b, err := RequestHash(http.MethodPost, "/p", []byte{})
	if err != nil {
		t.Fatalf("hash empty body: %v", err)
	}
	if a != b {
		t.Fatal("nil and empty bodies must hash identically")
	}
}
