// SPDX-License-Identifier: Apache-2.0

package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// RequestHash digests the semantically relevant request fields. The body is
// canonicalized (object keys sorted at every nesting level) before hashing,
// so a client retry that reorders JSON fields still hashes identically.
func RequestHash(method, path string, body []byte) (string, error) {
	canonical, err := canonicalizeJSON(body)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalizeJSON round-trips the body through untyped decode and encode.
// encoding/json sorts map keys on marshal, which canonicalizes objects at
// every depth; arrays keep their order, which is semantically significant.
func canonicalizeJSON(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("canonicalize request body: %w", err)
	}
	return json.Marshal(v)
}
