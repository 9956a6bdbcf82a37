// SPDX-License-Identifier: Apache-2.0

package dispatch

import "time"

// Clock abstracts scheduling so retry/backoff logic is testable without
// wall-clock delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewRealClock returns the wall-clock implementation used in production.
func NewRealClock() Clock { return realClock{} }
