// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrStorageUnavailable = errors.New("storage unavailable")
var ErrValidation = errors.New("validation failed")
var ErrEventNotFound = errors.New("event not found")
var ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
var ErrTargetNotFound = errors.New("delivery target not found")
var ErrDLQEntryNotFound = errors.New("dlq entry not found")
