// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package apperr defines the error kinds the core surfaces across every
// protocol responder and the REST API, per the error handling design.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the machine-checkable error categories the core can raise.
type Kind string

const (
	NotFound      Kind = "not_found"
	Unauthorized  Kind = "unauthorized"
	AdminRequired Kind = "admin_required"
	RateLimited   Kind = "rate_limited"
	QuotaExceeded Kind = "quota_exceeded"
	Corrupt       Kind = "corrupt"
	SessionGone   Kind = "session_gone"
	Upstream      Kind = "upstream"
	Protocol      Kind = "protocol"
	Timeout       Kind = "timeout"
	Internal      Kind = "internal"
)

// Error carries a Kind plus a human message, and optionally wraps a cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

// Is reports whether the first *Error in err's chain has the given Kind;
// *Errors wrapped deeper inside that one are not consulted.
func Is(err error, k Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == k
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal when err is not
// an *Error (or is nil, in which case ok is false).
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return Internal, true
}

// HTTPStatus maps a Kind to the conventional status code from §6.
func HTTPStatus(k Kind) int {
	switch k {
	case Unauthorized:
		return 401
	case AdminRequired:
		return 403
	case NotFound, SessionGone:
		return 404
	case QuotaExceeded:
		return 409
	case RateLimited:
		return 429
	case Upstream, Internal:
		return 500
	case Protocol:
		return 400
	case Timeout:
		return 504
	default:
		return 500
	}
}
