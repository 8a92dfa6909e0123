// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package s2s

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind bands mirror the iOS client's NiFiError.h numbering: each
// hundred/thousand range groups one collaborator's failures so a caller can
// range-test rather than switch on every individual constant.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = -1

	ErrKindTimeout ErrorKind = 100

	// 1000-1999 are reserved for HTTP status codes: ErrKindHTTPStatus + status.
	ErrKindHTTPStatus ErrorKind = 1000

	ErrKindSiteToSiteClient                     ErrorKind = 2000
	ErrKindCouldNotCreateTransaction             ErrorKind = 2001
	ErrKindCouldNotLookupSiteToSiteInfo          ErrorKind = 2002
	ErrKindCouldNotLookupInputPorts              ErrorKind = 2003
	ErrKindCouldNotLookupPeers                   ErrorKind = 2004

	ErrKindSiteToSiteTransaction        ErrorKind = 3000
	ErrKindTransactionInvalidResponse   ErrorKind = 3001

	ErrKindDatabase            ErrorKind = 4000
	ErrKindDatabaseRead        ErrorKind = 4001
	ErrKindDatabaseWrite       ErrorKind = 4002
	ErrKindDatabaseTransaction ErrorKind = 4003

	ErrKindRestAPIClient            ErrorKind = 5000
	ErrKindRestAPIClientCouldNotFormURL ErrorKind = 5001
)

// Error is the typed error propagated to callers. It always carries a Kind
// and, where applicable, a wrapped cause obtained from github.com/pkg/errors
// so that Cause(err) unwinds back to the originating I/O error.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("s2s: %s: %v", e.Message, e.cause)
	}
	return fmt.Sprintf("s2s: %s", e.Message)
}

// Unwrap lets errors.Is / errors.As see through to the cause.
func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind ErrorKind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.Wrap(cause, message)}
}

// HTTPStatusKind maps an HTTP response status to ErrKindHTTPStatus + status,
// per §4.2: "The HTTP status maps to error codes by NiFiErrorHttpStatusCode
// + status."
func HTTPStatusKind(status int) ErrorKind {
	return ErrKindHTTPStatus + ErrorKind(status)
}

// IsHTTPStatus reports whether kind encodes an HTTP status and, if so,
// returns the status code.
func IsHTTPStatus(kind ErrorKind) (int, bool) {
	if kind >= ErrKindHTTPStatus && kind < ErrKindSiteToSiteClient {
		return int(kind - ErrKindHTTPStatus), true
	}
	return 0, false
}

// Cause unwraps to the deepest wrapped error, matching github.com/pkg/errors
// semantics used throughout the engine.
func Cause(err error) error {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			if e.cause == nil {
				return e
			}
			err = e.cause
		case interface{ Cause() error }:
			err = e.Cause()
		default:
			return err
		}
	}
	return err
}
