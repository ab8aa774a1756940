// Package apperr defines the closed set of error kinds the daemon can
// produce and their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the fixed error categories the core can raise.
type Kind string

const (
	KindSocket                Kind = "socket"
	KindParse                 Kind = "parse"
	KindOversizePacket        Kind = "oversize_packet"
	KindIncompleteRequest     Kind = "incomplete_request"
	KindContentLengthMismatch Kind = "content_length_mismatch"
	KindCodeBufferFull        Kind = "code_buffer_full"
	KindPubkeyNotFound        Kind = "pubkey_not_found"
	KindKeyMalformed          Kind = "key_malformed"
	KindSignatureMalformed    Kind = "signature_malformed"
	KindSignatureInvalid      Kind = "signature_invalid"
	KindNonceRegression       Kind = "nonce_regression"
	KindServer                Kind = "server"
)

// Error wraps a Kind with an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error. Returns KindServer for anything else, matching the "unexpected"
// row of the status table.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServer
}

// HTTPStatus maps a Kind onto the fixed status table.
func HTTPStatus(k Kind) int {
	switch k {
	case KindParse, KindOversizePacket, KindIncompleteRequest, KindContentLengthMismatch, KindSignatureMalformed:
		return http.StatusBadRequest
	case KindNonceRegression, KindSignatureInvalid, KindCodeBufferFull:
		return http.StatusForbidden
	case KindPubkeyNotFound:
		return http.StatusNotFound
	case KindKeyMalformed, KindServer, KindSocket:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
