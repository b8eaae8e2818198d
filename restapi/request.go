/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"code.cloudfoundry.org/bytefmt"
)

// MalformedRequestError is an error that occurs in case of incorrect request.
type MalformedRequestError struct {
	HTTPStatusCode int
	Message        string
}

// Error returns a string representation of MalformedRequestError.
func (e *MalformedRequestError) Error() string {
	return e.Message
}

func newBadRequestError(format string, args ...interface{}) *MalformedRequestError {
	return &MalformedRequestError{http.StatusBadRequest, fmt.Sprintf(format, args...)}
}

// NewTooLargeMalformedRequestError creates a new MalformedRequestError for case when request body is too large.
func NewTooLargeMalformedRequestError(maxSizeBytes uint64) *MalformedRequestError {
	return &MalformedRequestError{
		http.StatusRequestEntityTooLarge,
		fmt.Sprintf("Request body must not be larger than %s.", bytefmt.ByteSize(maxSizeBytes)),
	}
}

// SetRequestMaxBodySize limits the number of bytes that may be read from the request body.
func SetRequestMaxBodySize(w http.ResponseWriter, r *http.Request, maxSizeBytes uint64) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxSizeBytes)) //nolint:gosec // limits come from config
}

// DecodeRequestJSON decodes a single JSON object from the request body.
func DecodeRequestJSON(r *http.Request, dst interface{}) error {
	return DecodeRequestJSONStrict(r, dst, false)
}

// DecodeRequestJSONStrict is DecodeRequestJSON that may also reject unknown fields.
// Only application/json (or a missing Content-Type) is accepted.
func DecodeRequestJSONStrict(r *http.Request, dst interface{}, disallowUnknownFields bool) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return &MalformedRequestError{http.StatusUnsupportedMediaType,
				fmt.Sprintf("Failed to parse Content-Type header: %s.", err)}
		}
		if mediaType != ContentTypeAppJSON {
			return &MalformedRequestError{http.StatusUnsupportedMediaType,
				fmt.Sprintf("Content-Type %q is not supported.", mediaType)}
		}
	}

	dec := json.NewDecoder(r.Body)
	if disallowUnknownFields {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		return convertDecodeError(err)
	}
	if dec.More() {
		return newBadRequestError("Request body must only contain a single JSON object.")
	}
	return nil
}

func convertDecodeError(err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		return newBadRequestError("Request body must not be empty.")
	case errors.Is(err, io.ErrUnexpectedEOF):
		return newBadRequestError("Request body contains badly-formed JSON.")
	case errors.As(err, &syntaxErr):
		return newBadRequestError("Request body contains badly-formed JSON (at position %d).", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		if typeErr.Field != "" {
			return newBadRequestError("Request body contains an invalid value for the %q field (at position %d).",
				typeErr.Field, typeErr.Offset)
		}
		return newBadRequestError("Request body contains an invalid value of type %q for the field of type %s.",
			typeErr.Value, typeErr.Type)
	case errors.As(err, &maxBytesErr):
		return NewTooLargeMalformedRequestError(uint64(maxBytesErr.Limit)) //nolint:gosec // limit is positive
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return newBadRequestError("Request body contains unknown field %s.", strings.TrimPrefix(err.Error(), "json: unknown field "))
	default:
		return err
	}
}
