/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/secureshare/secureshare/log"
)

// ContentTypeAppJSON represents MIME media type for JSON.
const ContentTypeAppJSON = "application/json"

// jsonMarshal is json.Marshal without HTML escaping.
func jsonMarshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// RespondJSON writes respData as JSON with 200 status code.
func RespondJSON(rw http.ResponseWriter, respData interface{}, logger log.FieldLogger) {
	RespondCodeAndJSON(rw, http.StatusOK, respData, logger)
}

// RespondCodeAndJSON writes respData as JSON with the given status code.
// Content-Type is set to application/json unless it is already set. A nil respData produces an empty body.
func RespondCodeAndJSON(rw http.ResponseWriter, statusCode int, respData interface{}, logger log.FieldLogger) {
	if respData == nil {
		rw.WriteHeader(statusCode)
		return
	}
	if rw.Header().Get("Content-Type") == "" {
		rw.Header().Set("Content-Type", ContentTypeAppJSON)
	}
	respJSON, err := jsonMarshal(respData)
	if err != nil {
		if logger != nil {
			logger.Error("error while marshaling json for response body", log.Error(err))
		}
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(statusCode)
	if _, err = rw.Write(respJSON); err != nil && logger != nil {
		logger.Error("error while writing response body", log.Error(err))
	}
}

// ErrorResponseData is used for answer on requests with error.
type ErrorResponseData struct {
	Err *Error `json:"error"`
}

func (e *ErrorResponseData) Error() string {
	return fmt.Sprintf("HTTP error occurs: %v", e.Err)
}

// RespondError writes the error envelope with the given status code and logs the error.
// 5xx errors are logged at error level, others at warn level.
func RespondError(rw http.ResponseWriter, httpStatusCode int, err *Error, logger log.FieldLogger) {
	logAndCountError(httpStatusCode, err, logger)
	RespondCodeAndJSON(rw, httpStatusCode, ErrorResponseData{err}, logger)
}

// RespondInternalError sends response with 500 HTTP status code and internal error in body in JSON format.
func RespondInternalError(rw http.ResponseWriter, domain string, logger log.FieldLogger) {
	RespondError(rw, http.StatusInternalServerError, NewInternalError(domain), logger)
}

// RespondMalformedRequestError converts reqErr into Error and responds with its status code.
func RespondMalformedRequestError(rw http.ResponseWriter, domain string, reqErr *MalformedRequestError, logger log.FieldLogger) {
	RespondError(rw, reqErr.HTTPStatusCode, NewError(domain, httpCode2ErrorCode(reqErr.HTTPStatusCode), reqErr.Message), logger)
}

// RespondMalformedRequestOrInternalError responds with 4xx for *MalformedRequestError and 500 otherwise.
func RespondMalformedRequestOrInternalError(rw http.ResponseWriter, domain string, err error, logger log.FieldLogger) {
	var reqErr *MalformedRequestError
	if errors.As(err, &reqErr) {
		RespondMalformedRequestError(rw, domain, reqErr, logger)
		return
	}
	if logger != nil {
		logger.Error("internal error while handling request", log.Error(err))
	}
	RespondInternalError(rw, domain, logger)
}

func logAndCountError(httpStatusCode int, err *Error, logger log.FieldLogger) {
	if logger != nil {
		fields := []log.Field{
			log.Int("status", httpStatusCode),
			log.String("error_code", err.Code),
			log.String("error_message", err.Message),
		}
		if len(err.Context) != 0 {
			fields = append(fields, log.Any("error_context", err.Context))
		}
		if httpStatusCode >= http.StatusInternalServerError {
			logger.Error("error in response", fields...)
		} else {
			logger.Warn("error in response", fields...)
		}
	}
	countErrorResponse(err)
}
