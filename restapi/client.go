/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/secureshare/secureshare/log"
)

const maxErrorBodyInDebug = 255

// ClientError describes a failed call made by Client.
type ClientError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
	Err        error
}

func (e *ClientError) Error() string {
	s := fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Message)
	if e.StatusCode != 0 {
		s += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying error, *ErrorResponseData for API errors.
func (e *ClientError) Unwrap() error {
	return e.Err
}

// APIError extracts the API error envelope from err, if any.
func APIError(err error) (*Error, bool) {
	var respErr *ErrorResponseData
	if errors.As(err, &respErr) && respErr.Err != nil {
		return respErr.Err, true
	}
	return nil, false
}

// Client calls JSON REST endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     log.FieldLogger
}

// NewClient creates a Client. http.DefaultClient is used if httpClient is nil.
func NewClient(baseURL string, httpClient *http.Client, logger log.FieldLogger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &Client{BaseURL: strings.TrimSuffix(baseURL, "/"), HTTPClient: httpClient, Logger: logger}
}

// DoJSON sends reqData (if not nil) as JSON and decodes a 2xx response into result (if not nil).
// 4xx and 5xx responses are returned as *ClientError wrapping *ErrorResponseData.
func (c *Client) DoJSON(ctx context.Context, method, path string, reqData, result interface{}) error {
	url := c.BaseURL + path
	cliErr := &ClientError{Method: method, URL: url}

	var body io.Reader
	if reqData != nil {
		buf, err := json.Marshal(reqData)
		if err != nil {
			cliErr.Message, cliErr.Err = "marshal request", err
			return cliErr
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		cliErr.Message, cliErr.Err = "create request", err
		return cliErr
	}
	if reqData != nil {
		req.Header.Set("Content-Type", ContentTypeAppJSON)
	}
	req.Header.Set("Accept", ContentTypeAppJSON)

	logger := c.Logger.With(log.String("method", method), log.String("uri", url))
	logger.Debug("sending request")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		cliErr.Message, cliErr.Err = "do request", err
		return cliErr
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Warn("failed to close response body", log.Error(closeErr))
		}
	}()
	cliErr.StatusCode = resp.StatusCode
	logger.Debug("got response", log.Int("status", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		cliErr.Message, cliErr.Err = "read response body", err
		return cliErr
	}

	if resp.StatusCode >= http.StatusBadRequest {
		cliErr.Message = "error response"
		apiErr := &ErrorResponseData{}
		if !strings.HasPrefix(resp.Header.Get("Content-Type"), ContentTypeAppJSON) ||
			json.Unmarshal(respBody, apiErr) != nil || apiErr.Err == nil {
			if len(respBody) > maxErrorBodyInDebug {
				respBody = respBody[:maxErrorBodyInDebug]
			}
			apiErr.Err = NewError("", httpCode2ErrorCode(resp.StatusCode), http.StatusText(resp.StatusCode)).
				AddDebug("body", string(respBody))
		}
		cliErr.Err = apiErr
		return cliErr
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		cliErr.Message = "unexpected status code"
		return cliErr
	}
	if result != nil && len(respBody) != 0 {
		if err = json.Unmarshal(respBody, result); err != nil {
			cliErr.Message, cliErr.Err = "unmarshal response", err
			return cliErr
		}
	}
	return nil
}
