/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequireNoErrorInChannel(t *testing.T) {
	mockT := &MockT{}
	ch := make(chan error, 1)

	RequireNoErrorInChannel(mockT, ch)
	require.False(t, mockT.Failed)

	ch <- errors.New("some error")
	RequireNoErrorInChannel(mockT, ch)
	require.True(t, mockT.Failed)
}

func TestRequireErrorInRecorder(t *testing.T) {
	resp := httptest.NewRecorder()
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(http.StatusTooManyRequests)
	_, _ = resp.WriteString(`{"error":{"domain":"SecureShare","code":"tooManyRequests","message":"Too many requests."}}`)

	mockT := &MockT{}
	RequireErrorInRecorder(mockT, resp, http.StatusTooManyRequests, "SecureShare", "tooManyRequests")
	require.False(t, mockT.Failed)
}

func TestRequireRateLimitHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", "5")
	h.Set("X-RateLimit-Remaining", "4")
	h.Set("X-RateLimit-Reset", "1740823260")

	mockT := &MockT{}
	RequireRateLimitHeaders(mockT, h, 5, 4)
	require.False(t, mockT.Failed)

	RequireRateLimitHeaders(mockT, h, 5, 3)
	require.True(t, mockT.Failed)
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)
	clock.Advance(time.Minute)
	require.Equal(t, start.Add(time.Minute), clock.Now())
	clock.Set(start)
	require.Equal(t, start, clock.Now())
}
