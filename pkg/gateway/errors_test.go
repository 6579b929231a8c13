package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFrameError(t *testing.T) {
	tests := []struct {
		name  string
		fe    *FrameError
		check func(t *testing.T, err error)
	}{
		{
			name: "auth code",
			fe:   &FrameError{Code: "AUTH_FAILED", Message: "bad token"},
			check: func(t *testing.T, err error) {
				assert.True(t, IsAuthError(err))
				assert.Contains(t, err.Error(), "bad token")
			},
		},
		{
			name: "unauthorized code",
			fe:   &FrameError{Code: "unauthorized"},
			check: func(t *testing.T, err error) {
				assert.True(t, IsAuthError(err))
			},
		},
		{
			name: "rate limit code with hint",
			fe:   &FrameError{Code: "RATE_LIMITED", RetryAfter: 1500},
			check: func(t *testing.T, err error) {
				ms, ok := IsRateLimited(err)
				assert.True(t, ok)
				assert.EqualValues(t, 1500, ms)
			},
		},
		{
			name: "slow consumer code",
			fe:   &FrameError{Code: "SLOW_CONSUMER"},
			check: func(t *testing.T, err error) {
				assert.True(t, IsSlowConsumer(err))
			},
		},
		{
			name: "auth by message text",
			fe:   &FrameError{Code: "E123", Message: "request forbidden for this role"},
			check: func(t *testing.T, err error) {
				assert.True(t, IsAuthError(err))
			},
		},
		{
			name: "rate limit by message text",
			fe:   &FrameError{Code: "E999", Message: "too many requests, slow down"},
			check: func(t *testing.T, err error) {
				_, ok := IsRateLimited(err)
				assert.True(t, ok)
			},
		},
		{
			name: "unclassified passes through",
			fe:   &FrameError{Code: "E500", Message: "tool execution failed"},
			check: func(t *testing.T, err error) {
				var fe *FrameError
				require.True(t, errors.As(err, &fe))
				assert.Equal(t, "E500", fe.Code)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, classifyFrameError(tt.fe))
		})
	}
}

func TestClassifyDialError(t *testing.T) {
	base := errors.New("websocket: bad handshake")

	assert.True(t, IsAuthError(classifyDialError(base, 401)))
	assert.True(t, IsAuthError(classifyDialError(base, 403)))
	_, rateLimited := IsRateLimited(classifyDialError(base, 429))
	assert.True(t, rateLimited)

	var nr *NotReachableError
	err := classifyDialError(errors.New("dial tcp: connection refused"), 0)
	require.True(t, errors.As(err, &nr))

	assert.True(t, IsAuthError(classifyDialError(errors.New("invalid token supplied"), 0)))
}

func TestHealthPrecheckEligible(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"ws://127.0.0.1:8080/ws", true},
		{"ws://localhost:8080/ws", true},
		{"wss://[::1]:8443/ws", true},
		{"ws://gateway.example.com/ws", false},
		{"wss://10.0.0.5/ws", false},
		{"http://127.0.0.1/ws", false},
		{"not a url at::all", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, healthPrecheckEligible(tt.url), tt.url)
	}
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	err := checkHealth(context.Background(), srv.Client(), wsURL, "")
	assert.NoError(t, err)
}

func TestCheckHealthServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	err := checkHealth(context.Background(), srv.Client(), wsURL, "")
	var nr *NotReachableError
	assert.True(t, errors.As(err, &nr))
}

func TestCheckHealthUnreachable(t *testing.T) {
	err := checkHealth(context.Background(), &http.Client{}, "ws://127.0.0.1:1/ws", "")
	var nr *NotReachableError
	assert.True(t, errors.As(err, &nr))
}
