package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// healthPrecheckEligible reports whether a gateway URL should get an HTTP
// health probe before dialing. Only loopback hosts qualify: a probe against
// a remote gateway adds latency without improving the error we would report.
func healthPrecheckEligible(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return false
	}
	host := u.Hostname()
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// checkHealth probes the gateway's health endpoint derived from the ws URL.
// Failure means "not reachable"; any HTTP response at all counts as alive.
func checkHealth(ctx context.Context, client *http.Client, wsURL, healthURL string) error {
	target := healthURL
	if target == "" {
		u, err := url.Parse(wsURL)
		if err != nil {
			return &NotReachableError{Cause: err}
		}
		switch u.Scheme {
		case "ws":
			u.Scheme = "http"
		case "wss":
			u.Scheme = "https"
		}
		u.Path = "/health"
		u.RawQuery = ""
		target = u.String()
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &NotReachableError{Cause: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return &NotReachableError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &NotReachableError{Cause: fmt.Errorf("health endpoint returned %s", strings.TrimSpace(resp.Status))}
	}
	return nil
}
