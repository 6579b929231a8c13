package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Typed wrappers over Request for the gateway's RPC surface. These carry no
// retry or classification logic of their own; Request already does both.

// HealthStatus is the gateway's self-reported health.
type HealthStatus struct {
	OK      bool   `json:"ok"`
	Version string `json:"version,omitempty"`
	Uptime  int64  `json:"uptimeMs,omitempty"`
}

func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	payload, err := c.Request(ctx, "health", nil)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(payload, &out)
	return out, err
}

// ChannelStatus describes one gateway-side channel binding.
type ChannelStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
}

func (c *Client) ChannelsStatus(ctx context.Context) ([]ChannelStatus, error) {
	payload, err := c.Request(ctx, "channels.status", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Channels []ChannelStatus `json:"channels"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

// SendChatResult is the gateway's acknowledgement of a chat send. RunID is
// the join key for the run's event sub-stream.
type SendChatResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status,omitempty"`
}

// SendChat submits one user turn. An idempotency key is generated per call
// so a retried request cannot double-send, and the returned run is tracked
// for resync until it concludes.
func (c *Client) SendChat(ctx context.Context, sessionKey, message string) (SendChatResult, error) {
	var out SendChatResult
	payload, err := c.Request(ctx, "chat.send", map[string]any{
		"sessionKey":     sessionKey,
		"message":        message,
		"idempotencyKey": uuid.NewString(),
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, err
	}
	c.TrackRun(out.RunID, sessionKey)
	return out, nil
}

// HistoryEntry is one message in a session's transcript.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	RunID   string `json:"runId,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (c *Client) History(ctx context.Context, sessionKey string, limit int) ([]HistoryEntry, error) {
	params := map[string]any{"sessionKey": sessionKey}
	if limit > 0 {
		params["limit"] = limit
	}
	payload, err := c.Request(ctx, "chat.history", params)
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []HistoryEntry `json:"messages"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Session is a gateway-side conversation container.
type Session struct {
	Key      string         `json:"key"`
	Label    string         `json:"label,omitempty"`
	Model    string         `json:"model,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	payload, err := c.Request(ctx, "sessions.list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// PatchSession updates mutable session fields. Nil map entries are left
// untouched by the gateway.
func (c *Client) PatchSession(ctx context.Context, key string, patch map[string]any) error {
	_, err := c.Request(ctx, "sessions.patch", map[string]any{
		"key":   key,
		"patch": patch,
	})
	return err
}

// ResetSession clears a session's transcript but keeps the session itself.
func (c *Client) ResetSession(ctx context.Context, key string) error {
	_, err := c.Request(ctx, "sessions.reset", map[string]any{"key": key})
	return err
}

func (c *Client) DeleteSession(ctx context.Context, key string) error {
	_, err := c.Request(ctx, "sessions.delete", map[string]any{"key": key})
	return err
}

// WaitStatus is an authoritative run status snapshot.
type WaitStatus struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Wait polls one run's status. timeoutMs of zero asks the gateway to answer
// immediately with whatever it currently knows.
func (c *Client) Wait(ctx context.Context, runID string, timeoutMs int64) (WaitStatus, error) {
	var out WaitStatus
	payload, err := c.Request(ctx, "agent.wait", map[string]any{
		"runId":     runID,
		"timeoutMs": timeoutMs,
	})
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(payload, &out)
	return out, err
}

// AnnouncePresence tells the gateway this client is attached and wants
// pushes. Sent on connect and after every reconnect.
func (c *Client) AnnouncePresence(ctx context.Context) error {
	_, err := c.Request(ctx, "system-event", map[string]any{
		"event":  "presence",
		"client": c.opts.ClientName,
	})
	return err
}

// genericErrorMessages are gateway failure texts too vague to show a user
// without trying for something better first.
var genericErrorMessages = []string{
	"run failed",
	"internal error",
	"agent error",
	"unknown error",
}

// EnrichRunError upgrades a generic run failure message by scanning recent
// history for a more specific upstream error. Best effort: on any lookup
// failure the original message is returned unchanged.
func (c *Client) EnrichRunError(ctx context.Context, sessionKey, message string) string {
	if sessionKey == "" || !isGenericError(message) {
		return message
	}
	entries, err := c.History(ctx, sessionKey, 10)
	if err != nil {
		return message
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Error != "" {
			return entries[i].Error
		}
	}
	return message
}

func isGenericError(message string) bool {
	m := strings.ToLower(strings.TrimSpace(message))
	if m == "" {
		return true
	}
	for _, g := range genericErrorMessages {
		if m == g {
			return true
		}
	}
	return false
}
