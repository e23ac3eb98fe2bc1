package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/editlock-io/editlock/lock"
)

// Client implements client.Service over the HTTP API, so a Facade can run
// against a remote lock server exactly as it runs against an in-process
// manager.
type Client struct {
	base string
	http *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient returns a Client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EventsURL returns the websocket URL streaming events for recordID.
func (c *Client) EventsURL(recordID string) string {
	u := c.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/events?record=" + url.QueryEscape(recordID)
}

// Acquire implements client.Service.
func (c *Client) Acquire(ctx context.Context, recordID string, h lock.Holder) (lock.AcquireResult, error) {
	var resp acquireResponse
	err := c.post(ctx, "/v1/locks/acquire", acquireRequest{
		RecordID:    recordID,
		HolderID:    h.ID,
		SessionID:   h.SessionID,
		DisplayName: h.DisplayName,
	}, &resp)
	if err != nil {
		return lock.AcquireResult{}, err
	}
	return lock.AcquireResult{
		Granted:   resp.Granted,
		Lease:     resp.Lease,
		HeldBy:    resp.HeldBy,
		ExpiresAt: resp.ExpiresAt,
	}, nil
}

// Renew implements client.Service.
func (c *Client) Renew(ctx context.Context, recordID string, h lock.Holder) (bool, error) {
	var resp renewResponse
	err := c.post(ctx, "/v1/locks/renew", renewRequest{
		RecordID:  recordID,
		HolderID:  h.ID,
		SessionID: h.SessionID,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Renewed, nil
}

// RenewAll implements client.Service using the heartbeat batch endpoint.
func (c *Client) RenewAll(ctx context.Context, recordIDs []string, h lock.Holder) (map[string]bool, error) {
	var resp heartbeatResponse
	err := c.post(ctx, "/v1/heartbeat", heartbeatRequest{
		HolderID:  h.ID,
		SessionID: h.SessionID,
		RecordIDs: recordIDs,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Renewed, nil
}

// Release implements client.Service.
func (c *Client) Release(ctx context.Context, recordID string, h lock.Holder) (bool, error) {
	var resp releaseResponse
	err := c.post(ctx, "/v1/locks/release", renewRequest{
		RecordID:  recordID,
		HolderID:  h.ID,
		SessionID: h.SessionID,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Released, nil
}

// IsLocked implements client.Service.
func (c *Client) IsLocked(ctx context.Context, recordID string) (*lock.LockInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/v1/locks/"+url.PathEscape(recordID), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, apiError(res)
	}
	var info *lock.LockInfo
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("httpapi: decode lock info: %w", err)
	}
	return info, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return apiError(res)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func apiError(res *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	var body errorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return fmt.Errorf("httpapi: %s: %s", res.Status, body.Error)
	}
	return fmt.Errorf("httpapi: unexpected status %s", res.Status)
}
