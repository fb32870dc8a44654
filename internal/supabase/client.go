// Package supabase runs SQL through a PostgREST RPC function using the
// project URL and service role key.
package supabase

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

	"github.com/rpattn/usageprov/internal/usage"
)

const DefaultSQLFunction = "exec_sql"

type Client struct {
	baseURL string
	key     string
	rpcPath string
	http    *http.Client
}

// New returns a client for the project at baseURL. An empty fn selects
// DefaultSQLFunction; a zero timeout leaves the http.Client default.
func New(baseURL, serviceRoleKey, fn string, timeout time.Duration) *Client {
	if fn == "" {
		fn = DefaultSQLFunction
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     serviceRoleKey,
		rpcPath: "/rest/v1/rpc/" + url.PathEscape(fn),
		http:    &http.Client{Timeout: timeout},
	}
}

type execRequest struct {
	SQL string `json:"sql"`
}

// apiError is the PostgREST error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e apiError) String() string {
	s := e.Message
	if e.Code != "" {
		s = e.Code + " " + s
	}
	if e.Hint != "" {
		s += " (hint: " + e.Hint + ")"
	}
	return s
}

// Exec posts query to the SQL function.
func (c *Client) Exec(ctx context.Context, query string) error {
	body, err := json.Marshal(execRequest{SQL: query})
	if err != nil {
		return usage.Wrap(usage.KindSchema, "rpc", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.rpcPath, bytes.NewReader(body))
	if err != nil {
		return usage.Wrap(usage.KindConfiguration, "rpc", err)
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return usage.Wrap(usage.KindConnectivity, "rpc", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return statusError(resp)
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	var ae apiError
	if json.Unmarshal(raw, &ae) == nil && ae.Message != "" {
		msg = ae.String()
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	kind := usage.KindSchema
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = usage.KindConfiguration
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		kind = usage.KindConnectivity
	}
	return usage.Wrap(kind, "rpc", fmt.Errorf("status %d: %s", resp.StatusCode, msg))
}
