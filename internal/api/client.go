// Package api fetches session credentials from the HTTP API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"peerlink/native/internal/domain"
)

const sessionPath = "/v1/sessions"

type sessionRequest struct {
	Room      string `json:"room"`
	RequestID string `json:"requestId"`
}

type sessionResponse struct {
	Result int            `json:"result"`
	Msg    string         `json:"msg"`
	Data   domain.Session `json:"data"`
}

// Client fetches sessions from the API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ domain.SessionFetcher = (*Client)(nil)

// NewClient creates an API client for baseURL. A nil httpClient means
// http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// FetchSession calls the API to obtain signaling credentials, ICE servers and
// RTP capabilities for room.
func (c *Client) FetchSession(ctx context.Context, token, room string) (*domain.Session, error) {
	body, err := json.Marshal(sessionRequest{Room: room, RequestID: uuid.NewString()})
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sessionPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var sessionResp sessionResponse
	if err := json.Unmarshal(respBody, &sessionResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if sessionResp.Result != 0 {
		return nil, fmt.Errorf("API error (result=%d): %s", sessionResp.Result, sessionResp.Msg)
	}
	if sessionResp.Data.SignalURL == "" {
		return nil, errors.New("API response has no signal URL")
	}

	return &sessionResp.Data, nil
}
