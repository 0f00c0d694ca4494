package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"carecall/native/internal/domain"
)

type iceResponse struct {
	ICEServers []domain.ICEServer `json:"iceServers"`
}

// Client fetches call configuration from the signaling relay.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client for the relay at baseURL (http or https).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURLFromSignal derives the relay's HTTP base URL from its websocket URL.
func BaseURLFromSignal(signalURL string) (string, error) {
	u, err := url.Parse(signalURL)
	if err != nil {
		return "", fmt.Errorf("parse signal url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported signal url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// FetchICEServers asks the relay for the STUN/TURN servers of a session.
func (c *Client) FetchICEServers(ctx context.Context, session domain.SessionID) ([]domain.ICEServer, error) {
	endpoint := c.baseURL + "/sessions/" + url.PathEscape(string(session)) + "/ice"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var out iceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return out.ICEServers, nil
}
