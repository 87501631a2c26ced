package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/invoice-bridge/internal/upstream"
)

const maxBodyBytes = 1 << 20

// Client talks to the accounting REST API with a bearer token
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new accounting API client
func NewClient(baseURL string) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: 30 * time.Second})
}

// NewClientWithHTTP creates a new accounting API client with a custom http.Client
func NewClientWithHTTP(baseURL string, client *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type meResponse struct {
	D struct {
		Results []struct {
			CurrentDivision *int `json:"CurrentDivision"`
		} `json:"results"`
	} `json:"d"`
}

// CurrentDivision returns the division the authorized user is working in
func (c *Client) CurrentDivision(ctx context.Context, accessToken string) (int, error) {
	const op = "current division"

	url := c.baseURL + "/api/v1/current/Me?$select=CurrentDivision"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	body, err := c.do(op, req)
	if err != nil {
		return 0, err
	}

	var me meResponse
	if err := json.Unmarshal(body, &me); err != nil {
		return 0, upstream.Malformed(op, fmt.Errorf("decoding response: %w", err))
	}
	if len(me.D.Results) == 0 || me.D.Results[0].CurrentDivision == nil {
		return 0, upstream.Malformed(op, errors.New("response has no CurrentDivision"))
	}
	return *me.D.Results[0].CurrentDivision, nil
}

// CreatePurchaseEntry posts entry to the division and returns the created entity
func (c *Client) CreatePurchaseEntry(ctx context.Context, accessToken string, division int, entry PurchaseEntry) (json.RawMessage, error) {
	const op = "create purchase entry"

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshaling purchase entry: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/%d/purchaseentry/PurchaseEntries", c.baseURL, division)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(op, req)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		D json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, upstream.Malformed(op, fmt.Errorf("decoding response: %w", err))
	}
	if len(envelope.D) == 0 {
		return json.RawMessage(body), nil
	}
	return envelope.D, nil
}

// do sends req and returns the body of a 2xx response
func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, upstream.Unavailable(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, upstream.Unavailable(op, fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstream.Rejected(op, resp.StatusCode, string(body))
	}
	return body, nil
}
