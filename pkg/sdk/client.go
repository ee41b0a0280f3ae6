// Package sdk is the Go client for the authorization vault API.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL:  "https://vault.yourcompany.com",
//	    TenantID: "acme-corp",
//	})
//
//	auth, err := client.CreateAP2(ctx, vcJWT, "")
//
// Webhook consumers can verify delivery signatures with VerifyDelivery.
package sdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Config holds the SDK configuration.
type Config struct {
	// BaseURL is the vault endpoint (required).
	BaseURL string

	// TenantID identifies your organization (required).
	TenantID string

	// UserID is attached to audit events for attribution.
	UserID string

	// Timeout for API calls (default 30s).
	Timeout time.Duration
}

// Client talks to the vault API.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a vault client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Authorization mirrors the API's authorization shape.
type Authorization struct {
	ID                 uuid.UUID              `json:"id"`
	Protocol           string                 `json:"protocol"`
	TenantID           string                 `json:"tenant_id"`
	Issuer             string                 `json:"issuer"`
	Subject            string                 `json:"subject"`
	Scope              map[string]interface{} `json:"scope,omitempty"`
	AmountLimit        string                 `json:"amount_limit,omitempty"`
	Currency           string                 `json:"currency,omitempty"`
	ExpiresAt          time.Time              `json:"expires_at"`
	Status             string                 `json:"status"`
	VerificationStatus string                 `json:"verification_status"`
	VerificationReason string                 `json:"verification_reason"`
	CreatedAt          time.Time              `json:"created_at"`
}

// APIError is a non-2xx response from the vault.
type APIError struct {
	StatusCode int
	Kind       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vault: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

// CreateAP2 registers a JWT-VC mandate.
func (c *Client) CreateAP2(ctx context.Context, vcJWT, expectedScope string) (*Authorization, error) {
	payload, err := json.Marshal(map[string]string{"vc_jwt": vcJWT})
	if err != nil {
		return nil, err
	}
	return c.create(ctx, "AP2", payload, expectedScope)
}

// CreateACP registers a delegated token. token must be the raw token
// object bytes.
func (c *Client) CreateACP(ctx context.Context, token []byte) (*Authorization, error) {
	return c.create(ctx, "ACP", token, "")
}

func (c *Client) create(ctx context.Context, protocol string, payload []byte, expectedScope string) (*Authorization, error) {
	body := map[string]interface{}{
		"protocol": protocol,
		"payload":  json.RawMessage(payload),
	}
	if expectedScope != "" {
		body["expected_scope"] = expectedScope
	}
	var auth Authorization
	if err := c.do(ctx, http.MethodPost, "/api/authorizations", body, &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

// Get fetches one authorization.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*Authorization, error) {
	var auth Authorization
	if err := c.do(ctx, http.MethodGet, "/api/authorizations/"+id.String(), nil, &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

// Revoke moves the authorization to REVOKED.
func (c *Client) Revoke(ctx context.Context, id uuid.UUID, reason string) (*Authorization, error) {
	var auth Authorization
	err := c.do(ctx, http.MethodPost, "/api/authorizations/"+id.String()+"/revoke",
		map[string]string{"reason": reason}, &auth)
	if err != nil {
		return nil, err
	}
	return &auth, nil
}

// SearchResult is one page of search output.
type SearchResult struct {
	Items []*Authorization `json:"items"`
	Total int              `json:"total"`
}

// Search lists authorizations matching the query values (see the API's
// query parameters: protocol, status, issuer, limit, offset, ...).
func (c *Client) Search(ctx context.Context, query url.Values) (*SearchResult, error) {
	path := "/api/authorizations"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out SearchResult
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportEvidence downloads the evidence pack archive.
func (c *Client) ExportEvidence(ctx context.Context, id uuid.UUID) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/authorizations/"+id.String()+"/evidence", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", c.config.TenantID)
	if c.config.UserID != "" {
		req.Header.Set("X-User-ID", c.config.UserID)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, path, raw)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Kind == "" {
		apiErr.Kind = "UNKNOWN"
		apiErr.Message = string(data)
	}
	return apiErr
}

// VerifyDelivery checks the X-Signature header of an outbound webhook
// delivery against the exact body bytes, in constant time. Use this in
// your webhook consumer before trusting the payload.
func VerifyDelivery(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
