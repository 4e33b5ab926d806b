/**
 * @description
 * This package provides a client for the M-Pesa OpenAPI click-to-pay flow.
 * It encapsulates the two-step push-payment protocol: acquiring a short-lived
 * session credential and submitting a single-stage C2B charge against it.
 *
 * Key features:
 * - Eager configuration validation: a client cannot be constructed without
 *   the API key, public key, and service-provider code.
 * - Bearer tokens are the API key (or session id) RSA-encrypted with the
 *   gateway's public key, per the OpenAPI portal contract.
 * - The gateway requires a settle delay between session acquisition and the
 *   charge; the client honors it with a context-aware wait.
 * - Non-2xx and malformed responses surface as *RequestError carrying the
 *   raw status and body for support diagnostics. The client never retries;
 *   retry policy belongs to the caller, keyed on the idempotency pair.
 *
 * @dependencies
 * - crypto/rsa, crypto/x509: For bearer token encryption.
 * - net/http, encoding/json: Transport and payload handling.
 */
package mpesaclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ConfigError indicates the client cannot operate because deployment
// configuration is missing. It is fatal for the request that hits it and
// signals an operational problem, not a user error.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing m-pesa configuration: %s", strings.Join(e.Missing, ", "))
}

// RequestError indicates the gateway rejected a request or was unreachable.
// StatusCode is zero for transport-level failures.
type RequestError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("m-pesa request failed: %v", e.Err)
	}
	return fmt.Sprintf("m-pesa request failed: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Config holds the gateway connection settings. APIKey, PublicKey, and
// ServiceProviderCode are mandatory; everything else has sandbox defaults.
type Config struct {
	APIKey              string
	PublicKey           string
	ServiceProviderCode string
	Address             string
	Environment         string
	SessionPath         string
	C2BSingleStagePath  string
	Origin              string
	Country             string
	Currency            string
	SessionReadyDelay   time.Duration
}

// Client is a client for the M-Pesa OpenAPI gateway.
type Client struct {
	cfg        Config
	baseURL    string
	HTTPClient *http.Client
}

// PaymentParams carries everything needed for one single-stage charge.
// ConversationID and Reference form the idempotency pair that later lets a
// webhook be matched back to this charge attempt.
type PaymentParams struct {
	Amount         string
	MSISDN         string
	ConversationID string
	Reference      string
	Description    string
	Metadata       map[string]string
}

// Result is the raw gateway response to a session or charge request.
type Result struct {
	StatusCode int
	Body       json.RawMessage
}

// NewClient validates the configuration and returns a gateway client.
// Missing mandatory settings fail immediately with *ConfigError so a
// misconfigured deployment never silently degrades.
func NewClient(cfg Config) (*Client, error) {
	var missing []string
	if strings.TrimSpace(cfg.APIKey) == "" {
		missing = append(missing, "MPESA_API_KEY")
	}
	if strings.TrimSpace(cfg.PublicKey) == "" {
		missing = append(missing, "MPESA_PUBLIC_KEY")
	}
	if strings.TrimSpace(cfg.ServiceProviderCode) == "" {
		missing = append(missing, "MPESA_SERVICE_PROVIDER_CODE")
	}
	if len(missing) > 0 {
		return nil, &ConfigError{Missing: missing}
	}

	if cfg.Address == "" {
		cfg.Address = "openapi.m-pesa.com"
	}
	if cfg.Environment == "" {
		cfg.Environment = "sandbox"
	}
	prefix := fmt.Sprintf("/%s/ipg/v2/vodacomTZN", strings.Trim(cfg.Environment, "/"))
	if cfg.SessionPath == "" {
		cfg.SessionPath = prefix + "/getSession/"
	}
	if cfg.C2BSingleStagePath == "" {
		cfg.C2BSingleStagePath = prefix + "/c2bPayment/singleStage/"
	}
	if cfg.Origin == "" {
		cfg.Origin = "*"
	}
	if cfg.Country == "" {
		cfg.Country = "TZN"
	}
	if cfg.Currency == "" {
		cfg.Currency = "TZS"
	}
	if cfg.SessionReadyDelay <= 0 {
		cfg.SessionReadyDelay = 30 * time.Second
	}

	return &Client{
		cfg:     cfg,
		baseURL: "https://" + cfg.Address,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

// Currency reports the configured settlement currency.
func (c *Client) Currency() string { return c.cfg.Currency }

// bearerToken RSA-encrypts the given credential with the gateway's public
// key and base64-encodes it, as the OpenAPI portal requires for both the
// API key and session-id stages.
func (c *Client) bearerToken(credential string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(c.cfg.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to decode gateway public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return "", fmt.Errorf("failed to parse gateway public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("gateway public key is not RSA")
	}
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, rsaKey, []byte(credential))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// GetSessionID acquires a short-lived session credential from the gateway.
func (c *Client) GetSessionID(ctx context.Context) (string, error) {
	result, err := c.do(ctx, http.MethodGet, c.cfg.SessionPath, c.cfg.APIKey, nil)
	if err != nil {
		return "", err
	}

	var body struct {
		SessionID string `json:"output_SessionID"`
	}
	if err := json.Unmarshal(result.Body, &body); err != nil {
		return "", &RequestError{StatusCode: result.StatusCode, Body: string(result.Body), Err: fmt.Errorf("failed to decode session response: %w", err)}
	}
	if body.SessionID == "" {
		return "", &RequestError{StatusCode: result.StatusCode, Body: string(result.Body), Err: fmt.Errorf("session response missing output_SessionID")}
	}
	return body.SessionID, nil
}

// PaySingleStage performs a full click-to-pay charge: session acquisition,
// the mandatory settle delay, then the C2B single-stage submission. The wait
// is an external protocol constraint; the gateway rejects charges against a
// session that has not warmed up.
func (c *Client) PaySingleStage(ctx context.Context, params PaymentParams) (*Result, error) {
	sessionID, err := c.GetSessionID(ctx)
	if err != nil {
		return nil, err
	}

	select {
	case <-time.After(c.cfg.SessionReadyDelay):
	case <-ctx.Done():
		return nil, &RequestError{Err: ctx.Err()}
	}

	payload := map[string]string{
		"input_Amount":                   params.Amount,
		"input_Country":                  c.cfg.Country,
		"input_Currency":                 c.cfg.Currency,
		"input_CustomerMSISDN":           params.MSISDN,
		"input_ServiceProviderCode":      c.cfg.ServiceProviderCode,
		"input_ThirdPartyConversationID": params.ConversationID,
		"input_TransactionReference":     params.Reference,
		"input_PurchasedItemsDesc":       truncate(params.Description, 128),
	}
	for key, value := range params.Metadata {
		if key != "" && value != "" {
			payload[key] = value
		}
	}

	return c.do(ctx, http.MethodPost, c.cfg.C2BSingleStagePath, sessionID, payload)
}

// do executes one gateway request with the encrypted bearer credential and
// normalizes failures into *RequestError.
func (c *Client) do(ctx context.Context, method, path, credential string, payload map[string]string) (*Result, error) {
	token, err := c.bearerToken(credential)
	if err != nil {
		return nil, &RequestError{Err: err}
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &RequestError{Err: fmt.Errorf("failed to marshal request payload: %w", err)}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", c.cfg.Origin)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return &Result{StatusCode: resp.StatusCode, Body: json.RawMessage(respBody)}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
