// Package moncash talks to the Digicel MonCash merchant API for mobile money
// payment lookups.
package moncash

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/angelmondragon/sellerfin-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
)

const (
	tokenPath            = "/oauth/token"
	retrieveTransaction  = "/v1/RetrieveTransactionPayment"
	retrieveOrder        = "/v1/RetrieveOrderPayment"
	tokenRefreshSlack    = 5 * time.Second
	maxResponseBytes     = 1 << 20
	successfulPaymentMsg = "successful"
)

var (
	errClientIDRequired = errors.New("moncash client id is required")
	errSecretRequired   = errors.New("moncash client secret is required")
)

// Payment is a MonCash payment record.
type Payment struct {
	Reference     string
	TransactionID string
	CostCents     int64
	Message       string
	Payer         string
}

// Successful reports whether MonCash settled the payment.
func (p Payment) Successful() bool {
	return strings.EqualFold(p.Message, successfulPaymentMsg)
}

// Client is a MonCash API client with a cached OAuth token.
type Client struct {
	http          *http.Client
	baseURL       string
	clientID      string
	clientSecret  string
	webhookSecret string
	logg          *logger.Logger
	now           func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient validates credentials and builds the client.
func NewClient(cfg config.MonCashConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errClientIDRequired
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errSecretRequired
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:          &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		webhookSecret: cfg.WebhookSecret,
		logg:          logg,
		now:           time.Now,
	}, nil
}

// RetrieveTransactionPayment looks a payment up by MonCash transaction id.
func (c *Client) RetrieveTransactionPayment(ctx context.Context, transactionID string) (*Payment, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "moncash transaction id is required")
	}
	return c.retrieve(ctx, retrieveTransaction, map[string]string{"transactionId": transactionID})
}

// RetrieveOrderPayment looks a payment up by the merchant order id.
func (c *Client) RetrieveOrderPayment(ctx context.Context, orderID string) (*Payment, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "moncash order id is required")
	}
	return c.retrieve(ctx, retrieveOrder, map[string]string{"orderId": orderID})
}

func (c *Client) retrieve(ctx context.Context, path string, body map[string]string) (*Payment, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	status, raw, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status >= 300 {
		return nil, statusError(status, raw, path)
	}
	return parsePayment(raw)
}

func parsePayment(raw []byte) (*Payment, error) {
	if !gjson.ValidBytes(raw) {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "moncash returned invalid json")
	}
	doc := gjson.ParseBytes(raw)
	payment := doc.Get("payment")
	if !payment.Exists() {
		return nil, nil
	}
	return &Payment{
		Reference:     payment.Get("reference").String(),
		TransactionID: payment.Get("transaction_id").String(),
		CostCents:     int64(payment.Get("cost").Float()*100 + 0.5),
		Message:       payment.Get("message").String(),
		Payer:         payment.Get("payer").String(),
	}, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{"scope": {"read,write"}, "grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	status, raw, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", statusError(status, raw, tokenPath)
	}
	doc := gjson.ParseBytes(raw)
	token := doc.Get("access_token").String()
	if token == "" {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "moncash token response missing access_token")
	}
	ttl := time.Duration(doc.Get("expires_in").Int()) * time.Second
	c.token = token
	c.tokenExpiry = c.now().Add(ttl - tokenRefreshSlack)
	return token, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "moncash request failed")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read moncash response")
	}
	if c.logg != nil {
		c.logg.Info(c.logg.WithFields(req.Context(), map[string]any{
			"operation": req.URL.Path,
			"status":    resp.StatusCode,
		}), "moncash response")
	}
	return resp.StatusCode, raw, nil
}

func statusError(status int, raw []byte, path string) error {
	message := gjson.GetBytes(raw, "message").String()
	if message == "" {
		message = gjson.GetBytes(raw, "error_description").String()
	}
	code := pkgerrors.CodeDependency
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = pkgerrors.CodeUnauthorized
	case status == http.StatusTooManyRequests:
		code = pkgerrors.CodeRateLimit
	case status >= 400 && status < 500:
		code = pkgerrors.CodeValidation
	}
	return pkgerrors.New(code, fmt.Sprintf("moncash %s returned %d: %s", path, status, message))
}

// Notification is a decoded MonCash payment notification.
type Notification struct {
	TransactionID string
	OrderID       string
	Message       string
}

// ParseNotification verifies the hex HMAC-SHA256 signature over body and
// extracts the payment fields.
func (c *Client) ParseNotification(body []byte, signature string) (Notification, error) {
	if c.webhookSecret == "" {
		return Notification{}, pkgerrors.New(pkgerrors.CodeInternal, "moncash webhook secret not configured")
	}
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if signature == "" || !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return Notification{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "moncash signature mismatch")
	}
	if !gjson.ValidBytes(body) {
		return Notification{}, pkgerrors.New(pkgerrors.CodeValidation, "moncash notification is not json")
	}
	doc := gjson.ParseBytes(body)
	n := Notification{
		TransactionID: doc.Get("transactionId").String(),
		OrderID:       doc.Get("orderId").String(),
		Message:       doc.Get("message").String(),
	}
	if n.TransactionID == "" {
		n.TransactionID = doc.Get("payment.transaction_id").String()
	}
	if n.OrderID == "" {
		n.OrderID = doc.Get("payment.reference").String()
	}
	if n.TransactionID == "" {
		return Notification{}, pkgerrors.New(pkgerrors.CodeValidation, "moncash notification missing transaction id")
	}
	return n, nil
}
