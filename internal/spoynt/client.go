// Package spoynt is the server-to-server client for the Spoynt payment
// gateway: invoice creation, status fetches, and webhook payload handling.
// Owner and token intent travel through the gateway inside opaque invoice
// metadata that Spoynt echoes back verbatim on every status observation;
// that metadata is the only channel carrying crediting intent through the
// async callback.
package spoynt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"averis/billing/pkg/config"
	"averis/billing/pkg/logging"
)

// InvoiceType is the JSON:API resource type Spoynt uses for payment
// invoices. Callbacks carrying any other type are ignored.
const InvoiceType = "payment-invoices"

const defaultTimeout = 15 * time.Second

// Config holds the gateway endpoint, credentials, and the URLs handed to the
// hosted payment page. Values are validated lazily at the time of use so that
// a missing setting surfaces as a ConfigError on the affected call.
type Config struct {
	BaseURL   string
	AccountID string
	APIKey    string

	// DefaultService is the Spoynt service identifier used for GBP invoices.
	// Other currencies need their own identifier in ServiceByCurrency.
	DefaultService    string
	ServiceByCurrency map[string]string

	CallbackURL      string
	ReturnSuccessURL string
	ReturnFailURL    string
	ReturnPendingURL string

	WebhookSecret string

	Timeout time.Duration
}

// ConfigFromEnv assembles gateway configuration from SPOYNT_* environment
// variables. Missing values are not an error here; they become ConfigErrors
// when a call actually needs them.
func ConfigFromEnv() Config {
	services := make(map[string]string)
	for _, currency := range []string{"EUR", "USD"} {
		if svc := config.GetEnv("SPOYNT_DEFAULT_SERVICE_"+currency, ""); svc != "" {
			services[currency] = svc
		}
	}

	return Config{
		BaseURL:           config.GetEnv("SPOYNT_BASE_URL", ""),
		AccountID:         config.GetEnv("SPOYNT_ACCOUNT_ID", ""),
		APIKey:            config.GetEnv("SPOYNT_API_KEY", ""),
		DefaultService:    config.GetEnv("SPOYNT_DEFAULT_SERVICE", ""),
		ServiceByCurrency: services,
		CallbackURL:       config.GetEnv("SPOYNT_CALLBACK_URL", ""),
		ReturnSuccessURL:  config.GetEnv("SPOYNT_RETURN_SUCCESS", ""),
		ReturnFailURL:     config.GetEnv("SPOYNT_RETURN_FAIL", ""),
		ReturnPendingURL:  config.GetEnv("SPOYNT_RETURN_PENDING", ""),
		WebhookSecret:     config.GetEnv("SPOYNT_PRIVATE_KEY", ""),
		Timeout:           defaultTimeout,
	}
}

// ServiceForCurrency resolves the Spoynt service identifier for a currency.
func (c Config) ServiceForCurrency(currency string) (string, error) {
	if currency == "GBP" {
		if c.DefaultService == "" {
			return "", &ConfigError{Key: "SPOYNT_DEFAULT_SERVICE"}
		}
		return c.DefaultService, nil
	}
	if svc, ok := c.ServiceByCurrency[currency]; ok {
		return svc, nil
	}
	return "", &ConfigError{Key: "SPOYNT_DEFAULT_SERVICE_" + currency}
}

func (c Config) require(key, value string) error {
	if value == "" {
		return &ConfigError{Key: key}
	}
	return nil
}

// Client calls the Spoynt HTTP API with Basic credentials on every request.
// Gateway sessions are never cached.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient creates a gateway client with a bounded request timeout.
func NewClient(cfg Config, logger logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// CreateInvoiceParams carries everything needed to open a hosted invoice.
type CreateInvoiceParams struct {
	OwnerID    string
	Tokens     int64
	Amount     float64
	Currency   string
	UICurrency string
	UIAmount   float64
}

// Invoice is the result of a successful invoice creation.
type Invoice struct {
	// PaymentReference is the gateway-assigned invoice id ("cpi").
	PaymentReference string
	// ReferenceID is the locally generated correlation id embedded in the
	// request before the gateway call.
	ReferenceID string
	// RedirectURL points the buyer at the hosted payment page.
	RedirectURL string
}

// InvoiceStatus is the current gateway view of an invoice.
type InvoiceStatus struct {
	Status      string
	Resolution  string
	Metadata    map[string]any
	Amount      float64
	Currency    string
	ReferenceID string
}

type invoiceEnvelope struct {
	Data struct {
		Type       string            `json:"type"`
		ID         string            `json:"id"`
		Attributes invoiceAttributes `json:"attributes"`
	} `json:"data"`
}

type invoiceAttributes struct {
	Status      string         `json:"status,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
	Amount      flexFloat      `json:"amount,omitempty"`
	Currency    string         `json:"currency,omitempty"`
	Service     string         `json:"service,omitempty"`
	ReferenceID string         `json:"reference_id,omitempty"`
	Description string         `json:"description,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
	ReturnURLs  *returnURLs    `json:"return_urls,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type returnURLs struct {
	Success string `json:"success"`
	Fail    string `json:"fail"`
	Pending string `json:"pending"`
}

// CreateInvoice opens a payment invoice at the gateway. A fresh reference id
// is generated before the remote call so the ledger entry can be correlated
// even if the call is retried.
func (c *Client) CreateInvoice(ctx context.Context, params CreateInvoiceParams) (*Invoice, error) {
	for key, value := range map[string]string{
		"SPOYNT_BASE_URL":       c.cfg.BaseURL,
		"SPOYNT_ACCOUNT_ID":     c.cfg.AccountID,
		"SPOYNT_API_KEY":        c.cfg.APIKey,
		"SPOYNT_CALLBACK_URL":   c.cfg.CallbackURL,
		"SPOYNT_RETURN_SUCCESS": c.cfg.ReturnSuccessURL,
		"SPOYNT_RETURN_FAIL":    c.cfg.ReturnFailURL,
		"SPOYNT_RETURN_PENDING": c.cfg.ReturnPendingURL,
	} {
		if err := c.cfg.require(key, value); err != nil {
			return nil, err
		}
	}

	service, err := c.cfg.ServiceForCurrency(params.Currency)
	if err != nil {
		return nil, err
	}

	referenceID := uuid.New().String()

	var payload invoiceEnvelope
	payload.Data.Type = InvoiceType
	payload.Data.Attributes = invoiceAttributes{
		Amount:      flexFloat(params.Amount),
		Currency:    params.Currency,
		Service:     service,
		ReferenceID: referenceID,
		Description: fmt.Sprintf("Averis tokens: %d", params.Tokens),
		CallbackURL: c.cfg.CallbackURL,
		ReturnURLs: &returnURLs{
			Success: c.cfg.ReturnSuccessURL,
			Fail:    c.cfg.ReturnFailURL,
			Pending: c.cfg.ReturnPendingURL,
		},
		Metadata: map[string]any{
			"user_id":     params.OwnerID,
			"tokens":      strconv.FormatInt(params.Tokens, 10),
			"ui_currency": params.UICurrency,
			"ui_amount":   strconv.FormatFloat(params.UIAmount, 'f', 2, 64),
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invoice payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/payment-invoices", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build invoice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.SetBasicAuth(c.cfg.AccountID, c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoice creation request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WithFields(logging.Fields{
			"status": resp.StatusCode,
			"body":   string(respBody),
		}).Error("Spoynt invoice creation failed")
		return nil, &UpstreamError{Operation: "create invoice", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var envelope invoiceEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode invoice response: %w", err)
	}
	if envelope.Data.ID == "" {
		c.logger.WithField("body", string(respBody)).Error("Spoynt invoice response missing id")
		return nil, &UpstreamError{Operation: "create invoice", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return &Invoice{
		PaymentReference: envelope.Data.ID,
		ReferenceID:      referenceID,
		RedirectURL: fmt.Sprintf("%s/hpp/?cpi=%s",
			strings.TrimRight(c.cfg.BaseURL, "/"), url.QueryEscape(envelope.Data.ID)),
	}, nil
}

// GetInvoice fetches the current status of an invoice by payment reference.
func (c *Client) GetInvoice(ctx context.Context, paymentReference string) (*InvoiceStatus, error) {
	for key, value := range map[string]string{
		"SPOYNT_BASE_URL":   c.cfg.BaseURL,
		"SPOYNT_ACCOUNT_ID": c.cfg.AccountID,
		"SPOYNT_API_KEY":    c.cfg.APIKey,
	} {
		if err := c.cfg.require(key, value); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/payment-invoices/"+url.PathEscape(paymentReference), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.cfg.AccountID, c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoice status request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrInvoiceNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WithFields(logging.Fields{
			"status": resp.StatusCode,
			"body":   string(respBody),
			"cpi":    paymentReference,
		}).Error("Spoynt invoice status fetch failed")
		return nil, &UpstreamError{Operation: "fetch invoice status", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var envelope invoiceEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	attrs := envelope.Data.Attributes
	return &InvoiceStatus{
		Status:      attrs.Status,
		Resolution:  attrs.Resolution,
		Metadata:    attrs.Metadata,
		Amount:      float64(attrs.Amount),
		Currency:    attrs.Currency,
		ReferenceID: attrs.ReferenceID,
	}, nil
}

// WebhookEvent is a parsed, signature-verified callback payload.
type WebhookEvent struct {
	PaymentReference string
	Status           string
	Resolution       string
	Metadata         map[string]any
	Amount           float64
	Currency         string
	ReferenceID      string
}

// ParseWebhook decodes a callback body. It returns (nil, nil) for callbacks
// that carry a different resource type or no invoice id; those are
// acknowledged and ignored.
func ParseWebhook(rawBody []byte) (*WebhookEvent, error) {
	var envelope invoiceEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	if envelope.Data.Type != InvoiceType || envelope.Data.ID == "" {
		return nil, nil
	}

	attrs := envelope.Data.Attributes
	return &WebhookEvent{
		PaymentReference: envelope.Data.ID,
		Status:           attrs.Status,
		Resolution:       attrs.Resolution,
		Metadata:         attrs.Metadata,
		Amount:           float64(attrs.Amount),
		Currency:         attrs.Currency,
		ReferenceID:      attrs.ReferenceID,
	}, nil
}

// flexFloat decodes gateway amounts that arrive as either a JSON number or a
// numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

func (f flexFloat) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(f))
}
