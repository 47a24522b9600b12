// Package handlers exposes the billing HTTP surface: invoice creation, the
// poll-based confirmation endpoint, and the gateway webhook. The handlers are
// thin; all crediting decisions live in the credit coordinator so the two
// async paths share one protocol.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"averis/billing/internal/credit"
	"averis/billing/internal/ledger"
	"averis/billing/internal/spoynt"
	"averis/billing/pkg/auth"
	"averis/billing/pkg/logging"
	"averis/billing/pkg/monitoring"
)

// Gateway is the slice of the Spoynt client the handlers depend on.
type Gateway interface {
	CreateInvoice(ctx context.Context, params spoynt.CreateInvoiceParams) (*spoynt.Invoice, error)
	GetInvoice(ctx context.Context, paymentReference string) (*spoynt.InvoiceStatus, error)
}

// PaymentHandlers carries the explicitly constructed dependencies for the
// payment routes. No package-level state.
type PaymentHandlers struct {
	store         ledger.Store
	gateway       Gateway
	coordinator   *credit.Coordinator
	pricing       Pricing
	webhookSecret string
	logger        logging.Logger

	creditOutcomes *prometheus.CounterVec
	webhookResults *prometheus.CounterVec
}

// NewPaymentHandlers wires the payment routes' dependencies. The metrics
// collector may be nil in tests.
func NewPaymentHandlers(store ledger.Store, gateway Gateway, coordinator *credit.Coordinator, pricing Pricing, webhookSecret string, logger logging.Logger, metrics *monitoring.MetricsCollector) *PaymentHandlers {
	h := &PaymentHandlers{
		store:         store,
		gateway:       gateway,
		coordinator:   coordinator,
		pricing:       pricing,
		webhookSecret: webhookSecret,
		logger:        logger,
	}

	if metrics != nil {
		h.creditOutcomes = metrics.NewCounter(
			"billing_credit_outcomes_total",
			"Crediting protocol outcomes by origin",
			[]string{"outcome", "origin"},
		)
		h.webhookResults = metrics.NewCounter(
			"billing_webhook_results_total",
			"Spoynt webhook deliveries by result",
			[]string{"result"},
		)
	}

	return h
}

// RegisterRoutes attaches the payment endpoints. The invoice and confirm
// routes require an authenticated caller; the webhook authenticates itself
// via the body signature.
func (h *PaymentHandlers) RegisterRoutes(router *gin.Engine, requireAuth gin.HandlerFunc) {
	payments := router.Group("/payments", requireAuth)
	payments.POST("/invoices", h.CreateInvoice)
	payments.GET("/confirm", h.Confirm)

	router.POST("/webhooks/spoynt", h.Webhook)
}

type createInvoiceRequest struct {
	Tokens   int64   `json:"tokens"`
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// CreateInvoice prices a purchase and opens a hosted invoice at the gateway.
// Accepts either a token preset {tokens} or a custom {currency, amount}.
func (h *PaymentHandlers) CreateInvoice(c *gin.Context) {
	userID := auth.CurrentUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "Authentication required"})
		return
	}

	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	var (
		quote *Quote
		err   error
	)
	switch {
	case req.Tokens > 0:
		quote, err = h.pricing.QuoteTokens(req.Tokens)
	case req.Currency != "" && req.Amount > 0:
		quote, err = h.pricing.QuoteAmount(req.Currency, req.Amount)
	default:
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Provide either {tokens} or {currency, amount}"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	invoice, err := h.gateway.CreateInvoice(c.Request.Context(), spoynt.CreateInvoiceParams{
		OwnerID:    userID,
		Tokens:     quote.Tokens,
		Amount:     quote.Amount,
		Currency:   quote.Currency,
		UICurrency: quote.Currency,
		UIAmount:   quote.Amount,
	})
	if err != nil {
		h.renderGatewayError(c, err, "Failed to create invoice")
		return
	}

	if _, err := h.store.UpsertFromInvoice(c.Request.Context(), ledger.UpsertParams{
		ReferenceID:      invoice.ReferenceID,
		PaymentReference: invoice.PaymentReference,
		OwnerID:          userID,
		Tokens:           quote.Tokens,
		Amount:           quote.Amount,
		Currency:         quote.Currency,
		GBPAmount:        quote.GBPAmount,
		UICurrency:       quote.Currency,
		UIAmount:         quote.Amount,
	}); err != nil {
		h.logger.WithError(err).WithField("cpi", invoice.PaymentReference).Error("Failed to record created invoice")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to record invoice"})
		return
	}

	h.logger.WithFields(logging.Fields{
		"user_id":  userID,
		"cpi":      invoice.PaymentReference,
		"tokens":   quote.Tokens,
		"amount":   quote.Amount,
		"currency": quote.Currency,
	}).Info("Created payment invoice")

	c.JSON(http.StatusOK, gin.H{
		"cpi":          invoice.PaymentReference,
		"reference_id": invoice.ReferenceID,
		"tokens":       quote.Tokens,
		"amount":       quote.Amount,
		"currency":     quote.Currency,
		"redirect_url": invoice.RedirectURL,
	})
}

// Confirm fetches the invoice status from the gateway and runs the crediting
// protocol with origin=poll. The metadata-embedded owner must match the
// authenticated caller: a payment reference is guessable, ownership is not.
func (h *PaymentHandlers) Confirm(c *gin.Context) {
	userID := auth.CurrentUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "Authentication required"})
		return
	}

	cpi := c.Query("cpi")
	if cpi == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Missing cpi"})
		return
	}

	status, err := h.gateway.GetInvoice(c.Request.Context(), cpi)
	if err != nil {
		if errors.Is(err, spoynt.ErrInvoiceNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "Unknown payment reference"})
			return
		}
		h.renderGatewayError(c, err, "Failed to fetch invoice status")
		return
	}

	ownerID, _, err := credit.OwnerAndTokens(status.Metadata)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invoice metadata missing"})
		return
	}
	if ownerID != userID {
		c.JSON(http.StatusForbidden, errorResponse{Error: "Not your payment"})
		return
	}

	result, err := h.coordinator.Process(c.Request.Context(), ledger.Observation{
		PaymentReference: cpi,
		ReferenceID:      status.ReferenceID,
		Amount:           status.Amount,
		Currency:         status.Currency,
		Status:           status.Status,
		Resolution:       status.Resolution,
		Metadata:         status.Metadata,
		Origin:           ledger.OriginPoll,
	})
	if err != nil {
		if errors.Is(err, credit.ErrMissingMetadata) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "Invoice metadata missing"})
			return
		}
		h.logger.WithError(err).WithField("cpi", cpi).Error("Confirm failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to confirm payment"})
		return
	}

	h.countOutcome(result.Outcome, ledger.OriginPoll)

	switch result.Outcome {
	case credit.OutcomeCredited:
		c.JSON(http.StatusOK, gin.H{"status": "credited", "tokens": result.Tokens, "balance": result.Balance})
	case credit.OutcomeAlreadyCredited:
		c.JSON(http.StatusOK, gin.H{"status": "credited", "tokens": result.Tokens})
	case credit.OutcomeProcessing:
		c.JSON(http.StatusOK, gin.H{"status": "processing"})
	case credit.OutcomePending:
		c.JSON(http.StatusOK, gin.H{"status": "pending"})
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":  "failed",
			"message": "Payment not confirmed",
			"spoynt":  gin.H{"status": result.Status, "resolution": result.Resolution},
		})
	}
}

// Webhook handles Spoynt callbacks. The signature is verified over the raw
// body before anything else; after that every delivery is acknowledged with
// 200 so a downstream logic error cannot trigger an unbounded gateway retry
// storm.
func (h *PaymentHandlers) Webhook(c *gin.Context) {
	if h.webhookSecret == "" {
		h.logger.Error("Webhook received but SPOYNT_PRIVATE_KEY is not configured")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "Webhook not configured"})
		return
	}

	rawBody, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Failed to read body"})
		return
	}

	if err := spoynt.VerifySignature(h.webhookSecret, rawBody, c.GetHeader("X-Signature")); err != nil {
		h.countWebhook("rejected_signature")
		if errors.Is(err, spoynt.ErrMissingSignature) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "Missing X-Signature"})
			return
		}
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "Invalid signature"})
		return
	}

	event, err := spoynt.ParseWebhook(rawBody)
	if err != nil {
		h.logger.WithError(err).Warn("Ignoring malformed webhook payload")
		h.countWebhook("malformed")
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	if event == nil {
		h.countWebhook("ignored_type")
		c.JSON(http.StatusOK, gin.H{"message": "Unsupported callback type"})
		return
	}

	result, err := h.coordinator.Process(c.Request.Context(), ledger.Observation{
		PaymentReference: event.PaymentReference,
		ReferenceID:      event.ReferenceID,
		Amount:           event.Amount,
		Currency:         event.Currency,
		Status:           event.Status,
		Resolution:       event.Resolution,
		Metadata:         event.Metadata,
		Origin:           ledger.OriginWebhook,
	})
	if err != nil {
		// Acknowledged, not retried: the reconciler or a poll will settle it.
		h.logger.WithError(err).WithField("cpi", event.PaymentReference).Error("Webhook processing failed")
		h.countWebhook("failed")
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	h.countOutcome(result.Outcome, ledger.OriginWebhook)
	h.countWebhook("processed")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *PaymentHandlers) renderGatewayError(c *gin.Context, err error, message string) {
	var cfgErr *spoynt.ConfigError
	if errors.As(err, &cfgErr) {
		h.logger.WithError(err).Error("Gateway configuration missing")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	var upstream *spoynt.UpstreamError
	if errors.As(err, &upstream) {
		c.JSON(http.StatusBadGateway, errorResponse{Error: message, Details: upstream.Body})
		return
	}

	h.logger.WithError(err).Error(message)
	c.JSON(http.StatusInternalServerError, errorResponse{Error: message})
}

func (h *PaymentHandlers) countOutcome(outcome credit.Outcome, origin ledger.Origin) {
	if h.creditOutcomes != nil {
		h.creditOutcomes.WithLabelValues(string(outcome), string(origin)).Inc()
	}
}

func (h *PaymentHandlers) countWebhook(result string) {
	if h.webhookResults != nil {
		h.webhookResults.WithLabelValues(result).Inc()
	}
}
