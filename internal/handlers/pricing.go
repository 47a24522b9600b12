package handlers

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"averis/billing/pkg/config"
)

var (
	// ErrUnsupportedCurrency is returned for currencies without a configured
	// GBP conversion rate.
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	// ErrInvalidAmount is returned for non-positive or non-finite amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// BelowMinimumError is returned when a purchase is under the configured
// minimum amount.
type BelowMinimumError struct {
	Minimum float64
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("minimum purchase amount is %g", e.Minimum)
}

// Pricing converts between display-currency amounts and token counts. The
// token rate, supported currencies, and purchase minimum are configuration,
// not code.
type Pricing struct {
	TokensPerGBP float64
	MinAmount    float64
	RatesToGBP   map[string]float64
}

// PricingFromEnv builds pricing from environment configuration with the
// documented defaults: 100 tokens per GBP, minimum purchase 10, and
// GBP/EUR/USD supported.
func PricingFromEnv() Pricing {
	rates := map[string]float64{
		"GBP": 1,
		"EUR": config.GetEnvFloat("RATE_TO_GBP_EUR", 1.17),
		"USD": config.GetEnvFloat("RATE_TO_GBP_USD", 1.27),
	}
	for _, currency := range strings.Split(config.GetEnv("EXTRA_CURRENCIES", ""), ",") {
		currency = strings.TrimSpace(strings.ToUpper(currency))
		if currency == "" {
			continue
		}
		if rate := config.GetEnvFloat("RATE_TO_GBP_"+currency, 0); rate > 0 {
			rates[currency] = rate
		}
	}

	return Pricing{
		TokensPerGBP: config.GetEnvFloat("TOKENS_PER_GBP", 100),
		MinAmount:    config.GetEnvFloat("MIN_PURCHASE_AMOUNT", 10),
		RatesToGBP:   rates,
	}
}

// Quote is a priced purchase: the invoice amount in the buyer's currency and
// the token count it buys.
type Quote struct {
	Tokens    int64
	Amount    float64
	Currency  string
	GBPAmount float64
}

// QuoteTokens prices a preset token purchase. Presets are billed in GBP.
func (p Pricing) QuoteTokens(tokens int64) (*Quote, error) {
	if tokens <= 0 {
		return nil, ErrInvalidAmount
	}

	amount := round2(float64(tokens) / p.TokensPerGBP)
	if amount < p.MinAmount {
		return nil, &BelowMinimumError{Minimum: p.MinAmount}
	}

	return &Quote{Tokens: tokens, Amount: amount, Currency: "GBP", GBPAmount: amount}, nil
}

// QuoteAmount prices a custom purchase of an amount in a display currency.
func (p Pricing) QuoteAmount(currency string, amount float64) (*Quote, error) {
	rate, ok := p.RatesToGBP[currency]
	if !ok || rate <= 0 {
		return nil, ErrUnsupportedCurrency
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return nil, ErrInvalidAmount
	}

	amount = round2(amount)
	if amount < p.MinAmount {
		return nil, &BelowMinimumError{Minimum: p.MinAmount}
	}

	gbpAmount := round2(amount / rate)
	tokens := int64(math.Floor(amount / rate * p.TokensPerGBP))

	return &Quote{Tokens: tokens, Amount: amount, Currency: currency, GBPAmount: gbpAmount}, nil
}

func round2(n float64) float64 {
	return math.Round(n*100) / 100
}
