// Package payments integrates Stripe Checkout for one-time credit pack
// purchases. Fulfilled sessions are credited to the ledger idempotently,
// keyed by the Stripe session ID.
package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

type creditor interface {
	CreditPurchase(ctx context.Context, ownerID string, amount float64, paymentID, method string) error
}

type Client struct {
	webhookSecret string
	ledger        creditor
	log           *slog.Logger
}

func NewClient(secretKey, webhookSecret string, ledger creditor, log *slog.Logger) *Client {
	// stripe-go uses a package-level API key.
	stripe.Key = secretKey
	return &Client{webhookSecret: webhookSecret, ledger: ledger, log: log}
}

// CheckoutParams describes a one-time credit pack purchase.
type CheckoutParams struct {
	UserID     string
	AmountEUR  float64
	SuccessURL string
	CancelURL  string
}

// CreateCheckout opens a Stripe Checkout session in payment mode for the
// requested credit amount. The user ID travels in the session metadata so the
// webhook can credit the right account.
func (c *Client) CreateCheckout(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyEUR)),
					UnitAmount: stripe.Int64(int64(p.AmountEUR * 100)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%.2f EUR chat credits", p.AmountEUR)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	params.AddMetadata("user_id", p.UserID)

	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	c.log.Info("checkout session created",
		"session_id", sess.ID, "user_id", p.UserID, "amount_eur", p.AmountEUR)
	return sess, nil
}

// HandleWebhook verifies the Stripe signature and fulfils completed checkout
// sessions. Unknown event types are acknowledged and ignored.
func (c *Client) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return fmt.Errorf("webhook signature verification failed: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		c.log.Debug("stripe event ignored", "type", event.Type)
		return nil
	}

	var sess stripe.CheckoutSession
	if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}

	userID := sess.Metadata["user_id"]
	if userID == "" {
		c.log.Warn("checkout session without user_id metadata", "session_id", sess.ID)
		return nil
	}

	amount := float64(sess.AmountTotal) / 100
	if err := c.ledger.CreditPurchase(ctx, userID, amount, sess.ID, "stripe"); err != nil {
		return fmt.Errorf("credit purchase: %w", err)
	}

	c.log.Info("purchase credited",
		"session_id", sess.ID, "user_id", userID, "amount_eur", amount)
	return nil
}
