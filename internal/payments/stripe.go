package payments

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Event types forwarded out of VerifyWebhook.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
)

const StatusSucceeded = "succeeded"

// Intent is the slice of a provider payment intent this service consumes.
// The account id and the deposit amount ride in the metadata, set at
// creation time and read back by both reconciliation paths.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	Amount       int64 // smallest currency unit (cents)
	Metadata     map[string]string
}

// Provider abstracts the external payment processor.
type Provider interface {
	CreateIntent(amountCents int64, metadata map[string]string) (*Intent, error)
	GetIntent(id string) (*Intent, error)
	VerifyWebhook(payload []byte, signature string) (eventType string, intent *Intent, err error)
}

// StripeProvider implements Provider on the Stripe PaymentIntents API.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

func NewStripeProvider(secretKey, webhookSecret string) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{api: api, webhookSecret: webhookSecret}
}

func (p *StripeProvider) CreateIntent(amountCents int64, metadata map[string]string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return fromStripe(pi), nil
}

func (p *StripeProvider) GetIntent(id string) (*Intent, error) {
	pi, err := p.api.PaymentIntents.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieve payment intent %s: %w", id, err)
	}
	return fromStripe(pi), nil
}

// VerifyWebhook checks the provider signature before anything else touches
// the payload, then decodes the embedded intent for the events we care about.
func (p *StripeProvider) VerifyWebhook(payload []byte, signature string) (string, *Intent, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return "", nil, fmt.Errorf("webhook signature verification: %w", err)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return string(event.Type), nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	return string(event.Type), fromStripe(&pi), nil
}

func fromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Metadata:     pi.Metadata,
	}
}
