package adapters

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/prepflow/billinghooks/internal/webhook/domain"
)

const (
	kiwifySignatureHeader = "x-kiwify-signature"
	kiwifyTimestampHeader = "x-kiwify-timestamp"
	kiwifySignaturePrefix = "sha256="
)

// eventByKiwifyType maps Kiwify's order-centric event names onto the
// canonical event set.
var eventByKiwifyType = map[string]domain.EventType{
	"order_approved":        domain.PaymentApproved,
	"order_rejected":        domain.PaymentRejected,
	"order_refunded":        domain.PaymentRefunded,
	"subscription_canceled": domain.SubscriptionCancelled,
	"subscription_late":     domain.SubscriptionSuspended,
	"subscription_renewed":  domain.SubscriptionRenewed,
	"chargeback":            domain.ChargebackCreated,
}

type kiwifyAdapter struct {
	secret string
}

// NewKiwify builds the Kiwify adapter. Signatures arrive as
// "sha256=<hex>" over "{timestamp}.{rawBody}", same scheme as Cackto.
func NewKiwify(secret string) Adapter {
	return &kiwifyAdapter{secret: secret}
}

func (a *kiwifyAdapter) Name() string { return "kiwify" }

func (a *kiwifyAdapter) Timestamp(headers http.Header) (int64, error) {
	return parseUnixSeconds(headers.Get(kiwifyTimestampHeader))
}

func (a *kiwifyAdapter) VerifySignature(headers http.Header, rawBody []byte) error {
	signature := headers.Get(kiwifySignatureHeader)
	if !strings.HasPrefix(signature, kiwifySignaturePrefix) {
		return domain.ErrInvalidSignature
	}
	timestamp := strings.TrimSpace(headers.Get(kiwifyTimestampHeader))
	return verifyHMAC(a.secret, timestamp, rawBody, strings.TrimPrefix(signature, kiwifySignaturePrefix))
}

type kiwifyPayload struct {
	OrderID          string  `json:"order_id"`
	WebhookEventType string  `json:"webhook_event_type"`
	CreatedAt        string  `json:"created_at"`
	OrderStatus      string  `json:"order_status"`
	CommissionTotal  float64 `json:"commission_total"`
	Currency         string  `json:"currency"`
	Customer         struct {
		Email    string `json:"email"`
		FullName string `json:"full_name"`
		CPF      string `json:"cpf"`
	} `json:"Customer"`
	Product struct {
		ProductID string `json:"product_id"`
	} `json:"Product"`
	Subscription struct {
		ID   string `json:"id"`
		Plan struct {
			ID string `json:"id"`
		} `json:"plan"`
	} `json:"Subscription"`
	ChargebackReason string `json:"chargeback_reason"`
}

func (a *kiwifyAdapter) Parse(rawBody []byte) (*domain.ParsedEvent, error) {
	var payload kiwifyPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, domain.ErrMalformedPayload
	}
	if payload.OrderID == "" || payload.WebhookEventType == "" || payload.CreatedAt == "" {
		return nil, domain.ErrMissingFields
	}

	eventType, ok := eventByKiwifyType[strings.ToLower(payload.WebhookEventType)]
	if !ok {
		return nil, domain.ErrUnsupportedEvent
	}
	if payload.Customer.Email == "" {
		return nil, domain.ErrMissingFields
	}

	createdAt, err := time.Parse(time.RFC3339, payload.CreatedAt)
	if err != nil {
		return nil, domain.ErrMalformedPayload
	}

	productID := payload.Subscription.Plan.ID
	if productID == "" {
		productID = payload.Product.ProductID
	}

	reason := payload.ChargebackReason
	if eventType == domain.ChargebackCreated && reason == "" {
		reason = "chargeback"
	}

	return &domain.ParsedEvent{
		Provider:        a.Name(),
		ProviderEventID: payload.OrderID + ":" + strings.ToLower(payload.WebhookEventType),
		EventType:       eventType,
		CreatedAt:       createdAt.UTC(),
		Data: domain.EventData{
			TransactionID:  payload.OrderID,
			SubscriptionID: payload.Subscription.ID,
			Status:         payload.OrderStatus,
			AmountCents:    int64(math.Round(payload.CommissionTotal * 100)),
			Currency:       payload.Currency,
			ProductID:      productID,
			Customer: domain.Customer{
				Email:    strings.ToLower(strings.TrimSpace(payload.Customer.Email)),
				Name:     strings.TrimSpace(payload.Customer.FullName),
				Document: payload.Customer.CPF,
			},
			Reason: reason,
		},
	}, nil
}
