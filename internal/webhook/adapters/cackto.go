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
	cacktoSignatureHeader = "x-cackto-signature"
	cacktoTimestampHeader = "x-cackto-timestamp"
	cacktoSignaturePrefix = "sha256="
)

type cacktoAdapter struct {
	secret string
}

// NewCackto builds the Cackto adapter. Signatures arrive as
// "sha256=<hex>" over "{timestamp}.{rawBody}".
func NewCackto(secret string) Adapter {
	return &cacktoAdapter{secret: secret}
}

func (a *cacktoAdapter) Name() string { return "cackto" }

func (a *cacktoAdapter) Timestamp(headers http.Header) (int64, error) {
	return parseUnixSeconds(headers.Get(cacktoTimestampHeader))
}

func (a *cacktoAdapter) VerifySignature(headers http.Header, rawBody []byte) error {
	signature := headers.Get(cacktoSignatureHeader)
	if !strings.HasPrefix(signature, cacktoSignaturePrefix) {
		return domain.ErrInvalidSignature
	}
	timestamp := strings.TrimSpace(headers.Get(cacktoTimestampHeader))
	return verifyHMAC(a.secret, timestamp, rawBody, strings.TrimPrefix(signature, cacktoSignaturePrefix))
}

type cacktoPayload struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	CreatedAt string          `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

type cacktoData struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transaction_id"`
	Status        string  `json:"status"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Reason        string  `json:"reason"`
	Resolution    string  `json:"resolution"`
	Customer      struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Document string `json:"document"`
	} `json:"customer"`
	Product struct {
		ID string `json:"id"`
	} `json:"product"`
	Plan struct {
		ID string `json:"id"`
	} `json:"plan"`
	Subscription struct {
		ID string `json:"id"`
	} `json:"subscription"`
}

func (a *cacktoAdapter) Parse(rawBody []byte) (*domain.ParsedEvent, error) {
	var payload cacktoPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, domain.ErrMalformedPayload
	}
	if payload.ID == "" || payload.Event == "" || payload.CreatedAt == "" || len(payload.Data) == 0 {
		return nil, domain.ErrMissingFields
	}

	eventType := domain.EventType(payload.Event)
	if !domain.Supported(eventType) {
		return nil, domain.ErrUnsupportedEvent
	}

	var data cacktoData
	if err := json.Unmarshal(payload.Data, &data); err != nil {
		return nil, domain.ErrMalformedPayload
	}
	if err := checkEventData(eventType, &data); err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339, payload.CreatedAt)
	if err != nil {
		return nil, domain.ErrMalformedPayload
	}

	productID := data.Product.ID
	if productID == "" {
		productID = data.Plan.ID
	}
	transactionID := data.TransactionID
	if transactionID == "" {
		transactionID = data.ID
	}

	return &domain.ParsedEvent{
		Provider:        a.Name(),
		ProviderEventID: payload.ID,
		EventType:       eventType,
		CreatedAt:       createdAt.UTC(),
		Data: domain.EventData{
			TransactionID:  transactionID,
			SubscriptionID: data.Subscription.ID,
			Status:         data.Status,
			AmountCents:    int64(math.Round(data.Amount * 100)),
			Currency:       data.Currency,
			ProductID:      productID,
			Customer: domain.Customer{
				Email:    strings.ToLower(strings.TrimSpace(data.Customer.Email)),
				Name:     strings.TrimSpace(data.Customer.Name),
				Document: data.Customer.Document,
			},
			Resolution: data.Resolution,
			Reason:     data.Reason,
		},
	}, nil
}

// checkEventData enforces the per-family required fields.
func checkEventData(eventType domain.EventType, data *cacktoData) error {
	switch {
	case strings.HasPrefix(string(eventType), "payment."):
		if data.ID == "" || data.Status == "" || data.Amount <= 0 || data.Customer.Email == "" {
			return domain.ErrMissingFields
		}
	case strings.HasPrefix(string(eventType), "subscription."):
		if data.ID == "" || data.Status == "" || data.Customer.Email == "" {
			return domain.ErrMissingFields
		}
		if data.Plan.ID == "" && data.Product.ID == "" {
			return domain.ErrMissingFields
		}
	case strings.HasPrefix(string(eventType), "chargeback."):
		if data.ID == "" || data.TransactionID == "" || data.Reason == "" {
			return domain.ErrMissingFields
		}
		if eventType == domain.ChargebackResolved && data.Resolution == "" {
			return domain.ErrMissingFields
		}
	}
	return nil
}
