package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
)

type cardCharge struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	RedirectURL string `json:"redirect_url"`
}

type cardErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type cardMethodConfig struct {
	Token string `json:"token"`
}

// CardProvider charges the customer's card through the external card API.
// Charges are all or nothing; declines surface as ErrDeclined and 3DS style
// challenges come back as RequiresAction with a hosted redirect URL.
type CardProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewCardProvider(baseURL, apiKey string) *CardProvider {
	return &CardProvider{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: 8 * time.Second},
	}
}

func (p *CardProvider) Type() domain.ProviderType { return domain.ProviderTypeCard }

func (p *CardProvider) IsConfigured(method domain.CustomerPaymentMethod) bool {
	if p.baseURL == "" || p.apiKey == "" {
		return false
	}
	var cfg cardMethodConfig
	if err := json.Unmarshal(method.Config, &cfg); err != nil {
		return false
	}
	return strings.TrimSpace(cfg.Token) != ""
}

func (p *CardProvider) ChargeTx(ctx context.Context, tx *gorm.DB, method domain.CustomerPaymentMethod, amountCents int64, idempotencyKey string) (ChargeResult, error) {
	var cfg cardMethodConfig
	if err := json.Unmarshal(method.Config, &cfg); err != nil {
		return ChargeResult{}, ErrNotConfigured
	}

	values := url.Values{}
	values.Set("amount", strconv.FormatInt(amountCents, 10))
	values.Set("currency", "usd")
	values.Set("source", cfg.Token)
	values.Set("metadata[customer_id]", strconv.FormatInt(method.CustomerID, 10))

	charge, err := p.doRequest(ctx, http.MethodPost, "/v1/charges", values, idempotencyKey)
	if err != nil {
		return ChargeResult{}, err
	}

	switch charge.Status {
	case "succeeded":
		return ChargeResult{AmountCents: amountCents, ExternalRef: charge.ID}, nil
	case "requires_action":
		return ChargeResult{
			ExternalRef:       charge.ID,
			RequiresAction:    true,
			HostedRedirectURL: charge.RedirectURL,
		}, nil
	default:
		return ChargeResult{}, ErrDeclined
	}
}

func (p *CardProvider) doRequest(ctx context.Context, method, path string, values url.Values, idempotencyKey string) (cardCharge, error) {
	if p.baseURL == "" || p.apiKey == "" {
		return cardCharge{}, ErrNotConfigured
	}
	var bodyReader *strings.Reader
	if values != nil {
		bodyReader = strings.NewReader(values.Encode())
	} else {
		bodyReader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bodyReader)
	if err != nil {
		return cardCharge{}, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return cardCharge{}, domain.NewSystemError("card api unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return cardCharge{}, domain.NewSystemError("card api unavailable", errors.New(resp.Status))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var cardErr cardErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&cardErr); err != nil {
			return cardCharge{}, ErrDeclined
		}
		if cardErr.Error.Code == "card_declined" || cardErr.Error.Code == "insufficient_funds" {
			return cardCharge{}, ErrDeclined
		}
		message := strings.TrimSpace(cardErr.Error.Message)
		if message == "" {
			message = "card_request_failed"
		}
		return cardCharge{}, errors.New(message)
	}

	var charge cardCharge
	if err := json.NewDecoder(resp.Body).Decode(&charge); err != nil {
		return cardCharge{}, err
	}
	if charge.ID == "" {
		return cardCharge{}, errors.New("card_response_invalid")
	}
	return charge, nil
}
