package offlinekit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Service names used by the convenience wrappers.
const (
	ServiceMaps          = "maps"
	ServiceDocuments     = "documents"
	ServiceNotifications = "notifications"
	ServiceCurrency      = "currency"
)

// GeocodeResult is a resolved address.
type GeocodeResult struct {
	Address   string  `json:"address"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// DocumentValidation is the verdict on an identity or tax document.
type DocumentValidation struct {
	Type    string `json:"type"`
	Number  string `json:"number"`
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// Notification is an outbound message to a user.
type Notification struct {
	Channel   string         `json:"channel"`
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
}

// NotificationReceipt acknowledges a sent notification.
type NotificationReceipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CurrencyConversion is an amount converted between two currencies.
type CurrencyConversion struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
	Rate   float64 `json:"rate"`
	Result float64 `json:"result"`
}

// Geocode resolves an address through the maps service. Results are cached
// per normalized address.
func (g *Gateway) Geocode(ctx context.Context, address string) (*GeocodeResult, error) {
	normalized := normalizeKeyPart(address)
	if normalized == "" {
		return nil, fmt.Errorf("%w: address is required", ErrValidationFailure)
	}
	data, err := g.Request(ctx, ServiceMaps, "/geocode", &RequestOptions{
		Query:    map[string]string{"address": address},
		UseCache: true,
		CacheKey: "geocode:" + normalized,
		Retry:    true,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[GeocodeResult](data)
}

// ValidateDocument checks a document number with the documents service.
func (g *Gateway) ValidateDocument(ctx context.Context, docType, number string) (*DocumentValidation, error) {
	docType = normalizeKeyPart(docType)
	number = strings.TrimSpace(number)
	if docType == "" || number == "" {
		return nil, fmt.Errorf("%w: document type and number are required", ErrValidationFailure)
	}
	data, err := g.Request(ctx, ServiceDocuments, "/validate/"+url.PathEscape(docType), &RequestOptions{
		Method:   "POST",
		Body:     map[string]string{"number": number},
		UseCache: true,
		CacheKey: "document:" + docType + ":" + number,
		Retry:    true,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[DocumentValidation](data)
}

// SendNotification delivers n through the notifications service. Never cached.
func (g *Gateway) SendNotification(ctx context.Context, n *Notification) (*NotificationReceipt, error) {
	if n == nil || n.Recipient == "" || n.Body == "" {
		return nil, fmt.Errorf("%w: recipient and body are required", ErrValidationFailure)
	}
	data, err := g.Request(ctx, ServiceNotifications, "/send", &RequestOptions{
		Method: "POST",
		Body:   n,
		Retry:  true,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[NotificationReceipt](data)
}

// ConvertCurrency converts amount from one currency to another.
func (g *Gateway) ConvertCurrency(ctx context.Context, amount float64, from, to string) (*CurrencyConversion, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if len(from) != 3 || len(to) != 3 {
		return nil, fmt.Errorf("%w: currency codes must be ISO 4217", ErrValidationFailure)
	}
	amountStr := strconv.FormatFloat(amount, 'f', -1, 64)
	data, err := g.Request(ctx, ServiceCurrency, "/convert", &RequestOptions{
		Query:    map[string]string{"from": from, "to": to, "amount": amountStr},
		UseCache: true,
		CacheKey: "currency:" + from + ":" + to + ":" + amountStr,
		Retry:    true,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[CurrencyConversion](data)
}

// GatewayProcessor replays pending actions by POSTing them to
// endpoint/<action type> on service. Retries are left to the queue.
func GatewayProcessor(g *Gateway, service, endpoint string) Processor {
	endpoint = strings.TrimRight(endpoint, "/")
	return func(ctx context.Context, a PendingAction) error {
		_, err := g.Request(ctx, service, endpoint+"/"+url.PathEscape(a.Type), &RequestOptions{
			Method:  "POST",
			Body:    a,
			Headers: map[string]string{"Idempotency-Key": a.ID},
		})
		return err
	}
}

func normalizeKeyPart(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if len(data) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
