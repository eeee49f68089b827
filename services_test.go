package offlinekit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newServicesGateway registers every wrapper service against one test server.
func newServicesGateway(t *testing.T, handler http.HandlerFunc) (*Gateway, *Cache) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	clock := NewManualClock(testEpoch)
	cache := NewCache(nil, &CacheOptions{Clock: clock})
	g := NewGateway(cache, &GatewayOptions{HTTPClient: srv.Client(), Clock: clock})
	for _, name := range []string{ServiceMaps, ServiceDocuments, ServiceNotifications, ServiceCurrency, "backend"} {
		require.NoError(t, g.RegisterService(name, ServiceConfig{BaseURL: srv.URL}))
	}
	return g, cache
}

func TestGeocode(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	g, cache := newServicesGateway(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		assert.Equal(t, "/geocode", r.URL.Path)
		io.WriteString(w, `{"address":"`+r.URL.Query().Get("address")+`","lat":38.72,"lng":-9.14}`)
	})
	ctx := context.Background()

	res, err := g.Geocode(ctx, "Rua Augusta, Lisbon")
	require.NoError(t, err)
	assert.InDelta(t, 38.72, res.Latitude, 1e-9)

	_, err = g.Geocode(ctx, "  rua   augusta, LISBON ")
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "normalized addresses share a cache entry")
	_, ok := cache.Get("geocode:rua augusta, lisbon")
	assert.True(t, ok)

	_, err = g.Geocode(ctx, "   ")
	assert.ErrorIs(t, err, ErrValidationFailure)
}

func TestValidateDocument(t *testing.T) {
	g, cache := newServicesGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/validate/passport", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		io.WriteString(w, `{"type":"passport","number":"`+body["number"]+`","valid":true}`)
	})

	res, err := g.ValidateDocument(context.Background(), " Passport ", " X123 ")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "X123", res.Number)
	_, ok := cache.Get("document:passport:X123")
	assert.True(t, ok)

	_, err = g.ValidateDocument(context.Background(), "passport", "")
	assert.ErrorIs(t, err, ErrValidationFailure)
}

func TestSendNotificationNotCached(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	g, cache := newServicesGateway(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		io.WriteString(w, `{"id":"n-1","status":"queued"}`)
	})
	ctx := context.Background()
	n := &Notification{Channel: "email", Recipient: "ana@example.com", Body: "hi"}

	for i := 0; i < 2; i++ {
		rcpt, err := g.SendNotification(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, "queued", rcpt.Status)
	}
	assert.Equal(t, 2, hits)
	assert.Equal(t, 0, cache.Len())

	_, err := g.SendNotification(ctx, &Notification{Recipient: "x"})
	assert.ErrorIs(t, err, ErrValidationFailure)
}

func TestConvertCurrency(t *testing.T) {
	g, cache := newServicesGateway(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "EUR", q.Get("from"))
		assert.Equal(t, "USD", q.Get("to"))
		assert.Equal(t, "12.5", q.Get("amount"))
		io.WriteString(w, `{"from":"EUR","to":"USD","amount":12.5,"rate":1.1,"result":13.75}`)
	})

	res, err := g.ConvertCurrency(context.Background(), 12.5, "eur", " usd")
	require.NoError(t, err)
	assert.InDelta(t, 13.75, res.Result, 1e-9)
	_, ok := cache.Get("currency:EUR:USD:12.5")
	assert.True(t, ok)

	_, err = g.ConvertCurrency(context.Background(), 1, "euro", "USD")
	assert.ErrorIs(t, err, ErrValidationFailure)
}

func TestGatewayProcessor(t *testing.T) {
	var got struct {
		path, method, key string
		action            PendingAction
	}
	status := http.StatusOK
	g, _ := newServicesGateway(t, func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.method = r.Method
		got.key = r.Header.Get("Idempotency-Key")
		json.NewDecoder(r.Body).Decode(&got.action)
		w.WriteHeader(status)
		io.WriteString(w, `{}`)
	})

	proc := GatewayProcessor(g, "backend", "/actions/")
	a := PendingAction{ID: "a-1", Type: "orders.create", Payload: json.RawMessage(`{"sku":"A1"}`)}
	require.NoError(t, proc(context.Background(), a))
	assert.Equal(t, "/actions/orders.create", got.path)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "a-1", got.key)
	assert.Equal(t, "orders.create", got.action.Type)
	assert.JSONEq(t, `{"sku":"A1"}`, string(got.action.Payload))

	status = http.StatusConflict
	err := proc(context.Background(), a)
	assert.ErrorIs(t, err, ErrValidationFailure)
}
