package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/vantage-labs/candlestream/internal/broker"
	"github.com/vantage-labs/candlestream/internal/models"
)

type fakeController struct {
	mu      sync.Mutex
	symbols map[string][]models.Timeframe
}

func newFakeController() *fakeController {
	return &fakeController{symbols: make(map[string][]models.Timeframe)}
}

func (f *fakeController) Subscribe(symbol string, timeframes []models.Timeframe) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols[symbol] = timeframes
}

func (f *fakeController) Unsubscribe(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.symbols, symbol)
}

func (f *fakeController) Status(symbol string) (models.CollectorStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tfs, ok := f.symbols[symbol]
	if !ok {
		return models.CollectorStatus{}, false
	}
	_ = tfs
	return models.CollectorStatus{Symbol: symbol, Connected: true}, true
}

func newTestRouter(t *testing.T) (*mux.Router, *fakeController, broker.Broker) {
	t.Helper()
	ctrl := newFakeController()
	b := broker.NewMemBroker()
	sub := NewSubscriptionHandler(ctrl, b)

	r := mux.NewRouter()
	r.HandleFunc("/subscribe", sub.PostSubscribe).Methods("POST")
	r.HandleFunc("/subscribe/{symbol}", sub.DeleteSubscribe).Methods("DELETE")
	r.HandleFunc("/status/{symbol}", sub.GetStatus).Methods("GET")
	r.HandleFunc("/subscriptions", sub.GetSubscriptions).Methods("GET")
	return r, ctrl, b
}

func TestPostSubscribeStartsWorkerAndPersistsState(t *testing.T) {
	r, ctrl, b := newTestRouter(t)

	body, _ := json.Marshal(SubscribeRequest{Symbols: []string{"BTC-USDT-SWAP"}, Timeframes: []string{"1h"}})
	req := httptest.NewRequest("POST", "/subscribe", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := ctrl.Status("BTC-USDT-SWAP"); !ok {
		t.Fatal("expected subscribe to start a worker for the symbol")
	}
	if _, ok, err := b.GetKV(context.Background(), broker.KeySubscription("BTC-USDT-SWAP")); err != nil || !ok {
		t.Fatalf("expected subscription state persisted in the broker, ok=%v err=%v", ok, err)
	}
}

func TestPostSubscribeRejectsInvalidTimeframe(t *testing.T) {
	r, _, _ := newTestRouter(t)

	body, _ := json.Marshal(SubscribeRequest{Symbols: []string{"BTC-USDT-SWAP"}, Timeframes: []string{"bogus"}})
	req := httptest.NewRequest("POST", "/subscribe", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 400 {
		t.Fatalf("expected 400 for invalid timeframe, got %d", w.Code)
	}
}

func TestDeleteSubscribeRemovesWorker(t *testing.T) {
	r, ctrl, _ := newTestRouter(t)
	ctrl.Subscribe("ETH-USDT-SWAP", []models.Timeframe{models.Timeframe1h})

	req := httptest.NewRequest("DELETE", "/subscribe/ETH-USDT-SWAP", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 204 {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if _, ok := ctrl.Status("ETH-USDT-SWAP"); ok {
		t.Fatal("expected worker removed after unsubscribe")
	}
}

func TestGetStatusNotFoundForUnknownSymbol(t *testing.T) {
	r, _, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/status/NOPE-USDT-SWAP", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 404 {
		t.Fatalf("expected 404 for unknown symbol, got %d", w.Code)
	}
}

// TestGetSubscriptionsReadsBrokerState asserts /subscriptions enumerates the
// broker's subscription:* keys rather than the in-process collector's worker
// map, so it reflects durable, multi-process state (spec §6). A symbol with
// a running worker but no broker key must not appear, while a symbol with a
// broker key but no running worker must.
func TestGetSubscriptionsReadsBrokerState(t *testing.T) {
	r, ctrl, b := newTestRouter(t)
	ctrl.Subscribe("ETH-USDT-SWAP", []models.Timeframe{models.Timeframe1h})

	if err := b.SetKV(context.Background(), broker.KeySubscription("BTC-USDT-SWAP"), []byte(`{}`), time.Hour); err != nil {
		t.Fatalf("seed broker subscription key: %v", err)
	}

	req := httptest.NewRequest("GET", "/subscriptions", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string][]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp["symbols"]) != 1 || resp["symbols"][0] != "BTC-USDT-SWAP" {
		t.Fatalf("expected only broker-resident symbol BTC-USDT-SWAP, got: %v", resp["symbols"])
	}
}
