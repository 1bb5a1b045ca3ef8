package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vantage-labs/candlestream/internal/broker"
	"github.com/vantage-labs/candlestream/internal/store"
)

// NewRouter wires the control surface (subscribe/unsubscribe/status) and the
// read-only OHLCV query endpoints onto a single gorilla/mux router, matching
// the teacher's pkg/api route layout under /api/v1.
func NewRouter(collector CollectorController, b broker.Broker, db *store.DB, s store.Store) *mux.Router {
	r := mux.NewRouter()

	sub := NewSubscriptionHandler(collector, b)
	ohlcv := NewOHLCVHandler(s)
	health := NewHealthHandler(db, b)

	r.HandleFunc("/health", health.GetHealth).Methods(http.MethodGet)

	r.HandleFunc("/subscribe", sub.PostSubscribe).Methods(http.MethodPost)
	r.HandleFunc("/subscribe/{symbol}", sub.DeleteSubscribe).Methods(http.MethodDelete)
	r.HandleFunc("/status/{symbol}", sub.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions", sub.GetSubscriptions).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/ohlcv/{symbol}", ohlcv.GetOHLCV).Methods(http.MethodGet)
	api.HandleFunc("/ohlcv/{symbol}/history", ohlcv.GetOHLCVHistory).Methods(http.MethodGet)
	api.HandleFunc("/ohlcv/{symbol}/latest", ohlcv.GetLatestOHLCV).Methods(http.MethodGet)

	return r
}
