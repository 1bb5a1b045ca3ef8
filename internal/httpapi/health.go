package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-labs/candlestream/internal/broker"
	"github.com/vantage-labs/candlestream/internal/store"
)

// version is set at build time via -ldflags; defaults to "dev" otherwise.
var version = "dev"

// HealthHandler reports the liveness of the durable store and the broker
// (spec's ambient health endpoint, grounded on pkg/api/handlers/health.go).
type HealthHandler struct {
	db *store.DB
	b  broker.Broker
}

func NewHealthHandler(db *store.DB, b broker.Broker) *HealthHandler {
	return &HealthHandler{db: db, b: b}
}

// GetHealth handles GET /health.
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.New().String()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]interface{}{
		"database": h.db.HealthCheck(ctx),
		"broker":   h.brokerHealth(ctx),
	}

	status := "healthy"
	for _, c := range components {
		if m, ok := c.(map[string]interface{}); ok && m["status"] != "healthy" {
			status = "degraded"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, correlationID, code, HealthResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Version:    version,
		Components: components,
	})
}

func (h *HealthHandler) brokerHealth(ctx context.Context) map[string]interface{} {
	const probeKey = "health:probe"
	if err := h.b.SetKV(ctx, probeKey, []byte("1"), 10*time.Second); err != nil {
		return map[string]interface{}{"status": "unhealthy", "error": err.Error()}
	}
	return map[string]interface{}{"status": "healthy"}
}
