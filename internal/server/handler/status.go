package handler

import (
	"net/http"
	"strconv"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/engine"
)

// EngineView is the read side of a running engine.
type EngineView interface {
	Status() engine.Status
}

// OrderView lists orders of the running engine.
type OrderView interface {
	Open() []domain.Order
	Orders() []domain.Order
}

// StatusHandler serves the engine's status and orders.
type StatusHandler struct {
	Mode   string
	RunID  string
	engine EngineView
	orders OrderView
}

// NewStatusHandler creates a StatusHandler for one run.
func NewStatusHandler(mode, runID string, e EngineView, orders OrderView) *StatusHandler {
	return &StatusHandler{Mode: mode, RunID: runID, engine: e, orders: orders}
}

// GetStatus responds with the mode, run ID and the engine status, which
// includes the latest account snapshot.
// GET /status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":   h.Mode,
		"run_id": h.RunID,
		"engine": h.engine.Status(),
	})
}

// ListOrders returns the open orders, or every order with ?all=true.
// GET /orders
func (h *StatusHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	all := false
	if v := r.URL.Query().Get("all"); v != "" {
		var err error
		if all, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "all must be a boolean")
			return
		}
	}
	orders := h.orders.Open()
	if all {
		orders = h.orders.Orders()
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}
