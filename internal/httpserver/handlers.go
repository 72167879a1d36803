package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"invoiceping/internal/domain"
	"invoiceping/internal/util"
)

// Store is the tenant-facing slice of the persistence layer. The tenant id
// is always an explicit parameter; there is no ambient tenant.
type Store interface {
	ListInvoices(ctx context.Context, tenantID string, limit int) ([]domain.Invoice, error)
	ListReminderEvents(ctx context.Context, tenantID string, limit int) ([]domain.ReminderEvent, error)
	SetInvoicePaused(ctx context.Context, tenantID, invoiceID string, paused bool, now time.Time) (bool, error)
	SetRemindersEnabled(ctx context.Context, tenantID string, enabled bool, now time.Time) error
}

type API struct {
	Store     Store
	ListLimit int
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/tenants/{tenantId}/invoices", a.handleListInvoices).Methods(http.MethodGet)
	r.HandleFunc("/v1/tenants/{tenantId}/events", a.handleListEvents).Methods(http.MethodGet)
	r.HandleFunc("/v1/tenants/{tenantId}/invoices/{invoiceId}/pause", a.handlePauseInvoice).Methods(http.MethodPost)
	r.HandleFunc("/v1/tenants/{tenantId}/settings/reminders-enabled", a.handleRemindersEnabled).Methods(http.MethodPut)
}

func (a *API) limit() int {
	if a.ListLimit > 0 {
		return a.ListLimit
	}
	return 100
}

func (a *API) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	if tenantID == "" {
		http.Error(w, ErrMissingTenantID, http.StatusBadRequest)
		return
	}

	invoices, err := a.Store.ListInvoices(r.Context(), tenantID, a.limit())
	if err != nil {
		slog.Error("list invoices failed", "tenant_id", tenantID, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	if tenantID == "" {
		http.Error(w, ErrMissingTenantID, http.StatusBadRequest)
		return
	}

	events, err := a.Store.ListReminderEvents(r.Context(), tenantID, a.limit())
	if err != nil {
		slog.Error("list reminder events failed", "tenant_id", tenantID, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handlePauseInvoice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, invoiceID := vars["tenantId"], vars["invoiceId"]
	if tenantID == "" || invoiceID == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}

	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	found, err := a.Store.SetInvoicePaused(r.Context(), tenantID, invoiceID, req.Paused, util.NowUTC())
	if err != nil {
		slog.Error("pause invoice failed", "tenant_id", tenantID, "invoice_id", invoiceID, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, "invoice not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoiceId": invoiceID, "paused": req.Paused})
}

func (a *API) handleRemindersEnabled(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	if tenantID == "" {
		http.Error(w, ErrMissingTenantID, http.StatusBadRequest)
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	if err := a.Store.SetRemindersEnabled(r.Context(), tenantID, req.Enabled, util.NowUTC()); err != nil {
		slog.Error("set reminders enabled failed", "tenant_id", tenantID, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenantId": tenantID, "remindersEnabled": req.Enabled})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
