// mock-provider stands in for the billing and email providers in local
// runs: GET /v1/invoices serves generated open invoices and POST /emails
// accepts sends with configurable outcomes.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port string `envconfig:"PORT" default:"8080"`

	// Email outcomes: "ok" always succeeds, "error" always fails,
	// "random" fails 1-SuccessRate of the time, "timeout" sleeps past any
	// sane client deadline.
	EmailOutcome string  `envconfig:"MOCK_EMAIL_OUTCOME" default:"ok"`
	SuccessRate  float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	DelayMs      int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	TimeoutMs    int     `envconfig:"MOCK_TIMEOUT_DELAY_MS" default:"12000"`

	// Invoice generation
	InvoiceCount   int `envconfig:"MOCK_INVOICE_COUNT" default:"5"`
	OverdueDays    int `envconfig:"MOCK_OVERDUE_DAYS" default:"4"`
	PageSize       int `envconfig:"MOCK_PAGE_SIZE" default:"100"`
	MissingEmailTh int `envconfig:"MOCK_MISSING_EMAIL_EVERY" default:"0"` // every Nth invoice has no email; 0 disables
}

type mockInvoice struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	CustomerEmail     string `json:"customer_email"`
	CustomerName      string `json:"customer_name"`
	Currency          string `json:"currency"`
	AmountDue         int64  `json:"amount_due"`
	HostedInvoiceURL  string `json:"hosted_invoice_url"`
	Status            string `json:"status"`
	DueDate           int64  `json:"due_date"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

type server struct {
	cfg      config
	invoices []mockInvoice
	seq      uint64
	rng      *rand.Rand
	rngMu    sync.Mutex
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	s := &server{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.invoices = generateInvoices(cfg)

	router := mux.NewRouter()
	router.HandleFunc("/v1/invoices", s.handleListInvoices).Methods(http.MethodGet)
	router.HandleFunc("/emails", s.handleSendEmail).Methods(http.MethodPost)

	slog.Info("mock provider listening", "port", cfg.Port, "invoices", len(s.invoices))
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func generateInvoices(cfg config) []mockInvoice {
	now := time.Now().UTC()
	due := now.AddDate(0, 0, -cfg.OverdueDays).Unix()

	out := make([]mockInvoice, 0, cfg.InvoiceCount)
	for i := 1; i <= cfg.InvoiceCount; i++ {
		inv := mockInvoice{
			ID:               fmt.Sprintf("in_mock%04d", i),
			Customer:         fmt.Sprintf("cus_mock%04d", i),
			CustomerEmail:    fmt.Sprintf("customer%d@example.com", i),
			CustomerName:     fmt.Sprintf("Customer %d", i),
			Currency:         "usd",
			AmountDue:        int64(10000 * i),
			HostedInvoiceURL: fmt.Sprintf("https://pay.example.com/in_mock%04d", i),
			Status:           "open",
			DueDate:          due,
		}
		if cfg.MissingEmailTh > 0 && i%cfg.MissingEmailTh == 0 {
			inv.CustomerEmail = ""
		}
		out = append(out, inv)
	}
	return out
}

func (s *server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	pageSize := s.cfg.PageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			pageSize = n
		}
	}

	start := 0
	if after := r.URL.Query().Get("starting_after"); after != "" {
		for i, inv := range s.invoices {
			if inv.ID == after {
				start = i + 1
				break
			}
		}
	}

	end := start + pageSize
	if end > len(s.invoices) {
		end = len(s.invoices)
	}
	page := s.invoices[start:end]

	writeJSON(w, http.StatusOK, map[string]any{
		"object":   "list",
		"data":     page,
		"has_more": end < len(s.invoices),
	})
}

func (s *server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From    string   `json:"from"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid json"})
		return
	}
	if req.From == "" || len(req.To) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "missing from/to"})
		return
	}

	if s.cfg.DelayMs > 0 {
		time.Sleep(time.Duration(s.cfg.DelayMs) * time.Millisecond)
	}

	switch s.outcome() {
	case "timeout":
		time.Sleep(time.Duration(s.cfg.TimeoutMs) * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]any{"id": s.nextID()})
	case "error":
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "mock provider error"})
	default:
		id := s.nextID()
		slog.Info("mock email accepted", "id", id, "to", req.To[0], "subject", req.Subject)
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	}
}

func (s *server) outcome() string {
	if s.cfg.EmailOutcome != "random" {
		return s.cfg.EmailOutcome
	}
	s.rngMu.Lock()
	v := s.rng.Float64()
	s.rngMu.Unlock()
	if v < s.cfg.SuccessRate {
		return "ok"
	}
	return "error"
}

func (s *server) nextID() string {
	return fmt.Sprintf("re_mock%06d", atomic.AddUint64(&s.seq, 1))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
