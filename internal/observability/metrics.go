package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	DispatchTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminder_dispatch_ticks_total", Help: "Dispatch tick results"},
		[]string{"result"},
	)
	ReminderOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminder_outcomes_total", Help: "Per-invoice dispatch outcomes"},
		[]string{"outcome"},
	)
	SkipReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminder_skips_total", Help: "Skipped reminders by reason"},
		[]string{"reason"},
	)
	EmailSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "email_send_total", Help: "Email provider send outcomes"},
		[]string{"result", "http_status"},
	)
	EmailLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "email_send_latency_seconds", Help: "Email provider send latency"},
	)
	SyncInvoices = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "invoice_sync_upserts_total", Help: "Invoices upserted by sync"},
	)
	SyncErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "invoice_sync_errors_total", Help: "Sync failures"},
		[]string{"reason"},
	)
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ops_api_requests_total", Help: "Ops API requests"},
		[]string{"endpoint", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(DispatchTicks, ReminderOutcomes, SkipReasons, EmailSend, EmailLatency, SyncInvoices, SyncErrors, APIRequests)
}
