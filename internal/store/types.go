package store

import "time"

// ClaimOutcome is the result of trying to reserve a (invoice, step) send.
type ClaimOutcome int

const (
	// Claimed: this run owns the step and must send it.
	Claimed ClaimOutcome = iota
	// AlreadyClaimed: another run owns a terminal or in-flight event for
	// the step; this run must not send.
	AlreadyClaimed
)

type EventClaim struct {
	EventID           string
	TenantID          string
	InvoiceID         string
	ExternalInvoiceID string
	Step              int
	ToEmail           string
	Now               time.Time
	// StaleAfter lets a claim take over a "sending" row whose owner died
	// between claim and finalize. Failed rows are always reclaimable.
	StaleAfter time.Duration
}

type ClaimResult struct {
	Outcome ClaimOutcome
	// EventID of the row this run owns after a won claim. On a reclaim it
	// is the pre-existing row's id, not EventClaim.EventID.
	EventID string
}

// TerminalEvent records a skipped/failed event without a send attempt
// (missing email, missing template).
type TerminalEvent struct {
	EventID           string
	TenantID          string
	InvoiceID         string
	ExternalInvoiceID string
	Step              int
	Status            string
	ToEmail           string
	Error             string
	// ClearSchedule also nulls the invoice's next_reminder_due_at in the
	// same transaction (permanent skip).
	ClearSchedule bool
	Now           time.Time
}

// EventSent finalizes a delivered reminder: event -> sent and invoice
// advanced, committed atomically.
type EventSent struct {
	EventID           string
	InvoiceID         string
	Subject           string
	ProviderMessageID string
	Step              int
	NextReminderDueAt *time.Time
	Now               time.Time
}

type EventFailure struct {
	EventID string
	Subject string
	Error   string
	Now     time.Time
}

// InvoiceAdvance moves the invoice schedule forward without touching
// events (used when a sent event already exists for the step).
type InvoiceAdvance struct {
	InvoiceID         string
	Step              int
	NextReminderDueAt *time.Time
	Now               time.Time
}

// InvoiceUpsert carries provider facts for one invoice into the local row,
// keyed by (tenant_id, external_invoice_id). Reminder progress fields
// (reminder_step, last_reminder_sent_at, reminders_paused) are never
// written on update.
type InvoiceUpsert struct {
	ID                 string
	TenantID           string
	ExternalInvoiceID  string
	ExternalCustomerID string
	CustomerName       string
	CustomerEmail      string
	AmountDue          int64
	Currency           string
	HostedInvoiceURL   string
	Status             string
	DueDate            *time.Time
	PaidAt             *time.Time
	FirstSeenOverdueAt *time.Time
	NextReminderDueAt  *time.Time
	Now                time.Time
}

// InvoiceSyncState is what sync needs from an existing row to decide
// overdue/scheduling fields before the upsert.
type InvoiceSyncState struct {
	Found              bool
	ID                 string
	FirstSeenOverdueAt *time.Time
	ReminderStep       int
	RemindersPaused    bool
	NextReminderDueAt  *time.Time
}

// BillingTenant is a tenant with a connected billing account.
type BillingTenant struct {
	TenantID         string
	BillingAccountID string
}
