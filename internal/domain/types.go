package domain

import (
	"strings"
	"time"
)

// Reminder schedule: three steps at day 3 / 7 / 14 after the invoice was
// first seen overdue.
const MaxReminderStep = 3

// Invoice statuses as reported by the billing provider.
const (
	InvoiceOpen = "open"
	InvoicePaid = "paid"
)

type EventStatus string

const (
	EventSending EventStatus = "sending"
	EventSent    EventStatus = "sent"
	EventFailed  EventStatus = "failed"
	EventSkipped EventStatus = "skipped"
)

// Subscription statuses that allow reminders to go out.
const (
	SubActive   = "active"
	SubTrialing = "trialing"
)

type Invoice struct {
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
	ReminderStep       int
	LastReminderSentAt *time.Time
	NextReminderDueAt  *time.Time
	RemindersPaused    bool
	LastSyncedAt       time.Time
}

type ReminderEvent struct {
	ID                string
	TenantID          string
	InvoiceID         string
	ExternalInvoiceID string
	Step              int
	Status            EventStatus
	ToEmail           string
	Subject           string
	ProviderMessageID string
	Error             string
	SentAt            *time.Time
	CreatedAt         time.Time
}

type EmailTemplate struct {
	TenantID string
	Step     int
	Subject  string
	Body     string
}

type UserSettings struct {
	TenantID         string
	RemindersEnabled bool
	BusinessName     string
	ReplyToEmail     string
}

type Subscription struct {
	TenantID          string
	Status            string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

// Allows reports whether this subscription permits sending reminders now.
func (s Subscription) Allows(now time.Time) bool {
	if s.Status != SubActive && s.Status != SubTrialing {
		return false
	}
	if s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.Before(now) {
		return false
	}
	return true
}

// TickStats are the aggregate counters one dispatch tick returns.
type TickStats struct {
	Processed int
	Sent      int
	Skipped   int
	Failed    int
}

// Template variable names. Templates reference these as {{name}}; anything
// else renders as an empty string.
const (
	VarCustomerName     = "customer_name"
	VarCustomerEmail    = "customer_email"
	VarAmountDue        = "amount_due"
	VarCurrency         = "currency"
	VarHostedInvoiceURL = "hosted_invoice_url"
	VarBusinessName     = "business_name"
	VarReplyToEmail     = "reply_to_email"
	VarDueDate          = "due_date"
)

// TemplateVars builds the fixed variable set for one invoice + tenant pair.
// formatMoney turns minor units + currency into the display form.
func TemplateVars(inv Invoice, settings UserSettings, replyTo string, formatMoney func(int64, string) string) map[string]string {
	name := strings.TrimSpace(inv.CustomerName)
	if name == "" {
		name = "there"
	}
	currency := inv.Currency
	if currency == "" {
		currency = "usd"
	}
	dueDate := ""
	if inv.DueDate != nil {
		dueDate = inv.DueDate.UTC().Format("2006-01-02")
	}
	return map[string]string{
		VarCustomerName:     name,
		VarCustomerEmail:    strings.TrimSpace(inv.CustomerEmail),
		VarAmountDue:        formatMoney(inv.AmountDue, currency),
		VarCurrency:         strings.ToUpper(currency),
		VarHostedInvoiceURL: inv.HostedInvoiceURL,
		VarBusinessName:     settings.BusinessName,
		VarReplyToEmail:     replyTo,
		VarDueDate:          dueDate,
	}
}
