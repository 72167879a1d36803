package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"invoiceping/internal/domain"
	"invoiceping/internal/observability"
	"invoiceping/internal/providers/resend"
	"invoiceping/internal/store"
	"invoiceping/internal/util"
)

type Store interface {
	SelectDueInvoices(ctx context.Context, now time.Time, limit int) ([]domain.Invoice, error)
	GetUserSettings(ctx context.Context, tenantID string) (domain.UserSettings, bool, error)
	GetSubscription(ctx context.Context, tenantID string) (domain.Subscription, bool, error)
	GetTemplate(ctx context.Context, tenantID string, step int) (domain.EmailTemplate, bool, error)
	ClaimReminderEvent(ctx context.Context, in store.EventClaim) (store.ClaimResult, error)
	GetEventStatus(ctx context.Context, invoiceID string, step int) (string, bool, error)
	InsertTerminalEvent(ctx context.Context, in store.TerminalEvent) error
	MarkEventSentAndAdvance(ctx context.Context, in store.EventSent) error
	MarkEventFailed(ctx context.Context, in store.EventFailure) error
	AdvanceInvoiceSchedule(ctx context.Context, in store.InvoiceAdvance) error
}

type EmailSender interface {
	Send(ctx context.Context, req resend.SendRequest) (resend.SendResponse, int, []byte, error)
}

// Engine runs one bounded dispatch pass per Tick. Any number of engine
// processes may tick concurrently; the (invoice, step) claim in the store
// is the only thing keeping them from double-sending, so every mutation
// here goes through it.
type Engine struct {
	Store          Store
	Sender         EmailSender
	From           string
	DefaultReplyTo string

	BatchSize       int           // due invoices per tick, default 50
	SendTimeout     time.Duration // per provider call, default 10s
	StaleClaimAfter time.Duration // sending rows older than this are reclaimable

	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
	IDGen   func() string
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

func (e *Engine) Tick(ctx context.Context, now time.Time) (domain.TickStats, error) {
	batch := e.BatchSize
	if batch <= 0 {
		batch = 50
	}

	invoices, err := e.Store.SelectDueInvoices(ctx, now, batch)
	if err != nil {
		observability.DispatchTicks.WithLabelValues("error").Inc()
		return domain.TickStats{}, fmt.Errorf("select due invoices: %w", err)
	}

	var stats domain.TickStats
	for _, inv := range invoices {
		stats.Processed++
		switch e.processInvoice(ctx, inv, now) {
		case outcomeSent:
			stats.Sent++
			observability.ReminderOutcomes.WithLabelValues("sent").Inc()
		case outcomeFailed:
			stats.Failed++
			observability.ReminderOutcomes.WithLabelValues("failed").Inc()
		default:
			stats.Skipped++
			observability.ReminderOutcomes.WithLabelValues("skipped").Inc()
		}
	}

	observability.DispatchTicks.WithLabelValues("ok").Inc()
	return stats, nil
}

func (e *Engine) processInvoice(ctx context.Context, inv domain.Invoice, now time.Time) outcome {
	// Tenant gates are re-checked per row: the selection query ran earlier
	// and settings may have changed under us. Gate failures are counted,
	// never persisted as events.
	settings, ok, err := e.Store.GetUserSettings(ctx, inv.TenantID)
	if err != nil {
		return e.skip(inv, "settings_read_error", err)
	}
	if !ok || !settings.RemindersEnabled {
		return e.skip(inv, "reminders_disabled", nil)
	}

	sub, ok, err := e.Store.GetSubscription(ctx, inv.TenantID)
	if err != nil {
		return e.skip(inv, "subscription_read_error", err)
	}
	if !ok || !sub.Allows(now) {
		return e.skip(inv, "subscription_inactive", nil)
	}

	nextStep := inv.ReminderStep + 1
	if nextStep < 1 || nextStep > domain.MaxReminderStep {
		return e.skip(inv, "schedule_exhausted", nil)
	}

	toEmail := strings.TrimSpace(inv.CustomerEmail)
	if toEmail == "" {
		// The provider will never backfill an email it omitted; cancel the
		// schedule so the invoice stops coming up every tick.
		err := e.Store.InsertTerminalEvent(ctx, store.TerminalEvent{
			EventID:           e.newEventID(),
			TenantID:          inv.TenantID,
			InvoiceID:         inv.ID,
			ExternalInvoiceID: inv.ExternalInvoiceID,
			Step:              nextStep,
			Status:            string(domain.EventSkipped),
			Error:             "missing customer email",
			ClearSchedule:     true,
			Now:               now,
		})
		if err != nil {
			slog.Error("record missing-email skip failed", "invoice_id", inv.ID, "err", err)
		}
		return e.skip(inv, "missing_email", nil)
	}

	tpl, ok, err := e.Store.GetTemplate(ctx, inv.TenantID, nextStep)
	if err != nil {
		return e.skip(inv, "template_read_error", err)
	}
	if !ok {
		// Schedule stays intact: once the operator adds the template the
		// next tick retries this step.
		err := e.Store.InsertTerminalEvent(ctx, store.TerminalEvent{
			EventID:           e.newEventID(),
			TenantID:          inv.TenantID,
			InvoiceID:         inv.ID,
			ExternalInvoiceID: inv.ExternalInvoiceID,
			Step:              nextStep,
			Status:            string(domain.EventFailed),
			ToEmail:           toEmail,
			Error:             fmt.Sprintf("missing template for step %d", nextStep),
			Now:               now,
		})
		if err != nil {
			slog.Error("record missing-template failure failed", "invoice_id", inv.ID, "err", err)
		}
		return outcomeFailed
	}

	claim, err := e.Store.ClaimReminderEvent(ctx, store.EventClaim{
		EventID:           e.newEventID(),
		TenantID:          inv.TenantID,
		InvoiceID:         inv.ID,
		ExternalInvoiceID: inv.ExternalInvoiceID,
		Step:              nextStep,
		ToEmail:           toEmail,
		Now:               now,
		StaleAfter:        e.staleAfter(),
	})
	if err != nil {
		return e.skip(inv, "claim_error", err)
	}
	if claim.Outcome == store.AlreadyClaimed {
		e.advanceIfAlreadySent(ctx, inv, nextStep, now)
		return e.skip(inv, "already_claimed", nil)
	}

	replyTo := settings.ReplyToEmail
	if replyTo == "" {
		replyTo = e.DefaultReplyTo
	}
	vars := domain.TemplateVars(inv, settings, replyTo, util.FormatMoney)
	subject := strings.TrimSpace(util.RenderTemplate(tpl.Subject, vars))
	body := strings.TrimSpace(util.RenderTemplate(tpl.Body, vars))

	resp, err := e.deliver(ctx, resend.SendRequest{
		From:    e.From,
		To:      []string{toEmail},
		Subject: subject,
		Text:    body,
		ReplyTo: replyTo,
	})
	if err != nil {
		if markErr := e.Store.MarkEventFailed(ctx, store.EventFailure{
			EventID: claim.EventID,
			Subject: subject,
			Error:   err.Error(),
			Now:     now,
		}); markErr != nil {
			slog.Error("mark event failed errored", "event_id", claim.EventID, "err", markErr)
		}
		slog.Warn("reminder delivery failed",
			"invoice_id", inv.ID, "tenant_id", inv.TenantID, "step", nextStep, "err", err)
		return outcomeFailed
	}

	if err := e.Store.MarkEventSentAndAdvance(ctx, store.EventSent{
		EventID:           claim.EventID,
		InvoiceID:         inv.ID,
		Subject:           subject,
		ProviderMessageID: resp.ID,
		Step:              nextStep,
		NextReminderDueAt: e.nextDue(inv, nextStep, now),
		Now:               now,
	}); err != nil {
		// The email went out but the commit did not; the claim row stays
		// "sending" and becomes reclaimable after the stale window.
		slog.Error("finalize sent reminder failed",
			"invoice_id", inv.ID, "event_id", claim.EventID, "step", nextStep, "err", err)
		return outcomeFailed
	}

	slog.Info("reminder sent",
		"invoice_id", inv.ID, "tenant_id", inv.TenantID, "step", nextStep,
		"to", toEmail, "provider_message_id", resp.ID)
	return outcomeSent
}

func (e *Engine) skip(inv domain.Invoice, reason string, err error) outcome {
	observability.SkipReasons.WithLabelValues(reason).Inc()
	if err != nil {
		slog.Error("reminder skipped on error",
			"invoice_id", inv.ID, "tenant_id", inv.TenantID, "reason", reason, "err", err)
	} else {
		slog.Debug("reminder skipped",
			"invoice_id", inv.ID, "tenant_id", inv.TenantID, "reason", reason)
	}
	return outcomeSkipped
}

// advanceIfAlreadySent handles a lost claim whose event is already "sent"
// but whose invoice never advanced (e.g. a concurrent run between its
// commit and our selection). Without this the invoice would stay due and
// lose the claim forever.
func (e *Engine) advanceIfAlreadySent(ctx context.Context, inv domain.Invoice, step int, now time.Time) {
	status, found, err := e.Store.GetEventStatus(ctx, inv.ID, step)
	if err != nil || !found || status != string(domain.EventSent) {
		return
	}
	if err := e.Store.AdvanceInvoiceSchedule(ctx, store.InvoiceAdvance{
		InvoiceID:         inv.ID,
		Step:              step,
		NextReminderDueAt: e.nextDue(inv, step, now),
		Now:               now,
	}); err != nil {
		slog.Error("defensive schedule advance failed", "invoice_id", inv.ID, "step", step, "err", err)
	}
}

func (e *Engine) nextDue(inv domain.Invoice, stepAfterSend int, now time.Time) *time.Time {
	firstOverdue := inv.FirstSeenOverdueAt
	if firstOverdue == nil {
		firstOverdue = inv.DueDate
	}
	if firstOverdue == nil {
		return nil
	}
	return domain.NextReminderDue(*firstOverdue, stepAfterSend, now)
}

func (e *Engine) deliver(ctx context.Context, req resend.SendRequest) (resend.SendResponse, error) {
	var lastErr error
	start := time.Now()

	for attempt := 0; attempt < 3; attempt++ {
		if e.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := e.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				observability.EmailSend.WithLabelValues("rate_limited_local", "0").Inc()
				lastErr = err
				time.Sleep(200 * time.Millisecond)
				continue
			}
		}

		resAny, err := e.executeWithBreaker(ctx, req)

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.EmailSend.WithLabelValues("cb_open", "0").Inc()
			// Fail fast; the claim reclaim path retries on a later tick.
			return resend.SendResponse{}, err
		}

		if err == nil {
			r := resAny.(sendResult)
			observability.EmailSend.WithLabelValues("ok", strconv.Itoa(r.httpStatus)).Inc()
			observability.EmailLatency.Observe(time.Since(start).Seconds())
			return r.resp, nil
		}

		lastErr = err
		httpStatus := 0
		var sce sendCallError
		if errors.As(err, &sce) {
			httpStatus = sce.httpStatus
		}
		observability.EmailSend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()

		if !resend.ShouldRetry(err, httpStatus) {
			return resend.SendResponse{}, err
		}
		time.Sleep(resend.Backoff(attempt))
	}
	return resend.SendResponse{}, lastErr
}

func (e *Engine) executeWithBreaker(ctx context.Context, req resend.SendRequest) (any, error) {
	call := func() (any, error) {
		timeout := e.SendTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, httpStatus, _, callErr := e.Sender.Send(reqCtx, req)
		if callErr != nil {
			return nil, sendCallError{err: callErr, httpStatus: httpStatus}
		}
		return sendResult{resp: resp, httpStatus: httpStatus}, nil
	}

	if e.Breaker == nil {
		return call()
	}
	return e.Breaker.Execute(call)
}

func (e *Engine) staleAfter() time.Duration {
	if e.StaleClaimAfter > 0 {
		return e.StaleClaimAfter
	}
	return 15 * time.Minute
}

func (e *Engine) newEventID() string {
	if e.IDGen != nil {
		return e.IDGen()
	}
	return util.NewEventID()
}

type sendResult struct {
	resp       resend.SendResponse
	httpStatus int
}

type sendCallError struct {
	err        error
	httpStatus int
}

func (e sendCallError) Error() string { return e.err.Error() }
func (e sendCallError) Unwrap() error { return e.err }
