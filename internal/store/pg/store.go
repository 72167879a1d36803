package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"invoiceping/internal/domain"
	"invoiceping/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const invoiceColumns = `
	id, tenant_id, external_invoice_id, COALESCE(external_customer_id,''),
	COALESCE(customer_name,''), COALESCE(customer_email,''), amount_due, currency,
	COALESCE(hosted_invoice_url,''), status, due_date, paid_at,
	first_seen_overdue_at, reminder_step, last_reminder_sent_at,
	next_reminder_due_at, reminders_paused, last_synced_at`

func scanInvoice(row pgx.Row) (domain.Invoice, error) {
	var inv domain.Invoice
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.ExternalInvoiceID, &inv.ExternalCustomerID,
		&inv.CustomerName, &inv.CustomerEmail, &inv.AmountDue, &inv.Currency,
		&inv.HostedInvoiceURL, &inv.Status, &inv.DueDate, &inv.PaidAt,
		&inv.FirstSeenOverdueAt, &inv.ReminderStep, &inv.LastReminderSentAt,
		&inv.NextReminderDueAt, &inv.RemindersPaused, &inv.LastSyncedAt)
	return inv, err
}

// SelectDueInvoices returns the dispatch batch: open, unpaid, unpaused
// invoices whose reminder is due, oldest due first.
func (s *Store) SelectDueInvoices(ctx context.Context, now time.Time, limit int) ([]domain.Invoice, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE next_reminder_due_at IS NOT NULL AND next_reminder_due_at <= $1
		  AND reminders_paused = false
		  AND reminder_step < $2
		  AND status = 'open'
		  AND paid_at IS NULL
		ORDER BY next_reminder_due_at ASC
		LIMIT $3
	`, now, domain.MaxReminderStep, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) GetUserSettings(ctx context.Context, tenantID string) (domain.UserSettings, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT tenant_id, reminders_enabled, business_name, reply_to_email
		FROM user_settings WHERE tenant_id=$1
	`, tenantID)
	var st domain.UserSettings
	err := row.Scan(&st.TenantID, &st.RemindersEnabled, &st.BusinessName, &st.ReplyToEmail)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserSettings{}, false, nil
		}
		return domain.UserSettings{}, false, err
	}
	return st, true, nil
}

func (s *Store) GetSubscription(ctx context.Context, tenantID string) (domain.Subscription, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT tenant_id, status, current_period_end, cancel_at_period_end
		FROM subscriptions WHERE tenant_id=$1
	`, tenantID)
	var sub domain.Subscription
	err := row.Scan(&sub.TenantID, &sub.Status, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, false, nil
		}
		return domain.Subscription{}, false, err
	}
	return sub, true, nil
}

func (s *Store) GetTemplate(ctx context.Context, tenantID string, step int) (domain.EmailTemplate, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT tenant_id, step, subject, body
		FROM email_templates WHERE tenant_id=$1 AND step=$2
	`, tenantID, step)
	var tpl domain.EmailTemplate
	err := row.Scan(&tpl.TenantID, &tpl.Step, &tpl.Subject, &tpl.Body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EmailTemplate{}, false, nil
		}
		return domain.EmailTemplate{}, false, err
	}
	return tpl, true, nil
}

// ClaimReminderEvent reserves (invoice_id, step) for this run. The unique
// constraint makes the insert the cross-process mutex: at most one
// concurrent run gets a row back. A failed row, or a sending row older
// than StaleAfter, is taken over in place; sent and skipped rows are
// terminal and the claim is lost.
func (s *Store) ClaimReminderEvent(ctx context.Context, in store.EventClaim) (store.ClaimResult, error) {
	staleBefore := in.Now.Add(-in.StaleAfter)
	row := s.DB.QueryRow(ctx, `
		INSERT INTO reminder_events (id, tenant_id, invoice_id, external_invoice_id, step, status, to_email, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'sending',$6,$7,$7)
		ON CONFLICT (invoice_id, step) DO UPDATE
		SET status='sending', to_email=EXCLUDED.to_email, error=NULL, updated_at=EXCLUDED.updated_at
		WHERE reminder_events.status='failed'
		   OR (reminder_events.status='sending' AND reminder_events.updated_at < $8)
		RETURNING id
	`, in.EventID, in.TenantID, in.InvoiceID, in.ExternalInvoiceID, in.Step, in.ToEmail, in.Now, staleBefore)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ClaimResult{Outcome: store.AlreadyClaimed}, nil
		}
		return store.ClaimResult{}, err
	}
	return store.ClaimResult{Outcome: store.Claimed, EventID: id}, nil
}

func (s *Store) GetEventStatus(ctx context.Context, invoiceID string, step int) (string, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT status FROM reminder_events WHERE invoice_id=$1 AND step=$2
	`, invoiceID, step)
	var st string
	err := row.Scan(&st)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return st, true, nil
}

// InsertTerminalEvent records a precondition skip/failure for a step that
// was never claimed. It never clobbers a sent row.
func (s *Store) InsertTerminalEvent(ctx context.Context, in store.TerminalEvent) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO reminder_events (id, tenant_id, invoice_id, external_invoice_id, step, status, to_email, error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
		ON CONFLICT (invoice_id, step) DO UPDATE
		SET status=EXCLUDED.status, to_email=EXCLUDED.to_email, error=EXCLUDED.error, updated_at=EXCLUDED.updated_at
		WHERE reminder_events.status <> 'sent'
	`, in.EventID, in.TenantID, in.InvoiceID, in.ExternalInvoiceID, in.Step, in.Status, in.ToEmail, nullIfEmpty(in.Error), in.Now)
	if err != nil {
		return err
	}

	if in.ClearSchedule {
		_, err = tx.Exec(ctx, `
			UPDATE invoices SET next_reminder_due_at=NULL, updated_at=$2 WHERE id=$1
		`, in.InvoiceID, in.Now)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// MarkEventSentAndAdvance commits the sent event and the invoice advance
// together. A crash between the two writes must not be possible: the
// claim check alone would not stop a stale reminder_step from re-sending.
func (s *Store) MarkEventSentAndAdvance(ctx context.Context, in store.EventSent) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE reminder_events
		SET status='sent', subject=$2, provider_message_id=$3, error=NULL, sent_at=$4, updated_at=$4
		WHERE id=$1
	`, in.EventID, in.Subject, nullIfEmpty(in.ProviderMessageID), in.Now)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE invoices
		SET reminder_step=$2, last_reminder_sent_at=$3, next_reminder_due_at=$4, updated_at=$3
		WHERE id=$1
	`, in.InvoiceID, in.Step, in.Now, in.NextReminderDueAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkEventFailed records a delivery failure on the claimed event. The
// invoice is left untouched so a later tick can reclaim and retry.
func (s *Store) MarkEventFailed(ctx context.Context, in store.EventFailure) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE reminder_events
		SET status='failed', subject=$2, error=$3, updated_at=$4
		WHERE id=$1
	`, in.EventID, in.Subject, nullIfEmpty(in.Error), in.Now)
	return err
}

// AdvanceInvoiceSchedule moves the invoice forward without writing events.
// Used when a sent event for the step already exists, so the schedule does
// not get stuck behind the claim.
func (s *Store) AdvanceInvoiceSchedule(ctx context.Context, in store.InvoiceAdvance) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE invoices
		SET reminder_step=$2,
		    last_reminder_sent_at=COALESCE(last_reminder_sent_at,$3),
		    next_reminder_due_at=$4,
		    updated_at=$3
		WHERE id=$1 AND reminder_step < $2
	`, in.InvoiceID, in.Step, in.Now, in.NextReminderDueAt)
	return err
}

func (s *Store) ListBillingTenants(ctx context.Context) ([]store.BillingTenant, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, COALESCE(billing_account_id,'')
		FROM tenants
		WHERE billing_account_id IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.BillingTenant
	for rows.Next() {
		var t store.BillingTenant
		if err := rows.Scan(&t.TenantID, &t.BillingAccountID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetInvoiceSyncState(ctx context.Context, tenantID, externalInvoiceID string) (store.InvoiceSyncState, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, first_seen_overdue_at, reminder_step, reminders_paused, next_reminder_due_at
		FROM invoices WHERE tenant_id=$1 AND external_invoice_id=$2
	`, tenantID, externalInvoiceID)
	var st store.InvoiceSyncState
	err := row.Scan(&st.ID, &st.FirstSeenOverdueAt, &st.ReminderStep, &st.RemindersPaused, &st.NextReminderDueAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.InvoiceSyncState{Found: false}, nil
		}
		return store.InvoiceSyncState{}, err
	}
	st.Found = true
	return st, nil
}

// UpsertInvoice writes provider facts by natural key. Reminder progress
// (reminder_step, last_reminder_sent_at, reminders_paused) is insert-only:
// sync never rewinds what dispatch has done.
func (s *Store) UpsertInvoice(ctx context.Context, in store.InvoiceUpsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO invoices (
			id, tenant_id, external_invoice_id, external_customer_id,
			customer_name, customer_email, amount_due, currency,
			hosted_invoice_url, status, due_date, paid_at,
			first_seen_overdue_at, reminder_step, next_reminder_due_at,
			reminders_paused, last_synced_at, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,0,$14,false,$15,$15,$15)
		ON CONFLICT (tenant_id, external_invoice_id) DO UPDATE SET
			external_customer_id=EXCLUDED.external_customer_id,
			customer_name=EXCLUDED.customer_name,
			customer_email=EXCLUDED.customer_email,
			amount_due=EXCLUDED.amount_due,
			currency=EXCLUDED.currency,
			hosted_invoice_url=EXCLUDED.hosted_invoice_url,
			status=EXCLUDED.status,
			due_date=EXCLUDED.due_date,
			paid_at=EXCLUDED.paid_at,
			first_seen_overdue_at=EXCLUDED.first_seen_overdue_at,
			next_reminder_due_at=EXCLUDED.next_reminder_due_at,
			last_synced_at=EXCLUDED.last_synced_at,
			updated_at=EXCLUDED.updated_at
	`, in.ID, in.TenantID, in.ExternalInvoiceID, nullIfEmpty(in.ExternalCustomerID),
		nullIfEmpty(in.CustomerName), nullIfEmpty(in.CustomerEmail), in.AmountDue, in.Currency,
		nullIfEmpty(in.HostedInvoiceURL), in.Status, in.DueDate, in.PaidAt,
		in.FirstSeenOverdueAt, in.NextReminderDueAt, in.Now)
	return err
}

func (s *Store) ListInvoices(ctx context.Context, tenantID string, limit int) ([]domain.Invoice, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices WHERE tenant_id=$1
		ORDER BY due_date ASC NULLS LAST
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) ListReminderEvents(ctx context.Context, tenantID string, limit int) ([]domain.ReminderEvent, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, invoice_id, external_invoice_id, step, status,
		       to_email, subject, COALESCE(provider_message_id,''), COALESCE(error,''),
		       sent_at, created_at
		FROM reminder_events WHERE tenant_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReminderEvent
	for rows.Next() {
		var ev domain.ReminderEvent
		err := rows.Scan(&ev.ID, &ev.TenantID, &ev.InvoiceID, &ev.ExternalInvoiceID, &ev.Step, &ev.Status,
			&ev.ToEmail, &ev.Subject, &ev.ProviderMessageID, &ev.Error, &ev.SentAt, &ev.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) SetInvoicePaused(ctx context.Context, tenantID, invoiceID string, paused bool, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE invoices SET reminders_paused=$3, updated_at=$4
		WHERE id=$1 AND tenant_id=$2
	`, invoiceID, tenantID, paused, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) SetRemindersEnabled(ctx context.Context, tenantID string, enabled bool, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO user_settings (tenant_id, reminders_enabled, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id) DO UPDATE SET reminders_enabled=EXCLUDED.reminders_enabled, updated_at=EXCLUDED.updated_at
	`, tenantID, enabled, now)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
