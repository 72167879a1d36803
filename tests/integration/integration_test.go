//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"invoiceping/internal/dispatch"
	"invoiceping/internal/domain"
	"invoiceping/internal/providers/resend"
	"invoiceping/internal/store"
	"invoiceping/internal/store/pg"
)

type fakeEmailSender struct {
	mu    sync.Mutex
	sends int
}

func (f *fakeEmailSender) Send(ctx context.Context, req resend.SendRequest) (resend.SendResponse, int, []byte, error) {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
	return resend.SendResponse{ID: "re_it"}, 200, []byte(`{"id":"re_it"}`), nil
}

func TestClaimRaceSingleWinner(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()

	seedTenant(t, db, "t1")
	seedInvoice(t, db, "inv_race", "t1", "in_race", "ada@example.com", 0, &now)

	const runners = 8
	var wg sync.WaitGroup
	wonBy := make(chan string, runners)
	for i := 0; i < runners; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := st.ClaimReminderEvent(ctx, store.EventClaim{
				EventID:           fmt.Sprintf("evt_race_%d", i),
				TenantID:          "t1",
				InvoiceID:         "inv_race",
				ExternalInvoiceID: "in_race",
				Step:              1,
				ToEmail:           "ada@example.com",
				Now:               now,
				StaleAfter:        15 * time.Minute,
			})
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			if res.Outcome == store.Claimed {
				wonBy <- res.EventID
			}
		}()
	}
	wg.Wait()
	close(wonBy)

	var winners []string
	for id := range wonBy {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d: %v", len(winners), winners)
	}

	var count int
	if err := db.QueryRow(ctx, `SELECT count(*) FROM reminder_events WHERE invoice_id='inv_race' AND step=1`).Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one event row, got %d", count)
	}
}

func TestClaimReclaimSemantics(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()

	seedTenant(t, db, "t2")
	seedInvoice(t, db, "inv_rc", "t2", "in_rc", "ada@example.com", 0, &now)

	claim := func(eventID string, at time.Time) store.ClaimResult {
		t.Helper()
		res, err := st.ClaimReminderEvent(ctx, store.EventClaim{
			EventID:           eventID,
			TenantID:          "t2",
			InvoiceID:         "inv_rc",
			ExternalInvoiceID: "in_rc",
			Step:              1,
			ToEmail:           "ada@example.com",
			Now:               at,
			StaleAfter:        15 * time.Minute,
		})
		if err != nil {
			t.Fatalf("claim %s: %v", eventID, err)
		}
		return res
	}

	first := claim("evt_rc_1", now)
	if first.Outcome != store.Claimed || first.EventID != "evt_rc_1" {
		t.Fatalf("expected first claim to win, got %+v", first)
	}

	// Fresh "sending" row is owned: a second claim loses.
	if res := claim("evt_rc_2", now.Add(time.Minute)); res.Outcome != store.AlreadyClaimed {
		t.Fatalf("expected lost claim on fresh sending row, got %+v", res)
	}

	// Failed rows are always reclaimable, keeping the original row id.
	if err := st.MarkEventFailed(ctx, store.EventFailure{EventID: "evt_rc_1", Subject: "s", Error: "provider 500", Now: now}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	re := claim("evt_rc_3", now.Add(2*time.Minute))
	if re.Outcome != store.Claimed || re.EventID != "evt_rc_1" {
		t.Fatalf("expected reclaim of failed row evt_rc_1, got %+v", re)
	}

	// A sending row past the stale window is taken over.
	past := claim("evt_rc_4", now.Add(30*time.Minute))
	if past.Outcome != store.Claimed || past.EventID != "evt_rc_1" {
		t.Fatalf("expected stale takeover of evt_rc_1, got %+v", past)
	}

	// Sent rows are terminal.
	if err := st.MarkEventSentAndAdvance(ctx, store.EventSent{
		EventID:   "evt_rc_1",
		InvoiceID: "inv_rc",
		Subject:   "s",
		Step:      1,
		Now:       now.Add(31 * time.Minute),
	}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if res := claim("evt_rc_5", now.Add(2*time.Hour)); res.Outcome != store.AlreadyClaimed {
		t.Fatalf("expected sent row to stay terminal, got %+v", res)
	}
}

func TestTerminalEventNeverClobbersSent(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()

	seedTenant(t, db, "t3")
	seedInvoice(t, db, "inv_tc", "t3", "in_tc", "ada@example.com", 0, &now)

	res, err := st.ClaimReminderEvent(ctx, store.EventClaim{
		EventID: "evt_tc_1", TenantID: "t3", InvoiceID: "inv_tc", ExternalInvoiceID: "in_tc",
		Step: 1, ToEmail: "ada@example.com", Now: now, StaleAfter: 15 * time.Minute,
	})
	if err != nil || res.Outcome != store.Claimed {
		t.Fatalf("claim: %v %+v", err, res)
	}
	if err := st.MarkEventSentAndAdvance(ctx, store.EventSent{
		EventID: "evt_tc_1", InvoiceID: "inv_tc", Subject: "s", Step: 1, Now: now,
	}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	if err := st.InsertTerminalEvent(ctx, store.TerminalEvent{
		EventID: "evt_tc_2", TenantID: "t3", InvoiceID: "inv_tc", ExternalInvoiceID: "in_tc",
		Step: 1, Status: string(domain.EventFailed), Error: "missing template for step 1", Now: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("insert terminal: %v", err)
	}

	assertEventStatusDB(t, db, "inv_tc", 1, string(domain.EventSent))
}

func TestEngineTickAgainstDB(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()
	due := now.Add(-time.Hour)

	seedTenant(t, db, "t4")
	seedSettings(t, db, "t4", true, "Acme", "billing@acme.test")
	seedSubscription(t, db, "t4", "active")
	seedTemplate(t, db, "t4", 1, "Your invoice of {{amount_due}} is overdue", "Hi {{customer_name}}, {{amount_due}} is due. Pay at {{hosted_invoice_url}}.")
	seedInvoice(t, db, "inv_e1", "t4", "in_e1", "ada@example.com", 0, &due)

	sender := &fakeEmailSender{}
	eng := &dispatch.Engine{
		Store:  st,
		Sender: sender,
		From:   "InvoicePing <no-reply@invoiceping.test>",
	}

	stats, err := eng.Tick(ctx, now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Processed != 1 || stats.Sent != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if sender.sends != 1 {
		t.Fatalf("expected one send, got %d", sender.sends)
	}

	assertEventStatusDB(t, db, "inv_e1", 1, string(domain.EventSent))

	var step int
	var nextDue *time.Time
	err = db.QueryRow(ctx, `SELECT reminder_step, next_reminder_due_at FROM invoices WHERE id='inv_e1'`).Scan(&step, &nextDue)
	if err != nil {
		t.Fatalf("select invoice: %v", err)
	}
	if step != 1 {
		t.Fatalf("expected reminder_step 1, got %d", step)
	}
	if nextDue == nil {
		t.Fatalf("expected a next reminder to be scheduled")
	}

	// A second tick at the same instant sees the advanced row as no longer due.
	stats, err = eng.Tick(ctx, now)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if stats.Sent != 0 || sender.sends != 1 {
		t.Fatalf("expected no resend, stats=%+v sends=%d", stats, sender.sends)
	}
}

func seedTenant(t *testing.T, db *pgxpool.Pool, tenantID string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO tenants (id, email, billing_account_id) VALUES ($1, $1 || '@owner.test', 'acct_' || $1)
		ON CONFLICT (id) DO NOTHING
	`, tenantID)
	if err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
}

func seedSettings(t *testing.T, db *pgxpool.Pool, tenantID string, enabled bool, business, replyTo string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO user_settings (tenant_id, reminders_enabled, business_name, reply_to_email)
		VALUES ($1,$2,$3,$4)
	`, tenantID, enabled, business, replyTo)
	if err != nil {
		t.Fatalf("insert settings: %v", err)
	}
}

func seedSubscription(t *testing.T, db *pgxpool.Pool, tenantID, status string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO subscriptions (tenant_id, status) VALUES ($1,$2)
	`, tenantID, status)
	if err != nil {
		t.Fatalf("insert subscription: %v", err)
	}
}

func seedTemplate(t *testing.T, db *pgxpool.Pool, tenantID string, step int, subject, body string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO email_templates (tenant_id, step, subject, body) VALUES ($1,$2,$3,$4)
	`, tenantID, step, subject, body)
	if err != nil {
		t.Fatalf("insert template: %v", err)
	}
}

func seedInvoice(t *testing.T, db *pgxpool.Pool, id, tenantID, externalID, email string, step int, nextDue *time.Time) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO invoices (
			id, tenant_id, external_invoice_id, customer_name, customer_email,
			amount_due, currency, status, due_date, first_seen_overdue_at,
			reminder_step, next_reminder_due_at
		)
		VALUES ($1,$2,$3,'Ada',$4,120000,'usd','open',now() - interval '10 days', now() - interval '3 days',$5,$6)
	`, id, tenantID, externalID, email, step, nextDue)
	if err != nil {
		t.Fatalf("insert invoice: %v", err)
	}
}

func assertEventStatusDB(t *testing.T, db *pgxpool.Pool, invoiceID string, step int, want string) {
	t.Helper()
	var got string
	err := db.QueryRow(context.Background(), `
		SELECT status FROM reminder_events WHERE invoice_id=$1 AND step=$2
	`, invoiceID, step).Scan(&got)
	if err != nil {
		t.Fatalf("select event status: %v", err)
	}
	if got != want {
		t.Fatalf("expected status %s, got %s", want, got)
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	_, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema)
	if err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlPath := filepath.Join("..", "..", "migrations", "001_init.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}

	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}

	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
