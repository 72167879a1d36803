package syncsvc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"invoiceping/internal/domain"
	"invoiceping/internal/observability"
	"invoiceping/internal/providers/stripe"
	"invoiceping/internal/store"
	"invoiceping/internal/util"
)

type Store interface {
	ListBillingTenants(ctx context.Context) ([]store.BillingTenant, error)
	GetInvoiceSyncState(ctx context.Context, tenantID, externalInvoiceID string) (store.InvoiceSyncState, error)
	UpsertInvoice(ctx context.Context, in store.InvoiceUpsert) error
}

type BillingClient interface {
	ListOpenInvoices(ctx context.Context, account, startingAfter string, limit int) (stripe.ListResponse, int, []byte, error)
}

// Service reconciles the billing provider's open invoices into local rows,
// one tenant at a time. It only writes invoice facts and initial
// scheduling; reminder progress belongs to the dispatch engine.
type Service struct {
	Store   Store
	Billing BillingClient

	PageSize     int           // provider page size, default 100
	FetchTimeout time.Duration // per page fetch, default 30s
	IDGen        func() string
}

type Stats struct {
	Tenants     int
	Upserted    int
	FetchErrors int
}

// Run syncs every tenant with a connected billing account. A fetch error
// aborts that tenant's remaining pages but the other tenants still run;
// rows upserted before the error stay committed.
func (s *Service) Run(ctx context.Context, now time.Time) (Stats, error) {
	tenants, err := s.Store.ListBillingTenants(ctx)
	if err != nil {
		observability.SyncErrors.WithLabelValues("list_tenants").Inc()
		return Stats{}, fmt.Errorf("list billing tenants: %w", err)
	}

	var stats Stats
	for _, t := range tenants {
		stats.Tenants++
		n, err := s.SyncTenant(ctx, t.TenantID, t.BillingAccountID, now)
		stats.Upserted += n
		if err != nil {
			stats.FetchErrors++
			observability.SyncErrors.WithLabelValues("fetch").Inc()
			slog.Error("invoice sync aborted for tenant", "tenant_id", t.TenantID, "upserted", n, "err", err)
			continue
		}
		slog.Info("invoice sync done", "tenant_id", t.TenantID, "upserted", n)
	}
	return stats, nil
}

// SyncTenant pulls the tenant's open invoices page by page and upserts
// each one. Returns how many invoices were written before any error.
func (s *Service) SyncTenant(ctx context.Context, tenantID, billingAccount string, now time.Time) (int, error) {
	pageSize := s.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	upserted := 0
	startingAfter := ""
	for {
		page, _, _, err := s.fetchPage(ctx, billingAccount, startingAfter, pageSize)
		if err != nil {
			return upserted, fmt.Errorf("fetch invoices: %w", err)
		}

		for _, inv := range page.Data {
			if err := s.reconcile(ctx, tenantID, inv, now); err != nil {
				return upserted, fmt.Errorf("upsert invoice %s: %w", inv.ID, err)
			}
			upserted++
			observability.SyncInvoices.Inc()
		}

		if !page.HasMore || len(page.Data) == 0 {
			return upserted, nil
		}
		startingAfter = page.Data[len(page.Data)-1].ID
	}
}

func (s *Service) fetchPage(ctx context.Context, account, startingAfter string, limit int) (stripe.ListResponse, int, []byte, error) {
	timeout := s.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Billing.ListOpenInvoices(fetchCtx, account, startingAfter, limit)
}

func (s *Service) reconcile(ctx context.Context, tenantID string, inv stripe.Invoice, now time.Time) error {
	existing, err := s.Store.GetInvoiceSyncState(ctx, tenantID, inv.ID)
	if err != nil {
		return err
	}

	dueDate := timeFromUnix(inv.DueDate)
	paidAt := timeFromUnix(inv.StatusTransitions.PaidAt)
	overdue := dueDate != nil && dueDate.Before(now) && inv.Status == domain.InvoiceOpen

	// firstSeenOverdueAt is monotonic while the invoice stays overdue: set
	// once, never moved. A non-overdue observation clears it.
	var firstSeenOverdueAt *time.Time
	if overdue {
		if existing.Found && existing.FirstSeenOverdueAt != nil {
			firstSeenOverdueAt = existing.FirstSeenOverdueAt
		} else {
			t := now
			firstSeenOverdueAt = &t
		}
	}

	nextDue := existing.NextReminderDueAt
	if !overdue {
		nextDue = nil
	} else if existing.ReminderStep == 0 && !existing.RemindersPaused {
		// First reminder lands 3 days after first overdue, clamped so an
		// invoice with a long-past due date is scheduled now, not in the past.
		nextDue = domain.NextReminderDue(*firstSeenOverdueAt, 0, now)
	}

	id := existing.ID
	if id == "" {
		id = s.newInvoiceID()
	}

	currency := inv.Currency
	if currency == "" {
		currency = "usd"
	}
	status := inv.Status
	if status == "" {
		status = domain.InvoiceOpen
	}

	return s.Store.UpsertInvoice(ctx, store.InvoiceUpsert{
		ID:                 id,
		TenantID:           tenantID,
		ExternalInvoiceID:  inv.ID,
		ExternalCustomerID: inv.Customer,
		CustomerName:       inv.CustomerName,
		CustomerEmail:      inv.CustomerEmail,
		AmountDue:          inv.AmountDue,
		Currency:           currency,
		HostedInvoiceURL:   inv.HostedInvoiceURL,
		Status:             status,
		DueDate:            dueDate,
		PaidAt:             paidAt,
		FirstSeenOverdueAt: firstSeenOverdueAt,
		NextReminderDueAt:  nextDue,
		Now:                now,
	})
}

func (s *Service) newInvoiceID() string {
	if s.IDGen != nil {
		return s.IDGen()
	}
	return util.NewInvoiceID()
}

func timeFromUnix(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
