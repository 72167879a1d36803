package domain

import (
	"testing"
	"time"
)

func TestNextReminderDueOffsets(t *testing.T) {
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := first

	cases := []struct {
		sent int
		want time.Duration
	}{
		{0, 3 * 24 * time.Hour},
		{1, 7 * 24 * time.Hour},
		{2, 14 * 24 * time.Hour},
	}
	for _, c := range cases {
		got := NextReminderDue(first, c.sent, now)
		if got == nil {
			t.Fatalf("sent=%d: expected a due time", c.sent)
		}
		if !got.Equal(first.Add(c.want)) {
			t.Fatalf("sent=%d: expected %v, got %v", c.sent, first.Add(c.want), *got)
		}
	}
}

func TestNextReminderDueExhausted(t *testing.T) {
	first := time.Now().UTC()
	if got := NextReminderDue(first, 3, first); got != nil {
		t.Fatalf("expected nil after final step, got %v", *got)
	}
	if got := NextReminderDue(first, -1, first); got != nil {
		t.Fatalf("expected nil for corrupt step count, got %v", *got)
	}
}

func TestNextReminderDueClampsToNow(t *testing.T) {
	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	first := now.Add(-12 * 24 * time.Hour)

	got := NextReminderDue(first, 0, now)
	if got == nil || !got.Equal(now) {
		t.Fatalf("expected clamp to now, got %v", got)
	}
}

func TestSubscriptionAllows(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		sub  Subscription
		want bool
	}{
		{Subscription{Status: SubActive}, true},
		{Subscription{Status: SubTrialing, CurrentPeriodEnd: &future}, true},
		{Subscription{Status: SubActive, CurrentPeriodEnd: &past}, false},
		{Subscription{Status: "past_due"}, false},
		{Subscription{Status: "canceled", CurrentPeriodEnd: &future}, false},
	}
	for i, c := range cases {
		if got := c.sub.Allows(now); got != c.want {
			t.Fatalf("case %d: expected %v, got %v", i, c.want, got)
		}
	}
}

func TestTemplateVars(t *testing.T) {
	due := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	inv := Invoice{
		CustomerName:     "",
		CustomerEmail:    " ada@example.com ",
		AmountDue:        120000,
		Currency:         "usd",
		HostedInvoiceURL: "https://pay.example.com/in_1",
		DueDate:          &due,
	}
	settings := UserSettings{BusinessName: "Acme"}

	vars := TemplateVars(inv, settings, "billing@acme.com", func(amount int64, cur string) string {
		return "USD 1200.00"
	})

	if vars[VarCustomerName] != "there" {
		t.Fatalf("expected customer_name fallback, got %q", vars[VarCustomerName])
	}
	if vars[VarCustomerEmail] != "ada@example.com" {
		t.Fatalf("expected trimmed email, got %q", vars[VarCustomerEmail])
	}
	if vars[VarAmountDue] != "USD 1200.00" {
		t.Fatalf("expected formatted amount, got %q", vars[VarAmountDue])
	}
	if vars[VarCurrency] != "USD" {
		t.Fatalf("expected uppercased currency, got %q", vars[VarCurrency])
	}
	if vars[VarDueDate] != "2026-02-14" {
		t.Fatalf("expected YYYY-MM-DD due date, got %q", vars[VarDueDate])
	}
	if vars[VarBusinessName] != "Acme" || vars[VarReplyToEmail] != "billing@acme.com" {
		t.Fatalf("unexpected tenant vars: %v", vars)
	}
}
