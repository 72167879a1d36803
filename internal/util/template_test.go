package util

import "testing"

func TestRenderTemplate(t *testing.T) {
	vars := map[string]string{
		"customer_name": "Ada",
		"amount_due":    "USD 1200.00",
	}

	got := RenderTemplate("Hi {{customer_name}}, {{amount_due}} is due.", vars)
	want := "Hi Ada, USD 1200.00 is due."
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRenderTemplateWhitespaceInBraces(t *testing.T) {
	got := RenderTemplate("Hello {{ customer_name }}!", map[string]string{"customer_name": "Ada"})
	if got != "Hello Ada!" {
		t.Fatalf("expected whitespace tolerated, got %q", got)
	}
}

func TestRenderTemplateMissingVarIsEmpty(t *testing.T) {
	got := RenderTemplate("Link: {{hosted_invoice_url}}.", map[string]string{})
	if got != "Link: ." {
		t.Fatalf("expected empty substitution, got %q", got)
	}
}

func TestRenderTemplateNoRecursiveExpansion(t *testing.T) {
	vars := map[string]string{
		"a": "{{b}}",
		"b": "nope",
	}
	got := RenderTemplate("{{a}}", vars)
	if got != "{{b}}" {
		t.Fatalf("expected literal substitution, got %q", got)
	}
}

func TestRenderTemplateLeavesMalformedAlone(t *testing.T) {
	in := "{{not closed and {single} braces"
	if got := RenderTemplate(in, map[string]string{"single": "x"}); got != in {
		t.Fatalf("expected input unchanged, got %q", got)
	}
}

func TestFormatMoney(t *testing.T) {
	if got := FormatMoney(120000, "usd"); got != "USD 1200.00" {
		t.Fatalf("expected USD 1200.00, got %q", got)
	}
	if got := FormatMoney(99, "eur"); got != "EUR 0.99" {
		t.Fatalf("expected EUR 0.99, got %q", got)
	}
	if got := FormatMoney(500, ""); got != "USD 5.00" {
		t.Fatalf("expected usd fallback, got %q", got)
	}
}
