package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

type Client struct {
	APIKey  string
	HTTP    *http.Client
	BaseURL string
}

// Invoice is the subset of the provider's invoice object the sync needs.
type Invoice struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	CustomerEmail     string `json:"customer_email"`
	CustomerName      string `json:"customer_name"`
	Currency          string `json:"currency"`
	AmountDue         int64  `json:"amount_due"`
	HostedInvoiceURL  string `json:"hosted_invoice_url"`
	Status            string `json:"status"`
	DueDate           int64  `json:"due_date"` // unix seconds, 0 when unset
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

type ListResponse struct {
	Data    []Invoice `json:"data"`
	HasMore bool      `json:"has_more"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ListOpenInvoices fetches one page of open invoices. account, when set,
// scopes the call to a connected account via the Stripe-Account header.
// Pass the last invoice id of the previous page as startingAfter to walk
// the cursor; an empty cursor starts from the beginning.
func (c *Client) ListOpenInvoices(ctx context.Context, account, startingAfter string, limit int) (ListResponse, int, []byte, error) {
	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	q := url.Values{}
	q.Set("status", "open")
	q.Set("limit", strconv.Itoa(limit))
	if startingAfter != "" {
		q.Set("starting_after", startingAfter)
	}

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/invoices?"+q.Encode(), nil)
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	if account != "" {
		httpReq.Header.Set("Stripe-Account", account)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return ListResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eresp errorResponse
		_ = json.Unmarshal(b, &eresp)
		if eresp.Error.Message != "" {
			return ListResponse{}, resp.StatusCode, b, errors.New(eresp.Error.Message)
		}
		return ListResponse{}, resp.StatusCode, b, errors.New("invoice list failed")
	}

	var out ListResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return ListResponse{}, resp.StatusCode, b, err
	}
	return out, resp.StatusCode, b, nil
}
