// Package accounting implements the HTTP client for the accounting backend.
// The backend owns the ledger; this client only issues browse, resolve,
// deposit and update requests on behalf of the editor.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hferg/suballoc/internal/common"
	"github.com/hferg/suballoc/internal/model"
	"github.com/hferg/suballoc/internal/service"
)

// Client talks to the accounting backend over JSON/HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a backend client for the given base URL and API token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// page mirrors the backend's paginated response envelope.
type page[T any] struct {
	Items []T    `json:"items"`
	Next  string `json:"next,omitempty"`
}

// bulkRequest is the envelope for deposit and update batches. The dry flag
// asks the server to validate without mutating the ledger.
type bulkRequest[T any] struct {
	Items []T  `json:"items"`
	Dry   bool `json:"dry"`
}

// BackendError carries a server-side rejection reason back to the caller so
// specific rows can be corrected.
type BackendError struct {
	StatusCode int
	Reason     string
}

func (e *BackendError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("backend rejected request (%d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("backend rejected request (%d)", e.StatusCode)
}

// BrowseWallets fetches the wallets owned by the active workspace.
func (c *Client) BrowseWallets(ctx context.Context, filter service.WalletFilter) ([]model.Wallet, error) {
	q := url.Values{}
	if filter.ProductType != "" {
		q.Set("filterType", string(filter.ProductType))
	}
	if filter.ItemsPerPage > 0 {
		q.Set("itemsPerPage", strconv.Itoa(filter.ItemsPerPage))
	}

	var result page[model.Wallet]
	if err := c.get(ctx, "/api/accounting/wallets/browse", q, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// BrowseSubAllocations fetches the current page of sub-allocations granted
// by the active workspace.
func (c *Client) BrowseSubAllocations(ctx context.Context, filter service.SubAllocationFilter) ([]model.SubAllocation, error) {
	q := url.Values{}
	if filter.ProductType != "" {
		q.Set("filterType", string(filter.ProductType))
	}
	if filter.ItemsPerPage > 0 {
		q.Set("itemsPerPage", strconv.Itoa(filter.ItemsPerPage))
	}

	var result page[model.SubAllocation]
	if err := c.get(ctx, "/api/accounting/wallets/subAllocations/browse", q, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// SearchSubAllocations filters sub-allocations by a free-text query.
func (c *Client) SearchSubAllocations(ctx context.Context, query string, filter service.SubAllocationFilter) ([]model.SubAllocation, error) {
	q := url.Values{}
	q.Set("query", query)
	if filter.ProductType != "" {
		q.Set("filterType", string(filter.ProductType))
	}
	if filter.ItemsPerPage > 0 {
		q.Set("itemsPerPage", strconv.Itoa(filter.ItemsPerPage))
	}

	var result page[model.SubAllocation]
	if err := c.get(ctx, "/api/accounting/wallets/subAllocations/search", q, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// RetrieveRecipient resolves a free-text identifier to a canonical
// recipient. Returns common.ErrNotFound when no match exists.
func (c *Client) RetrieveRecipient(ctx context.Context, query string) (*model.Recipient, error) {
	q := url.Values{}
	q.Set("query", query)

	var result model.Recipient
	if err := c.get(ctx, "/api/accounting/wallets/retrieveRecipient", q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Deposit creates allocations under their source allocations. With dry set
// the server validates the whole batch without committing.
func (c *Client) Deposit(ctx context.Context, items []service.DepositRequest, dry bool) error {
	if len(items) == 0 {
		return nil
	}
	return c.post(ctx, "/api/accounting/wallets/deposit", bulkRequest[service.DepositRequest]{Items: items, Dry: dry})
}

// UpdateAllocation updates balances or dates of existing allocations,
// including end-dating them to close. With dry set the server validates the
// whole batch without committing.
func (c *Client) UpdateAllocation(ctx context.Context, items []service.AllocationUpdate, dry bool) error {
	if len(items) == 0 {
		return nil
	}
	return c.post(ctx, "/api/accounting/wallets/updateAllocation", bulkRequest[service.AllocationUpdate]{Items: items, Dry: dry})
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrBackendConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrBackendConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return checkStatus(resp)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return common.ErrNotFound
	}

	reason := readReason(resp.Body)
	return &BackendError{StatusCode: resp.StatusCode, Reason: reason}
}

// readReason extracts the backend's "why" field from an error body, falling
// back to the raw body when it is not JSON.
func readReason(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var parsed struct {
		Why string `json:"why"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Why != "" {
		return parsed.Why
	}
	return string(data)
}
