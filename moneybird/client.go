package moneybird

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when Moneybird reports 404 for a single resource.
var ErrNotFound = errors.New("moneybird: not found")

// Client talks to the Moneybird v2 API for one administration. Requests are
// paced by a shared ticker so a busy cycle stays inside the API rate limit.
type Client struct {
	baseURL          string
	token            string
	administrationId string
	http             *http.Client
	limiter          <-chan time.Time
}

func NewClient(token string, administrationId string) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("MONEYBIRD_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://moneybird.com/api/v2"
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("moneybird api token is empty")
	}
	if strings.TrimSpace(administrationId) == "" {
		return nil, errors.New("moneybird administration id is empty")
	}
	rateLimitPerMin := int64(30)
	if v := strings.TrimSpace(os.Getenv("MONEYBIRD_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		token:            token,
		administrationId: administrationId,
		http:             &http.Client{Timeout: 30 * time.Second},
		limiter:          time.Tick(interval),
	}, nil
}

// CreateSalesInvoice creates a draft sales invoice carrying the local invoice
// id in its reference field.
func (c *Client) CreateSalesInvoice(ctx context.Context, payload NewSalesInvoice) (*SalesInvoice, error) {
	body := map[string]NewSalesInvoice{"sales_invoice": payload}
	data, err := c.do(ctx, http.MethodPost, "/sales_invoices.json", nil, body)
	if err != nil {
		return nil, err
	}
	var invoice SalesInvoice
	if err := json.Unmarshal(data, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// GetSalesInvoice fetches one sales invoice by id; ErrNotFound when Moneybird
// no longer has it.
func (c *Client) GetSalesInvoice(ctx context.Context, id ID) (*SalesInvoice, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/sales_invoices/%s.json", id), nil, nil)
	if err != nil {
		return nil, err
	}
	var invoice SalesInvoice
	if err := json.Unmarshal(data, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

type mutationVersion struct {
	ID      ID    `json:"id"`
	Version int64 `json:"version"`
}

// ListMutationVersions returns the ids of financial mutations matching the
// period filter (formatted as YYYYMM..YYYYMM) and mutation type.
func (c *Client) ListMutationVersions(ctx context.Context, period string, mutationType string) ([]ID, error) {
	params := url.Values{}
	filter := fmt.Sprintf("period:%s", period)
	if mutationType != "" {
		filter = fmt.Sprintf("%s,mutation_type:%s", filter, mutationType)
	}
	params.Set("filter", filter)

	data, err := c.do(ctx, http.MethodGet, "/financial_mutations/synchronization.json", params, nil)
	if err != nil {
		return nil, err
	}
	var versions []mutationVersion
	if err := json.Unmarshal(data, &versions); err != nil {
		return nil, err
	}
	ids := make([]ID, 0, len(versions))
	for _, v := range versions {
		ids = append(ids, v.ID)
	}
	return ids, nil
}

// GetMutations fetches full mutation bodies for the given ids.
func (c *Client) GetMutations(ctx context.Context, ids []ID) ([]FinancialMutation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body := map[string][]ID{"ids": ids}
	data, err := c.do(ctx, http.MethodPost, "/financial_mutations/synchronization.json", nil, body)
	if err != nil {
		return nil, err
	}
	var mutations []FinancialMutation
	if err := json.Unmarshal(data, &mutations); err != nil {
		return nil, err
	}
	return mutations, nil
}

func (c *Client) do(ctx context.Context, method string, path string, params url.Values, body any) ([]byte, error) {
	<-c.limiter

	endpoint := fmt.Sprintf("%s/%s%s", c.baseURL, c.administrationId, path)
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("moneybird api error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
