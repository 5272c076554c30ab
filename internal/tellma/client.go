package tellma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound indicates the platform holds no entity for the business key.
var ErrNotFound = errors.New("tellma: entity not found")

// pageSize is the platform's server-side page length; fetch loops run until
// a short page.
const pageSize = 500

// chunkSize bounds bulk document operations (close, delete).
const chunkSize = 200

// Client talks to the accounting platform. All calls are tenant-scoped and
// apply the bounded retry policy to transient transport failures.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpc        *http.Client
	log          *slog.Logger
	retry        RetryPolicy
	pageDelay    time.Duration
}

// ClientConfig collects gateway dependencies.
type ClientConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	Logger       *slog.Logger
	Retry        RetryPolicy
}

// NewClient constructs the gateway client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpc:        &http.Client{Timeout: timeout},
		log:          logger,
		retry:        retry,
		pageDelay:    100 * time.Millisecond,
	}
}

type envelope struct {
	Data json.RawMessage `json:"Data"`
}

func (c *Client) do(ctx context.Context, method string, tenantID int, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tellma: marshal request: %w", err)
		}
	}
	u := fmt.Sprintf("%s/api/%d/%s", c.baseURL, tenantID, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.retry.Do(ctx, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.clientSecret)
		req.Header.Set("X-Client-Id", c.clientID)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(snippet)}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("tellma: decode response: %w", err)
		}
		return nil
	})
}

// getEntities pages through a collection until a short page, with a polite
// delay between pages.
func getEntities[T any](ctx context.Context, c *Client, tenantID int, path, filter string) ([]T, error) {
	var all []T
	skip := 0
	for {
		q := url.Values{}
		if filter != "" {
			q.Set("filter", filter)
		}
		q.Set("top", strconv.Itoa(pageSize))
		q.Set("skip", strconv.Itoa(skip))

		var env envelope
		if err := c.do(ctx, http.MethodGet, tenantID, path, q, nil, &env); err != nil {
			return nil, err
		}
		var page []T
		if err := json.Unmarshal(env.Data, &page); err != nil {
			return nil, fmt.Errorf("tellma: decode %s page: %w", path, err)
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		skip += pageSize

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pageDelay):
		}
	}
}

// getTop fetches a single bounded, ordered page.
func getTop[T any](ctx context.Context, c *Client, tenantID int, path, filter, orderBy string, top int) ([]T, error) {
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}
	if orderBy != "" {
		q.Set("orderby", orderBy)
	}
	q.Set("top", strconv.Itoa(top))

	var env envelope
	if err := c.do(ctx, http.MethodGet, tenantID, path, q, nil, &env); err != nil {
		return nil, err
	}
	var page []T
	if err := json.Unmarshal(env.Data, &page); err != nil {
		return nil, fmt.Errorf("tellma: decode %s page: %w", path, err)
	}
	return page, nil
}

func idByFilter(ctx context.Context, c *Client, tenantID int, path, filter string) (int64, error) {
	rows, err := getTop[struct {
		ID int64 `json:"Id"`
	}](ctx, c, tenantID, path, filter, "", 1)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: %s [%s]", ErrNotFound, path, filter)
	}
	return rows[0].ID, nil
}

// AgentDefinitionID resolves an agent definition by code.
func (c *Client) AgentDefinitionID(ctx context.Context, tenantID int, code string) (int64, error) {
	return idByFilter(ctx, c, tenantID, "agent-definitions", "Code='"+code+"'")
}

// DocumentDefinitionID resolves a document definition by code.
func (c *Client) DocumentDefinitionID(ctx context.Context, tenantID int, code string) (int64, error) {
	return idByFilter(ctx, c, tenantID, "document-definitions", "Code='"+code+"'")
}

// LineDefinitionID resolves a line definition by code.
func (c *Client) LineDefinitionID(ctx context.Context, tenantID int, code string) (int64, error) {
	return idByFilter(ctx, c, tenantID, "line-definitions", "Code='"+code+"'")
}

// LookupDefinitionID resolves a lookup definition by code.
func (c *Client) LookupDefinitionID(ctx context.Context, tenantID int, code string) (int64, error) {
	return idByFilter(ctx, c, tenantID, "lookup-definitions", "Code='"+code+"'")
}

// CenterID resolves a responsibility center by code.
func (c *Client) CenterID(ctx context.Context, tenantID int, code string) (int64, error) {
	return idByFilter(ctx, c, tenantID, "centers", "Code='"+code+"'")
}

// EntryTypeIDByConcept resolves an entry type; entry types key on concept,
// not code.
func (c *Client) EntryTypeIDByConcept(ctx context.Context, tenantID int, concept string) (int64, error) {
	return idByFilter(ctx, c, tenantID, "entry-types", "Concept='"+concept+"'")
}

// LookupID resolves a lookup value by code within its definition.
func (c *Client) LookupID(ctx context.Context, tenantID int, definitionID int64, code string) (int64, error) {
	return idByFilter(ctx, c, tenantID, lookupsPath(definitionID), "Code='"+code+"'")
}

// AgentIDByCode resolves an agent by code within its definition.
func (c *Client) AgentIDByCode(ctx context.Context, tenantID int, definitionID int64, code string) (int64, error) {
	return idByFilter(ctx, c, tenantID, agentsPath(definitionID), "Code='"+code+"'")
}

// BankAccountIDByText resolves a bank account by its IBAN text key.
func (c *Client) BankAccountIDByText(ctx context.Context, tenantID int, definitionID int64, text3 string) (int64, error) {
	return idByFilter(ctx, c, tenantID, agentsPath(definitionID), "Text3='"+text3+"'")
}

// Agents fetches agents of a definition matching the filter ("" fetches all).
func (c *Client) Agents(ctx context.Context, tenantID int, definitionID int64, filter string) ([]Agent, error) {
	return getEntities[Agent](ctx, c, tenantID, agentsPath(definitionID), filter)
}

// AgentsTop fetches one bounded ordered page of agents.
func (c *Client) AgentsTop(ctx context.Context, tenantID int, definitionID int64, filter, orderBy string, top int) ([]Agent, error) {
	return getTop[Agent](ctx, c, tenantID, agentsPath(definitionID), filter, orderBy, top)
}

// Accounts fetches ledger accounts matching the filter.
func (c *Client) Accounts(ctx context.Context, tenantID int, filter string) ([]Account, error) {
	return getEntities[Account](ctx, c, tenantID, "accounts", filter)
}

// EntryTypes fetches entry types matching the filter.
func (c *Client) EntryTypes(ctx context.Context, tenantID int, filter string) ([]EntryType, error) {
	return getEntities[EntryType](ctx, c, tenantID, "entry-types", filter)
}

// Currencies fetches the tenant's currency list.
func (c *Client) Currencies(ctx context.Context, tenantID int) ([]Currency, error) {
	return getEntities[Currency](ctx, c, tenantID, "currencies", "")
}

// Lookups fetches lookup values of a definition matching the filter.
func (c *Client) Lookups(ctx context.Context, tenantID int, definitionID int64, filter string) ([]Lookup, error) {
	return getEntities[Lookup](ctx, c, tenantID, lookupsPath(definitionID), filter)
}

// ExchangeRates fetches platform rate samples matching the filter.
func (c *Client) ExchangeRates(ctx context.Context, tenantID int, filter string) ([]ExchangeRate, error) {
	return getEntities[ExchangeRate](ctx, c, tenantID, "exchange-rates", filter)
}

// SaveAgents submits agent creates and updates in one batch.
func (c *Client) SaveAgents(ctx context.Context, tenantID int, definitionID int64, agents []AgentForSave) error {
	if len(agents) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, tenantID, agentsPath(definitionID)+"/save", nil, agents, nil)
}

// MaxAgentSerial probes the highest platform-generated agent code (e.g.
// "BP00042" -> 42). Used for kinds whose codes the platform assigns.
func (c *Client) MaxAgentSerial(ctx context.Context, tenantID int, definitionID int64) (int64, error) {
	rows, err := c.AgentsTop(ctx, tenantID, definitionID, "", "Code desc", 1)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || len(rows[0].Code) <= 2 {
		return 0, nil
	}
	n, err := strconv.ParseInt(rows[0].Code[2:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tellma: agent code %q has no serial: %w", rows[0].Code, err)
	}
	return n, nil
}

// SaveDocuments submits documents, then re-fetches the saved batch by
// serial range to recover platform ids for back-writing.
func (c *Client) SaveDocuments(ctx context.Context, tenantID int, definitionID int64, docs []Document) ([]Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	path := documentsPath(definitionID)
	if err := c.do(ctx, http.MethodPost, tenantID, path+"/save", nil, docs, nil); err != nil {
		return nil, err
	}

	minSerial, maxSerial := docs[0].SerialNumber, docs[0].SerialNumber
	for _, d := range docs[1:] {
		if d.SerialNumber < minSerial {
			minSerial = d.SerialNumber
		}
		if d.SerialNumber > maxSerial {
			maxSerial = d.SerialNumber
		}
	}
	filter := CapFilter(fmt.Sprintf("State = 0 AND SerialNumber >= %d AND SerialNumber <= %d", minSerial, maxSerial))
	return getTop[Document](ctx, c, tenantID, path, filter, "Id desc", len(docs))
}

// CloseDocuments closes documents in bounded chunks.
func (c *Client) CloseDocuments(ctx context.Context, tenantID int, definitionID int64, ids []int64) error {
	return c.documentIDsOp(ctx, tenantID, definitionID, "close", ids)
}

// OpenDocuments reopens closed documents in bounded chunks.
func (c *Client) OpenDocuments(ctx context.Context, tenantID int, definitionID int64, ids []int64) error {
	return c.documentIDsOp(ctx, tenantID, definitionID, "open", ids)
}

func (c *Client) documentIDsOp(ctx context.Context, tenantID int, definitionID int64, op string, ids []int64) error {
	path := documentsPath(definitionID) + "/" + op
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := c.do(ctx, http.MethodPost, tenantID, path, nil, ids[start:end], nil); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDocuments bulk-deletes in chunks, falling back to per-id deletes
// when a bulk chunk fails.
func (c *Client) DeleteDocuments(ctx context.Context, tenantID int, definitionID int64, ids []int64) error {
	path := documentsPath(definitionID)
	if err := c.documentIDsOp(ctx, tenantID, definitionID, "delete", ids); err == nil {
		return nil
	} else {
		c.log.Warn("bulk document delete failed, retrying individually",
			slog.Int("tenant", tenantID),
			slog.Int64("definition", definitionID),
			slog.Any("error", err),
		)
	}
	for _, id := range ids {
		if err := c.do(ctx, http.MethodDelete, tenantID, fmt.Sprintf("%s/%d", path, id), nil, nil, nil); err != nil {
			return fmt.Errorf("delete document %d: %w", id, err)
		}
	}
	return nil
}

// SaveExchangeRates pushes rate creates and edits in one batch.
func (c *Client) SaveExchangeRates(ctx context.Context, tenantID int, rates []ExchangeRateForSave) error {
	if len(rates) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, tenantID, "exchange-rates/save", nil, rates, nil)
}

// Profile fetches the tenant's settings.
func (c *Client) Profile(ctx context.Context, tenantID int) (TenantProfile, error) {
	var env struct {
		Data TenantProfile `json:"Data"`
	}
	if err := c.do(ctx, http.MethodGet, tenantID, "general-settings/client", nil, nil, &env); err != nil {
		return TenantProfile{}, err
	}
	return env.Data, nil
}

func agentsPath(definitionID int64) string {
	return "agents/" + strconv.FormatInt(definitionID, 10)
}

func lookupsPath(definitionID int64) string {
	return "lookups/" + strconv.FormatInt(definitionID, 10)
}

func documentsPath(definitionID int64) string {
	return "documents/" + strconv.FormatInt(definitionID, 10)
}
