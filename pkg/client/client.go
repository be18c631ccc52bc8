package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIError is a non-2xx response from governd, decoded from the API's
// {"error": "..."} envelope.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("governd error %d: %s", e.StatusCode, e.Message)
}

// Amendment mirrors the amendment record returned by the API.
type Amendment struct {
	ID                string          `json:"amendment_id"`
	Status            string          `json:"status"`
	AmendmentType     string          `json:"amendment_type"`
	ProposedBy        string          `json:"proposed_by"`
	ProposedAt        time.Time       `json:"proposed_at"`
	EffectiveAt       time.Time       `json:"effective_at"`
	ParameterKey      string          `json:"parameter_key"`
	ParameterVersion  int64           `json:"parameter_version"`
	CurrentValue      json.RawMessage `json:"current_value,omitempty"`
	ProposedValue     json.RawMessage `json:"proposed_value"`
	ApprovalThreshold float64         `json:"approval_threshold"`
	EnactedBy         string          `json:"enacted_by,omitempty"`
	EnactedAt         *time.Time      `json:"enacted_at,omitempty"`
	Votes             []Vote          `json:"votes,omitempty"`
}

// Vote is one recorded ballot.
type Vote struct {
	AmendmentID string    `json:"amendment_id"`
	VoterID     string    `json:"voter_id"`
	Decision    string    `json:"decision"`
	Tier        string    `json:"governance_tier"`
	Weight      float64   `json:"conviction_weight"`
	Rationale   string    `json:"rationale,omitempty"`
	VotedAt     time.Time `json:"voted_at"`
}

// ConvictionResult is the aggregate tally after a ballot.
type ConvictionResult struct {
	ApproveWeight    float64 `json:"approve_weight"`
	RejectWeight     float64 `json:"reject_weight"`
	VoterCount       int     `json:"voter_count"`
	HasSovereignVeto bool    `json:"has_sovereign_veto"`
	Approved         bool    `json:"is_approved"`
	Rejected         bool    `json:"is_rejected"`
}

// VoteOutcome is the amendment state plus the tally that produced it.
type VoteOutcome struct {
	Amendment *Amendment       `json:"amendment"`
	Result    ConvictionResult `json:"result"`
}

// Parameter is a governed configuration value.
type Parameter struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"current_value"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ProposeRequest is the payload for Propose.
type ProposeRequest struct {
	AmendmentType     string    `json:"amendment_type"`
	ProposedBy        string    `json:"proposed_by,omitempty"`
	EffectiveAt       time.Time `json:"effective_at"`
	ParameterKey      string    `json:"parameter_key"`
	ProposedValue     any       `json:"proposed_value"`
	ApprovalThreshold float64   `json:"approval_threshold"`
}

// VoteRequest is the payload for Vote.
type VoteRequest struct {
	VoterID   string   `json:"voter_id,omitempty"`
	Decision  string   `json:"decision"`
	Tier      string   `json:"governance_tier,omitempty"`
	Weight    *float64 `json:"conviction_weight,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
}

// ChainHead is one domain tag's chain tip.
type ChainHead struct {
	DomainTag string    `json:"domain_tag"`
	Seq       int64     `json:"seq"`
	EntryHash string    `json:"entry_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerOverview is the per-tag heads plus the total entry count.
type LedgerOverview struct {
	Entries int64       `json:"entries"`
	Chains  []ChainHead `json:"chains"`
}

// VerifyResult reports a chain verification walk.
type VerifyResult struct {
	Valid           bool   `json:"valid"`
	BrokenAt        int64  `json:"broken_at,omitempty"`
	BrokenDomainTag string `json:"broken_domain_tag,omitempty"`
	Checked         int    `json:"checked"`
}

// VerifyOptions scope a verification walk.
type VerifyOptions struct {
	DomainTag string
	Limit     int
	FromSeq   int64
}

// BreakerSnapshot is the circuit breaker view.
type BreakerSnapshot struct {
	State              string   `json:"state"`
	AffectedDomainTags []string `json:"affected_domain_tags"`
}

// PartitionInfo describes one partition of the audit table.
type PartitionInfo struct {
	Name       string `json:"partition_name"`
	RangeStart string `json:"range_start"`
	RangeEnd   string `json:"range_end"`
	SizeBytes  int64  `json:"size_bytes"`
}

// AuditEntry is one ledger entry as returned by the events query.
type AuditEntry struct {
	Seq             int64           `json:"seq"`
	EntryID         string          `json:"entry_id"`
	DomainTag       string          `json:"domain_tag"`
	EventType       string          `json:"event_type"`
	ActorID         string          `json:"actor_id"`
	Payload         json.RawMessage `json:"payload"`
	EventTime       time.Time       `json:"event_time"`
	ContractVersion string          `json:"contract_version"`
	EntryHash       string          `json:"entry_hash"`
	PreviousHash    string          `json:"previous_hash"`
	RecordedAt      time.Time       `json:"recorded_at"`
}

// Stats is the aggregate view of a filtered slice of the ledger.
type Stats struct {
	TotalEntries int64      `json:"total_entries"`
	FirstEvent   *time.Time `json:"first_event,omitempty"`
	LastEvent    *time.Time `json:"last_event,omitempty"`
	EventTypes   []string   `json:"event_types"`
	DomainTags   []string   `json:"domain_tags"`
}

// Distribution is a score histogram.
type Distribution struct {
	Total   int      `json:"total"`
	Buckets []Bucket `json:"buckets"`
}

// Bucket is one histogram bin.
type Bucket struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Count int     `json:"count"`
}

// EventFilter scopes the audit read calls. Zero values mean unfiltered.
type EventFilter struct {
	DomainTag string
	EventType string
	ActorID   string
	From      time.Time
	To        time.Time
	Limit     int
}

func (f EventFilter) query() url.Values {
	q := url.Values{}
	if f.DomainTag != "" {
		q.Set("domain_tag", f.DomainTag)
	}
	if f.EventType != "" {
		q.Set("event_type", f.EventType)
	}
	if f.ActorID != "" {
		q.Set("actor_id", f.ActorID)
	}
	if !f.From.IsZero() {
		q.Set("from", f.From.Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		q.Set("to", f.To.Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

// Client is the Concord SDK entry point.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken attaches a governance Bearer token to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a Client connected to a governd base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ── Amendments ───────────────────────────────────────────────────────────

// Propose submits a new amendment.
func (c *Client) Propose(ctx context.Context, req ProposeRequest) (*Amendment, error) {
	var out Amendment
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/amendments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Amendments lists amendments, optionally filtered by status.
func (c *Client) Amendments(ctx context.Context, status string, limit int) ([]Amendment, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Amendments []Amendment `json:"amendments"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/amendments?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Amendments, nil
}

// Amendment fetches one amendment with its votes.
func (c *Client) Amendment(ctx context.Context, id string) (*Amendment, error) {
	var out Amendment
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/amendments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Vote casts a ballot on an amendment.
func (c *Client) Vote(ctx context.Context, amendmentID string, req VoteRequest) (*VoteOutcome, error) {
	var out VoteOutcome
	path := "/api/v1/amendments/" + url.PathEscape(amendmentID) + "/votes"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enact applies an approved amendment that has reached its effective time.
func (c *Client) Enact(ctx context.Context, amendmentID, enactorID string) (*Amendment, error) {
	var out Amendment
	path := "/api/v1/amendments/" + url.PathEscape(amendmentID) + "/enact"
	body := map[string]string{"enactor_id": enactorID}
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExpireStale runs the stale-amendment sweep and returns how many expired.
func (c *Client) ExpireStale(ctx context.Context) (int, error) {
	var out struct {
		Expired int `json:"expired"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/amendments/expire", nil, &out); err != nil {
		return 0, err
	}
	return out.Expired, nil
}

// Parameter fetches a governed parameter's current value and version.
func (c *Client) Parameter(ctx context.Context, key string) (*Parameter, error) {
	var out Parameter
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/parameters/"+url.PathEscape(key), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Ledger ───────────────────────────────────────────────────────────────

// Ledger fetches the per-tag chain heads and the total entry count.
func (c *Client) Ledger(ctx context.Context) (*LedgerOverview, error) {
	var out LedgerOverview
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify walks the hash chain and reports integrity.
func (c *Client) Verify(ctx context.Context, opts VerifyOptions) (*VerifyResult, error) {
	q := url.Values{}
	if opts.DomainTag != "" {
		q.Set("domain_tag", opts.DomainTag)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.FromSeq > 0 {
		q.Set("from", strconv.FormatInt(opts.FromSeq, 10))
	}
	var out VerifyResult
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/verify?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Breaker fetches the circuit breaker snapshot.
func (c *Client) Breaker(ctx context.Context) (*BreakerSnapshot, error) {
	var out BreakerSnapshot
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/breaker", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetBreaker lifts the quarantine for one domain tag.
func (c *Client) ResetBreaker(ctx context.Context, domainTag string) (*BreakerSnapshot, error) {
	var out BreakerSnapshot
	body := map[string]string{"domain_tag": domainTag}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/ledger/breaker/reset", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Partitions fetches the partition layout of the audit table.
func (c *Client) Partitions(ctx context.Context) ([]PartitionInfo, error) {
	var out struct {
		Partitions []PartitionInfo `json:"partitions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/partitions", nil, &out); err != nil {
		return nil, err
	}
	return out.Partitions, nil
}

// ── Audit queries ────────────────────────────────────────────────────────

// Events runs a filtered range query over the ledger.
func (c *Client) Events(ctx context.Context, f EventFilter) ([]AuditEntry, error) {
	var out struct {
		Events []AuditEntry `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/audit/events?"+f.query().Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Stats fetches aggregate stats for a filtered slice of the ledger.
func (c *Client) Stats(ctx context.Context, f EventFilter) (*Stats, error) {
	var out Stats
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/audit/stats?"+f.query().Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Distribution fetches the score histogram.
func (c *Client) Distribution(ctx context.Context, f EventFilter, min, max float64, buckets int) (*Distribution, error) {
	q := f.query()
	q.Set("min", strconv.FormatFloat(min, 'g', -1, 64))
	q.Set("max", strconv.FormatFloat(max, 'g', -1, 64))
	q.Set("buckets", strconv.Itoa(buckets))
	var out Distribution
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/audit/distribution?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export streams the JSON Lines training export into w, one record per
// line, and returns the number of records written.
func (c *Client) Export(ctx context.Context, f EventFilter, provenance bool, w io.Writer) (int, error) {
	q := f.query()
	if provenance {
		q.Set("provenance", "true")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/audit/export?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return 0, decodeAPIError(resp)
	}

	count := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if _, err := w.Write(line); err != nil {
			return count, fmt.Errorf("write export record: %w", err)
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return count, fmt.Errorf("write export record: %w", err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read export stream: %w", err)
	}
	return count, nil
}

// ── Transport ────────────────────────────────────────────────────────────

// doJSON executes a JSON request, attaching the Bearer token if present,
// and decodes a 2xx response into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var envelope struct {
		Error string `json:"error"`
	}
	msg := string(bytes.TrimSpace(raw))
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
		msg = envelope.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
