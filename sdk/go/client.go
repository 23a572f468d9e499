package gatelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkItem represents the API work item model.
type WorkItem struct {
	ID           string `json:"id"`
	PhaseOrdinal int    `json:"phase_ordinal"`
	Title        string `json:"title"`
	Role         string `json:"role,omitempty"`
	Status       string `json:"status"`
}

// Proposal represents a change proposal under review (partial).
type Proposal struct {
	ID            string         `json:"id"`
	ItemID        string         `json:"item_id"`
	AuthorRole    string         `json:"author_role"`
	TargetEntryID *string        `json:"target_entry_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        string         `json:"status"`
	Round         int            `json:"round"`
	DebateRounds  int            `json:"debate_rounds"`
	Revision      int            `json:"revision"`
	DecidedBy     string         `json:"decided_by,omitempty"`
	Decision      string         `json:"decision,omitempty"`
}

// VoteOutcome reports what a vote did to the round.
type VoteOutcome struct {
	Proposal     Proposal `json:"proposal"`
	RoundClosed  bool     `json:"round_closed"`
	Seq          int64    `json:"seq,omitempty"`
	EscalationID string   `json:"escalation_id,omitempty"`
}

// Phase represents a workflow phase.
type Phase struct {
	Ordinal        int    `json:"ordinal"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	SafetyPriority string `json:"safety_priority"`
}

// GateCriterion is one gate check.
type GateCriterion struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Satisfied   bool   `json:"satisfied"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
}

// GateStatus reports a phase gate evaluation.
type GateStatus struct {
	PhaseOrdinal int             `json:"phase_ordinal"`
	Satisfied    bool            `json:"satisfied"`
	Criteria     []GateCriterion `json:"criteria"`
	Unmet        []GateCriterion `json:"unmet,omitempty"`
}

// CatalogueEntry is one version of a catalogue entry.
type CatalogueEntry struct {
	ID         string `json:"id"`
	Version    int    `json:"version"`
	Status     string `json:"status"`
	Content    string `json:"content"`
	Supersedes *int   `json:"supersedes,omitempty"`
	DiffNote   string `json:"diff_note,omitempty"`
}

// ChronicleRecord is one settled review in the audit log.
type ChronicleRecord struct {
	Seq           int64          `json:"seq"`
	ProposalID    string         `json:"proposal_id"`
	Before        string         `json:"before"`
	After         string         `json:"after"`
	Transcript    map[string]any `json:"transcript,omitempty"`
	Decision      string         `json:"decision"`
	CatalogueRefs []string       `json:"catalogue_refs,omitempty"`
	AppendedAt    string         `json:"appended_at"`
}

// Escalation is a pending or resolved human decision point.
type Escalation struct {
	ID          string `json:"id"`
	SubjectKind string `json:"subject_kind"`
	SubjectID   string `json:"subject_id"`
	ItemID      string `json:"item_id,omitempty"`
	Reason      string `json:"reason"`
	Resolution  string `json:"resolution"`
	Decision    string `json:"decision,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IngestItems submits work item descriptors.
func (c *Client) IngestItems(ctx context.Context, items []WorkItem) ([]WorkItem, error) {
	descriptors := make([]map[string]any, 0, len(items))
	for _, item := range items {
		descriptors = append(descriptors, map[string]any{
			"id":            item.ID,
			"phase_ordinal": item.PhaseOrdinal,
			"title":         item.Title,
		})
	}
	var resp []WorkItem
	err := c.do(ctx, http.MethodPost, "items", map[string]any{"items": descriptors}, &resp)
	return resp, err
}

// AssignItem routes an item to a capability role.
func (c *Client) AssignItem(ctx context.Context, itemID, role string) (WorkItem, error) {
	var resp WorkItem
	endpoint := fmt.Sprintf("items/%s/assign", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"role": role}, &resp)
	return resp, err
}

// GetItem fetches a work item.
func (c *Client) GetItem(ctx context.Context, itemID string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "items/"+url.PathEscape(itemID), nil, &resp)
	return resp, err
}

// SubmitProposal opens review for a change.
func (c *Client) SubmitProposal(ctx context.Context, itemID, authorRole string, payload map[string]any, targetEntryID string) (Proposal, error) {
	body := map[string]any{
		"item_id":     itemID,
		"author_role": authorRole,
		"payload":     payload,
	}
	if targetEntryID != "" {
		body["target_entry_id"] = targetEntryID
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals", body, &resp)
	return resp, err
}

// Vote records a verdict for the current round.
func (c *Client) Vote(ctx context.Context, proposalID, role, verdict, rationale string) (VoteOutcome, error) {
	body := map[string]any{
		"role":      role,
		"verdict":   verdict,
		"rationale": rationale,
	}
	var resp VoteOutcome
	endpoint := fmt.Sprintf("proposals/%s/votes", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// FilePosition files a debate position with evidence.
func (c *Client) FilePosition(ctx context.Context, proposalID, role, statement, evidenceRef string) (Proposal, error) {
	body := map[string]any{
		"role":         role,
		"statement":    statement,
		"evidence_ref": evidenceRef,
	}
	var resp Proposal
	endpoint := fmt.Sprintf("proposals/%s/positions", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ReviseProposal re-enters voting with a revised payload.
func (c *Client) ReviseProposal(ctx context.Context, proposalID string, payload map[string]any, entryContent string) (Proposal, error) {
	body := map[string]any{
		"payload": payload,
	}
	if entryContent != "" {
		body["entry_content"] = entryContent
	}
	var resp Proposal
	endpoint := fmt.Sprintf("proposals/%s/revise", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// WithdrawProposal withdraws a proposal.
func (c *Client) WithdrawProposal(ctx context.Context, proposalID string) (Proposal, error) {
	var resp Proposal
	endpoint := fmt.Sprintf("proposals/%s/withdraw", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ProposalRecord fetches the chronicle record for a settled proposal.
func (c *Client) ProposalRecord(ctx context.Context, proposalID string) (ChronicleRecord, error) {
	var resp ChronicleRecord
	endpoint := fmt.Sprintf("proposals/%s/record", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Gate evaluates a phase gate.
func (c *Client) Gate(ctx context.Context, ordinal int) (GateStatus, error) {
	var resp GateStatus
	endpoint := fmt.Sprintf("phases/%d/gate", ordinal)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AdvancePhase closes the open phase and opens the next.
func (c *Client) AdvancePhase(ctx context.Context) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, "phases/advance", nil, &resp)
	return resp, err
}

// Phases lists all phases.
func (c *Client) Phases(ctx context.Context) ([]Phase, error) {
	var resp []Phase
	err := c.do(ctx, http.MethodGet, "phases", nil, &resp)
	return resp, err
}

// EntryChain returns the full version history of a catalogue entry.
func (c *Client) EntryChain(ctx context.Context, entryID string) ([]CatalogueEntry, error) {
	var resp []CatalogueEntry
	endpoint := fmt.Sprintf("catalogue/%s/chain", url.PathEscape(entryID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveEscalation records a human decision for an escalation.
func (c *Client) ResolveEscalation(ctx context.Context, escalationID, outcome, decision string) (Escalation, error) {
	body := map[string]any{
		"outcome":  outcome,
		"decision": decision,
	}
	var resp Escalation
	endpoint := fmt.Sprintf("escalations/%s/resolve", url.PathEscape(escalationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Escalations lists escalations, optionally by resolution.
func (c *Client) Escalations(ctx context.Context, resolution string) ([]Escalation, error) {
	endpoint := "escalations"
	if resolution != "" {
		endpoint += "?resolution=" + url.QueryEscape(resolution)
	}
	var resp []Escalation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Chronicle lists chronicle records with seq greater than after.
func (c *Client) Chronicle(ctx context.Context, after int64, limit int) ([]ChronicleRecord, error) {
	endpoint := fmt.Sprintf("chronicle?after=%d", after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []ChronicleRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
