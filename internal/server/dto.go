package server

import (
	"encoding/json"

	"gateline/internal/domain"
)

// Request payloads

type IngestRequest struct {
	Items []domain.WorkItemDescriptor `json:"items"`
}

type AssignItemRequest struct {
	Role string `json:"role"`
}

type SubmitProposalRequest struct {
	ItemID        string         `json:"item_id"`
	AuthorRole    string         `json:"author_role"`
	TargetEntryID string         `json:"target_entry_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type VoteRequest struct {
	Role      string `json:"role"`
	Verdict   string `json:"verdict" enum:"approved,requested_change,objection"`
	Rationale string `json:"rationale,omitempty"`
}

type PositionRequest struct {
	Role        string `json:"role"`
	Statement   string `json:"statement"`
	EvidenceRef string `json:"evidence_ref"`
}

type ReviseProposalRequest struct {
	Payload      map[string]any `json:"payload,omitempty"`
	EntryContent string         `json:"entry_content,omitempty"`
}

type ReopenPhaseRequest struct {
	EscalationID string `json:"escalation_id"`
}

type ResolveEscalationRequest struct {
	Outcome  string `json:"outcome" enum:"approve,reject,resume"`
	Decision string `json:"decision"`
}

type ProposeEntryRequest struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type RequestChangeRequest struct {
	Kind    string `json:"kind" enum:"clerical,behavioral,deletion"`
	Reason  string `json:"reason"`
	Content string `json:"content,omitempty"`
}

type BindRoleRequest struct {
	RoleID string `json:"role_id"`
}

type CreateKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type ProposalResponse struct {
	ID            string         `json:"id"`
	ItemID        string         `json:"item_id"`
	AuthorRole    string         `json:"author_role"`
	TargetEntryID *string        `json:"target_entry_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        string         `json:"status"`
	Round         int            `json:"round"`
	DebateRounds  int            `json:"debate_rounds"`
	Revision      int            `json:"revision"`
	VoteDeadline  string         `json:"vote_deadline,omitempty"`
	VoteRetries   int            `json:"vote_retries"`
	DecidedBy     string         `json:"decided_by,omitempty"`
	Decision      string         `json:"decision,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

type VoteOutcomeResponse struct {
	Proposal     ProposalResponse `json:"proposal"`
	RoundClosed  bool             `json:"round_closed"`
	Seq          int64            `json:"seq,omitempty"`
	EscalationID string           `json:"escalation_id,omitempty"`
}

type ChronicleRecordResponse struct {
	Seq           int64          `json:"seq"`
	ProposalID    string         `json:"proposal_id"`
	Before        string         `json:"before"`
	After         string         `json:"after"`
	Transcript    map[string]any `json:"transcript,omitempty"`
	Decision      string         `json:"decision"`
	CatalogueRefs []string       `json:"catalogue_refs,omitempty"`
	AppendedAt    string         `json:"appended_at"`
}

type EscalationResponse struct {
	ID          string         `json:"id"`
	SubjectKind string         `json:"subject_kind"`
	SubjectID   string         `json:"subject_id"`
	ItemID      string         `json:"item_id,omitempty"`
	Reason      string         `json:"reason"`
	Positions   map[string]any `json:"positions,omitempty"`
	Resolution  string         `json:"resolution"`
	Decision    string         `json:"decision,omitempty"`
	CreatedAt   string         `json:"created_at"`
	ResolvedAt  string         `json:"resolved_at,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type CreatedKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type SweepResponse struct {
	Checked   int `json:"checked"`
	Retried   int `json:"retried"`
	Escalated int `json:"escalated"`
}

func proposalResponse(p domain.ChangeProposal) ProposalResponse {
	return ProposalResponse{
		ID:            p.ID,
		ItemID:        p.ItemID,
		AuthorRole:    p.AuthorRole,
		TargetEntryID: p.TargetEntryID,
		Payload:       decodeJSONMap(p.PayloadJSON),
		Status:        p.Status,
		Round:         p.Round,
		DebateRounds:  p.DebateRounds,
		Revision:      p.Revision,
		VoteDeadline:  p.VoteDeadline,
		VoteRetries:   p.VoteRetries,
		DecidedBy:     p.DecidedBy,
		Decision:      p.Decision,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func recordResponse(rec domain.ChronicleRecord) ChronicleRecordResponse {
	return ChronicleRecordResponse{
		Seq:           rec.Seq,
		ProposalID:    rec.ProposalID,
		Before:        rec.BeforeRef,
		After:         rec.AfterRef,
		Transcript:    decodeJSONMap(rec.Transcript),
		Decision:      rec.Decision,
		CatalogueRefs: decodeStringSlice(rec.CatalogueRefs),
		AppendedAt:    rec.AppendedAt,
	}
}

func escalationResponse(esc domain.Escalation) EscalationResponse {
	return EscalationResponse{
		ID:          esc.ID,
		SubjectKind: esc.SubjectKind,
		SubjectID:   esc.SubjectID,
		ItemID:      esc.ItemID,
		Reason:      esc.Reason,
		Positions:   decodeJSONMap(esc.Positions),
		Resolution:  esc.Resolution,
		Decision:    esc.Decision,
		CreatedAt:   esc.CreatedAt,
		ResolvedAt:  esc.ResolvedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func decodeStringSlice(raw string) []string {
	if raw == "" {
		return nil
	}
	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err != nil {
		return nil
	}
	return arr
}

func encodeJSONMap(obj map[string]any) string {
	if obj == nil {
		return "{}"
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "{}"
	}
	return string(data)
}
