package domain

// Phase statuses.
const (
	PhasePending = "pending"
	PhaseOpen    = "open"
	PhaseClosed  = "closed"
)

// Work item statuses.
const (
	ItemPending     = "pending"
	ItemInProgress  = "in_progress"
	ItemUnderReview = "under_review"
	ItemDone        = "done"
	ItemBlocked     = "blocked"
)

// Proposal lifecycle statuses.
const (
	ProposalProposed  = "proposed"
	ProposalReview    = "review"
	ProposalRevision  = "revision"
	ProposalDebate    = "debate"
	ProposalConsensus = "consensus"
	ProposalRejected  = "rejected"
	ProposalWithdrawn = "withdrawn"
	ProposalCommitted = "committed"
)

// Vote verdicts.
const (
	VerdictApproved        = "approved"
	VerdictRequestedChange = "requested_change"
	VerdictObjection       = "objection"
)

// Catalogue entry statuses.
const (
	EntryDraft       = "draft"
	EntryUnderReview = "under_review"
	EntryApproved    = "approved"
	EntryLocked      = "locked"
	EntrySuperseded  = "superseded"
	EntryInvalid     = "invalid"
)

// Escalation resolutions.
const (
	EscalationPending  = "pending"
	EscalationResolved = "resolved"
)

type Phase struct {
	Ordinal        int    `json:"ordinal"`
	Name           string `json:"name"`
	Status         string `json:"status" enum:"pending,open,closed"`
	SafetyPriority string `json:"safety_priority" enum:"testability,fidelity,quality"`
	OpenedAt       string `json:"opened_at,omitempty" format:"date-time"`
	ClosedAt       string `json:"closed_at,omitempty" format:"date-time"`
}

type GateCriterion struct {
	ID           string `json:"id"`
	PhaseOrdinal int    `json:"phase_ordinal"`
	Kind         string `json:"kind"`
	Description  string `json:"description"`
	Satisfied    bool   `json:"satisfied"`
	EvidenceRef  string `json:"evidence_ref,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty" format:"date-time"`
}

type WorkItem struct {
	ID           string `json:"id"`
	PhaseOrdinal int    `json:"phase_ordinal"`
	Title        string `json:"title"`
	Role         string `json:"role,omitempty"`
	Status       string `json:"status" enum:"pending,in_progress,under_review,done,blocked"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// WorkItemDescriptor is the intake shape accepted from the external
// inventory collaborator.
type WorkItemDescriptor struct {
	ID           string `json:"id"`
	PhaseOrdinal int    `json:"phase_ordinal"`
	Title        string `json:"title"`
}

type ChangeProposal struct {
	ID            string  `json:"id"`
	ItemID        string  `json:"item_id"`
	AuthorRole    string  `json:"author_role"`
	TargetEntryID *string `json:"target_entry_id,omitempty"`
	PayloadJSON   string  `json:"payload_json"`
	Status        string  `json:"status" enum:"proposed,review,revision,debate,consensus,rejected,withdrawn,committed"`
	Round         int     `json:"round"`
	DebateRounds  int     `json:"debate_rounds"`
	Revision      int     `json:"revision"`
	VoteDeadline  string  `json:"vote_deadline,omitempty" format:"date-time"`
	VoteRetries   int     `json:"vote_retries"`
	DecidedBy     string  `json:"decided_by,omitempty"`
	Decision      string  `json:"decision,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type ReviewVote struct {
	ProposalID string `json:"proposal_id"`
	Role       string `json:"role"`
	Round      int    `json:"round"`
	Verdict    string `json:"verdict" enum:"approved,requested_change,objection"`
	Rationale  string `json:"rationale,omitempty"`
	ActorID    string `json:"actor_id"`
	TS         string `json:"ts" format:"date-time"`
}

type DebatePosition struct {
	ProposalID  string `json:"proposal_id"`
	DebateRound int    `json:"debate_round"`
	Role        string `json:"role"`
	Statement   string `json:"statement"`
	EvidenceRef string `json:"evidence_ref"`
	ActorID     string `json:"actor_id"`
	TS          string `json:"ts" format:"date-time"`
}

type CatalogueEntry struct {
	ID         string `json:"id"`
	Version    int    `json:"version"`
	Status     string `json:"status" enum:"draft,under_review,approved,locked,superseded,invalid"`
	Content    string `json:"content"`
	Supersedes *int   `json:"supersedes,omitempty"`
	DiffNote   string `json:"diff_note,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type ChronicleRecord struct {
	Seq           int64  `json:"seq"`
	ProposalID    string `json:"proposal_id"`
	BeforeRef     string `json:"before"`
	AfterRef      string `json:"after"`
	Transcript    string `json:"transcript_json"`
	Decision      string `json:"decision"`
	CatalogueRefs string `json:"catalogue_refs,omitempty"`
	AppendedAt    string `json:"appended_at" format:"date-time"`
}

type Escalation struct {
	ID          string `json:"id"`
	SubjectKind string `json:"subject_kind" enum:"proposal,catalogue"`
	SubjectID   string `json:"subject_id"`
	ItemID      string `json:"item_id,omitempty"`
	Reason      string `json:"reason"`
	Positions   string `json:"positions_json,omitempty"`
	Resolution  string `json:"resolution" enum:"pending,resolved"`
	Decision    string `json:"decision,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	ResolvedAt  string `json:"resolved_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RoleBinding ties an actor to a capability role.
type RoleBinding struct {
	ActorID   string `json:"actor_id"`
	RoleID    string `json:"role_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RoleCharter is prose guidance for a role, stored verbatim and never
// interpreted by the engine.
type RoleCharter struct {
	RoleID    string `json:"role_id"`
	Mission   string `json:"mission"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}
