package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gateline/internal/catalogue"
	"gateline/internal/chronicle"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/phase"
	"gateline/internal/repo"
	"gateline/internal/review"
	"gateline/internal/router"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"gate_not_satisfied"`
	Message string         `json:"message" example:"phase 1 gate has 2 unmet criteria"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"phase_ordinal\":1}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			bodyBytes, _ := io.ReadAll(req.Body)
			req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(req.Context(), requestKey{}, req)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(r, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(r, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerEscalations(group, cfg.Engine)
	registerCatalogue(group, cfg.Engine)
	registerChronicle(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerSweep(group, cfg.Engine)
	registerOpenAPI(r, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return r, nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var gate phase.GateNotSatisfiedError
	if errors.As(err, &gate) {
		return newAPIError(http.StatusUnprocessableEntity, "gate_not_satisfied", err.Error(), map[string]any{
			"phase_ordinal": gate.PhaseOrdinal,
			"unmet":         gate.Unmet,
		})
	}
	var dup router.DuplicateSubmissionError
	if errors.As(err, &dup) {
		return newAPIError(http.StatusConflict, "duplicate_submission", err.Error(), map[string]any{
			"item_id":     dup.ItemID,
			"proposal_id": dup.ProposalID,
		})
	}
	var lock catalogue.LockViolationError
	if errors.As(err, &lock) {
		return newAPIError(http.StatusConflict, "lock_violation", err.Error(), map[string]any{
			"entry_id": lock.EntryID,
			"version":  lock.Version,
			"op":       lock.Op,
		})
	}
	var incomplete chronicle.IncompleteReviewRecordError
	if errors.As(err, &incomplete) {
		return newAPIError(http.StatusUnprocessableEntity, "incomplete_review_record", err.Error(), map[string]any{
			"proposal_id":   incomplete.ProposalID,
			"missing_roles": incomplete.MissingRoles,
		})
	}
	var deadlock review.ConsensusDeadlockError
	if errors.As(err, &deadlock) {
		return newAPIError(http.StatusConflict, "consensus_deadlock", err.Error(), map[string]any{
			"proposal_id":   deadlock.ProposalID,
			"escalation_id": deadlock.EscalationID,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already"),
		strings.Contains(lowered, "not collecting"),
		strings.Contains(lowered, "is closed"),
		strings.Contains(lowered, "terminal"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Engine status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		phases, err := e.Phases.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountItemsByStatus(ctx, 0)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := e.Repo.CountEscalationsByResolution(ctx, domain.EscalationPending)
		if err != nil {
			return nil, handleError(err)
		}
		records, err := e.Repo.CountRecords(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"engine_id":           e.Config.Engine.ID,
			"phases":              phases,
			"item_counts":         counts,
			"pending_escalations": pending,
			"chronicle_records":   records,
		}}, nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	type phasePath struct {
		Ordinal int `path:"ordinal"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/phases",
		Summary:     "List phases",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Phase `json:"body"`
	}, error) {
		phases, err := e.Phases.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Phase `json:"body"`
		}{Body: phases}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/phases/{ordinal}",
		Summary:     "Get phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		p, err := e.Phases.Get(ctx, input.Ordinal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-gate",
		Method:      http.MethodGet,
		Path:        "/phases/{ordinal}/gate",
		Summary:     "Evaluate gate criteria",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body phase.GateStatus `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := e.Phases.EvaluateGate(ctx, input.Ordinal, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body phase.GateStatus `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-phase",
		Method:      http.MethodPost,
		Path:        "/phases/advance",
		Summary:     "Close the open phase and open the next",
		Errors: []int{
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Phases.AdvancePhase(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-phase",
		Method:      http.MethodPost,
		Path:        "/phases/{ordinal}/reopen",
		Summary:     "Reopen a closed phase against a resolved escalation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Ordinal int                `path:"ordinal"`
		Body    ReopenPhaseRequest `json:"body"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		if input.Body.EscalationID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "escalation_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Phases.ReopenPhase(ctx, input.Ordinal, input.Body.EscalationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	type itemPath struct {
		ItemID string `path:"item_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-items",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Ingest work item descriptors",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body IngestRequest `json:"body"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 || len(input.Body.Items) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "items required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Ingest(ctx, input.Body.Items, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		Phase  int    `query:"phase"`
		Status string `query:"status"`
		Role   string `query:"role"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		items, err := e.Router.List(ctx, repo.ItemFilters{
			PhaseOrdinal: input.Phase,
			Status:       input.Status,
			Role:         input.Role,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := e.Router.Get(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/assign",
		Summary:     "Assign an item to a role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string            `path:"item_id"`
		Body   AssignItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.Router.Assign(ctx, input.ItemID, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	type proposalPath struct {
		ProposalID string `path:"proposal_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Submit a change proposal for review",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		if input.Body.ItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "item_id is required", nil)
		}
		if input.Body.AuthorRole == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "author_role is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Review.Submit(ctx, review.SubmitInput{
			ItemID:        input.Body.ItemID,
			AuthorRole:    input.Body.AuthorRole,
			TargetEntryID: input.Body.TargetEntryID,
			Payload:       encodeJSONMap(input.Body.Payload),
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *struct {
		ItemID string `query:"item_id"`
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []ProposalResponse `json:"body"`
	}, error) {
		var statuses []string
		if input.Status != "" {
			statuses = strings.Split(input.Status, ",")
		}
		proposals, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
			ItemID:   input.ItemID,
			Statuses: statuses,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ProposalResponse, 0, len(proposals))
		for _, p := range proposals {
			res = append(res, proposalResponse(p))
		}
		return &struct {
			Body []ProposalResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := e.Review.Get(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-vote",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/votes",
		Summary:     "Record a review vote",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string      `path:"proposal_id"`
		Body       VoteRequest `json:"body"`
	}) (*struct {
		Body VoteOutcomeResponse `json:"body"`
	}, error) {
		if input.Body.Role == "" || input.Body.Verdict == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role and verdict are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		outcome, err := e.Review.RecordVote(ctx, review.VoteInput{
			ProposalID: input.ProposalID,
			Role:       input.Body.Role,
			Verdict:    input.Body.Verdict,
			Rationale:  input.Body.Rationale,
			ActorID:    actorID,
		})
		if err != nil {
			// A deadlock escalation has already been raised and committed by
			// the time this error surfaces; handleError reports it as a
			// conflict with the escalation attached.
			return nil, handleError(err)
		}
		return &struct {
			Body VoteOutcomeResponse `json:"body"`
		}{Body: VoteOutcomeResponse{
			Proposal:     proposalResponse(outcome.Proposal),
			RoundClosed:  outcome.RoundClosed,
			Seq:          outcome.Seq,
			EscalationID: outcome.EscalationID,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-votes",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}/votes",
		Summary:     "List votes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*struct {
		Body []domain.ReviewVote `json:"body"`
	}, error) {
		votes, err := e.Review.Votes(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ReviewVote `json:"body"`
		}{Body: votes}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-position",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/positions",
		Summary:     "File a debate position",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string          `path:"proposal_id"`
		Body       PositionRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		if input.Body.Role == "" || input.Body.Statement == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role and statement are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Review.RecordPosition(ctx, review.PositionInput{
			ProposalID:  input.ProposalID,
			Role:        input.Body.Role,
			Statement:   input.Body.Statement,
			EvidenceRef: input.Body.EvidenceRef,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-positions",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}/positions",
		Summary:     "List debate positions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*struct {
		Body []domain.DebatePosition `json:"body"`
	}, error) {
		positions, err := e.Review.Positions(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DebatePosition `json:"body"`
		}{Body: positions}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revise-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/revise",
		Summary:     "Re-enter voting with a revised payload",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string                `path:"proposal_id"`
		Body       ReviseProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Review.Revise(ctx, review.ReviseInput{
			ProposalID:   input.ProposalID,
			Payload:      encodeJSONMap(input.Body.Payload),
			EntryContent: input.Body.EntryContent,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/withdraw",
		Summary:     "Withdraw a proposal and discard its review state",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *proposalPath) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Review.Withdraw(ctx, input.ProposalID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal-record",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}/record",
		Summary:     "Get the chronicle record for a settled proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*struct {
		Body ChronicleRecordResponse `json:"body"`
	}, error) {
		rec, err := e.Chronicle.RecordForProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChronicleRecordResponse `json:"body"`
		}{Body: recordResponse(rec)}, nil
	})
}

func registerEscalations(api huma.API, e engine.Engine) {
	type escalationPath struct {
		EscalationID string `path:"escalation_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations",
	}, func(ctx context.Context, input *struct {
		Resolution string `query:"resolution" enum:"pending,resolved"`
	}) (*struct {
		Body []EscalationResponse `json:"body"`
	}, error) {
		escalations, err := e.Escalation.List(ctx, input.Resolution)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EscalationResponse, 0, len(escalations))
		for _, esc := range escalations {
			res = append(res, escalationResponse(esc))
		}
		return &struct {
			Body []EscalationResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escalation",
		Method:      http.MethodGet,
		Path:        "/escalations/{escalation_id}",
		Summary:     "Get escalation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *escalationPath) (*struct {
		Body EscalationResponse `json:"body"`
	}, error) {
		esc, err := e.Escalation.Get(ctx, input.EscalationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscalationResponse `json:"body"`
		}{Body: escalationResponse(esc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{escalation_id}/resolve",
		Summary:     "Resolve an escalation with a human decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		EscalationID string                   `path:"escalation_id"`
		Body         ResolveEscalationRequest `json:"body"`
	}) (*struct {
		Body EscalationResponse `json:"body"`
	}, error) {
		if input.Body.Outcome == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "outcome is required", nil)
		}
		if input.Body.Decision == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "decision is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := e.ResolveEscalation(ctx, input.EscalationID, input.Body.Outcome, input.Body.Decision, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscalationResponse `json:"body"`
		}{Body: escalationResponse(esc)}, nil
	})
}

func registerCatalogue(api huma.API, e engine.Engine) {
	type entryPath struct {
		EntryID string `path:"entry_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "propose-entry",
		Method:        http.MethodPost,
		Path:          "/catalogue",
		Summary:       "Propose a catalogue entry draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body ProposeEntryRequest `json:"body"`
	}) (*struct {
		Body domain.CatalogueEntry `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if input.Body.Content == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "content is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Catalogue.Propose(ctx, input.Body.ID, input.Body.Content, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CatalogueEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entries",
		Method:      http.MethodGet,
		Path:        "/catalogue",
		Summary:     "List head versions of catalogue entries",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []domain.CatalogueEntry `json:"body"`
	}, error) {
		entries, err := e.Repo.ListHeadEntries(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CatalogueEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entry",
		Method:      http.MethodGet,
		Path:        "/catalogue/{entry_id}",
		Summary:     "Get the head version of an entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entryPath) (*struct {
		Body domain.CatalogueEntry `json:"body"`
	}, error) {
		entry, err := e.Catalogue.Head(ctx, input.EntryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CatalogueEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entry-chain",
		Method:      http.MethodGet,
		Path:        "/catalogue/{entry_id}/chain",
		Summary:     "Get the full version history of an entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entryPath) (*struct {
		Body []domain.CatalogueEntry `json:"body"`
	}, error) {
		chain, err := e.Catalogue.Chain(ctx, input.EntryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CatalogueEntry `json:"body"`
		}{Body: chain}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-entry-change",
		Method:      http.MethodPost,
		Path:        "/catalogue/{entry_id}/changes",
		Summary:     "Request a change to a locked entry",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		EntryID string               `path:"entry_id"`
		Body    RequestChangeRequest `json:"body"`
	}) (*struct {
		Body catalogue.ChangeOutcome `json:"body"`
	}, error) {
		if input.Body.Kind == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind is required", nil)
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		outcome, err := e.Catalogue.RequestChange(ctx, input.EntryID, input.Body.Kind, input.Body.Reason, input.Body.Content, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body catalogue.ChangeOutcome `json:"body"`
		}{Body: outcome}, nil
	})
}

func registerChronicle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/chronicle",
		Summary:     "List chronicle records, oldest first",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body []ChronicleRecordResponse `json:"body"`
	}, error) {
		records, err := e.Chronicle.Records(ctx, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ChronicleRecordResponse, 0, len(records))
		for _, rec := range records {
			res = append(res, recordResponse(rec))
		}
		return &struct {
			Body []ChronicleRecordResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events, newest first",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		events, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(events))
		for _, evt := range events {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	type actorPath struct {
		ActorID string `path:"actor_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-charters",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List role charters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.RoleCharter `json:"body"`
	}, error) {
		charters, err := e.Repo.ListCharters(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RoleCharter `json:"body"`
		}{Body: charters}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actor-roles",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/roles",
		Summary:     "List roles bound to an actor",
	}, func(ctx context.Context, input *actorPath) (*struct {
		Body []string `json:"body"`
	}, error) {
		roles, err := e.Repo.ActorRoles(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if roles == nil {
			roles = []string{}
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: roles}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "bind-role",
		Method:        http.MethodPost,
		Path:          "/actors/{actor_id}/roles",
		Summary:       "Bind a role to an actor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		ActorID string          `path:"actor_id"`
		Body    BindRoleRequest `json:"body"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role_id is required", nil)
		}
		if err := e.BindRole(ctx, input.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Repo.ActorRoles(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: roles}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unbind-role",
		Method:      http.MethodDelete,
		Path:        "/actors/{actor_id}/roles/{role_id}",
		Summary:     "Unbind a role from an actor",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
		RoleID  string `path:"role_id"`
	}) (*struct{}, error) {
		if err := e.UnbindRole(ctx, input.ActorID, input.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create an API key; the raw key is returned once",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateKeyRequest `json:"body"`
	}) (*struct {
		Body CreatedKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		key, raw, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedKeyResponse `json:"body"`
		}{Body: CreatedKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     raw,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys for an actor",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{key_id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.DeleteAPIKeyTx(ctx, tx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Process overdue vote deadlines",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.Sweep(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{
			Checked:   report.Checked,
			Retried:   report.Retried,
			Escalated: report.Escalated,
		}}, nil
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gateline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
