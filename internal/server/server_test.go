package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("gateline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.InitEngine(context.Background(), "tester"); err != nil {
		t.Fatalf("init engine: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestProposalConsensusOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"items": []map[string]any{
			{"id": "item-1", "phase_ordinal": 1, "title": "Map module boundaries"},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/item-1/assign", map[string]any{
		"role": "analyst",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"item_id":     "item-1",
		"author_role": "analyst",
		"payload":     map[string]any{"summary": "boundary map"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var proposal ProposalResponse
	if err := json.Unmarshal(data, &proposal); err != nil {
		t.Fatalf("unmarshal proposal: %v", err)
	}
	if proposal.Status != domain.ProposalReview {
		t.Fatalf("expected review, got %s", proposal.Status)
	}

	var outcome VoteOutcomeResponse
	for _, role := range []string{"analyst", "verifier"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposal.ID+"/votes", map[string]any{
			"role":    role,
			"verdict": "approved",
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("vote %s status %d: %s", role, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &outcome); err != nil {
			t.Fatalf("unmarshal outcome: %v", err)
		}
	}
	if !outcome.RoundClosed || outcome.Proposal.Status != domain.ProposalCommitted {
		t.Fatalf("expected committed after full approval, got %+v", outcome)
	}
	if outcome.Seq == 0 {
		t.Fatalf("expected chronicle seq, got %+v", outcome)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals/"+proposal.ID+"/record", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record status %d: %s", res.StatusCode, string(data))
	}
	var record ChronicleRecordResponse
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if record.Seq != outcome.Seq || record.ProposalID != proposal.ID {
		t.Fatalf("record mismatch: %+v", record)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/item-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get item status %d: %s", res.StatusCode, string(data))
	}
	var item domain.WorkItem
	_ = json.Unmarshal(data, &item)
	if item.Status != domain.ItemDone {
		t.Fatalf("expected item done, got %s", item.Status)
	}
}

func TestDuplicateSubmissionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"items": []map[string]any{
			{"id": "item-1", "phase_ordinal": 1, "title": "One item"},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/item-1/assign", map[string]any{
		"role": "analyst",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", res.StatusCode, string(data))
	}

	submit := map[string]any{
		"item_id":     "item-1",
		"author_role": "analyst",
		"payload":     map[string]any{"summary": "first"},
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", submit, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first submit: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", submit, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "duplicate_submission" {
		t.Fatalf("expected duplicate_submission, got %q", envelope.Error.Code)
	}
}

func TestGateBlocksAdvance(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"items": []map[string]any{
			{"id": "item-1", "phase_ordinal": 1, "title": "Unfinished"},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases/advance", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected gate block (422), got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "gate_not_satisfied" {
		t.Fatalf("expected gate_not_satisfied, got %q", envelope.Error.Code)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/phases", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}
