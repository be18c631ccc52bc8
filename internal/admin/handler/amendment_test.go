package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/concord-gov/concord/internal/admin/handler"
	"github.com/concord-gov/concord/internal/governance"
	"github.com/concord-gov/concord/internal/identity"
	"github.com/concord-gov/concord/pkg/conviction"
)

// ── Stub service ─────────────────────────────────────────────────────────

type stubAmendmentSvc struct {
	mu         sync.Mutex
	amendments map[string]*governance.Amendment
	votes      map[string]map[string]bool
	expired    int
}

func newStubAmendmentSvc() *stubAmendmentSvc {
	return &stubAmendmentSvc{
		amendments: make(map[string]*governance.Amendment),
		votes:      make(map[string]map[string]bool),
	}
}

func (s *stubAmendmentSvc) Propose(_ context.Context, in governance.ProposeInput) (*governance.Amendment, error) {
	if in.AmendmentType == "" || in.ProposedBy == "" || in.ParameterKey == "" {
		return nil, fmt.Errorf("%w: missing field", governance.ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _ := json.Marshal(in.ProposedValue)
	a := &governance.Amendment{
		ID:                uuid.NewString(),
		Status:            governance.StatusProposed,
		AmendmentType:     in.AmendmentType,
		ProposedBy:        in.ProposedBy,
		ProposedAt:        time.Now().UTC(),
		EffectiveAt:       in.EffectiveAt,
		ParameterKey:      in.ParameterKey,
		ProposedValue:     raw,
		ApprovalThreshold: in.ApprovalThreshold,
	}
	s.amendments[a.ID] = a
	return a, nil
}

func (s *stubAmendmentSvc) Vote(_ context.Context, in governance.VoteInput) (*governance.VoteOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.amendments[in.AmendmentID]
	if !ok {
		return nil, fmt.Errorf("amendment %q: %w", in.AmendmentID, governance.ErrNotFound)
	}
	if a.Status != governance.StatusProposed {
		return nil, &governance.StateError{AmendmentID: a.ID, Status: a.Status, Op: "vote on"}
	}
	if s.votes[a.ID] == nil {
		s.votes[a.ID] = make(map[string]bool)
	}
	if s.votes[a.ID][in.VoterID] {
		return nil, governance.ErrAlreadyVoted
	}
	s.votes[a.ID][in.VoterID] = true
	return &governance.VoteOutcome{Amendment: a, Result: conviction.Result{VoterCount: len(s.votes[a.ID])}}, nil
}

func (s *stubAmendmentSvc) Enact(_ context.Context, amendmentID, _ string) (*governance.Amendment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.amendments[amendmentID]
	if !ok {
		return nil, fmt.Errorf("amendment %q: %w", amendmentID, governance.ErrNotFound)
	}
	if a.Status != governance.StatusApproved {
		return nil, &governance.StateError{AmendmentID: a.ID, Status: a.Status, Op: "enact"}
	}
	a.Status = governance.StatusEnacted
	return a, nil
}

func (s *stubAmendmentSvc) ExpireStale(context.Context) (int, error) {
	return s.expired, nil
}

func (s *stubAmendmentSvc) Amendment(_ context.Context, id string) (*governance.Amendment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.amendments[id]
	if !ok {
		return nil, fmt.Errorf("amendment %q: %w", id, governance.ErrNotFound)
	}
	return a, nil
}

func (s *stubAmendmentSvc) List(_ context.Context, status governance.Status, _ int) ([]*governance.Amendment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*governance.Amendment
	for _, a := range s.amendments {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubAmendmentSvc) Parameter(_ context.Context, key string) (*governance.Parameter, error) {
	if key != "quality_threshold" {
		return nil, fmt.Errorf("parameter %q: %w", key, governance.ErrNotFound)
	}
	return &governance.Parameter{Key: key, Value: json.RawMessage(`0.7`), Version: 1}, nil
}

// ── Router setup ─────────────────────────────────────────────────────────

func newAmendmentRouter(t *testing.T, svc *stubAmendmentSvc, tokens *identity.TokenIssuer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := handler.NewAmendmentHandler(svc, zap.NewNop())
	if tokens != nil {
		h.SetTokenIssuer(tokens)
	}
	r := gin.New()
	h.Register(r.Group("/api/v1"))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func proposeBody() map[string]any {
	return map[string]any{
		"amendment_type":     "parameter_change",
		"proposed_by":        "steward-1",
		"effective_at":       time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
		"parameter_key":      "quality_threshold",
		"proposed_value":     0.9,
		"approval_threshold": 20.0,
	}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestProposeAndGet(t *testing.T) {
	svc := newStubAmendmentSvc()
	r := newAmendmentRouter(t, svc, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/amendments", proposeBody(), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("propose: got %d, want 201: %s", w.Code, w.Body.String())
	}
	var created governance.Amendment
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != governance.StatusProposed {
		t.Errorf("status = %q, want proposed", created.Status)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/amendments/"+created.ID, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: got %d, want 200", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/amendments/"+uuid.NewString(), nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get missing: got %d, want 404", w.Code)
	}
}

func TestPropose_missingFields(t *testing.T) {
	r := newAmendmentRouter(t, newStubAmendmentSvc(), nil)

	body := proposeBody()
	delete(body, "amendment_type")
	w := doJSON(t, r, http.MethodPost, "/api/v1/amendments", body, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestVote_conflictTaxonomy(t *testing.T) {
	svc := newStubAmendmentSvc()
	r := newAmendmentRouter(t, svc, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/amendments", proposeBody(), "")
	var created governance.Amendment
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	vote := map[string]any{"voter_id": "member-1", "decision": "approve", "governance_tier": "member"}
	w = doJSON(t, r, http.MethodPost, "/api/v1/amendments/"+created.ID+"/votes", vote, "")
	if w.Code != http.StatusOK {
		t.Fatalf("first vote: got %d, want 200: %s", w.Code, w.Body.String())
	}

	// Same voter again is a conflict.
	w = doJSON(t, r, http.MethodPost, "/api/v1/amendments/"+created.ID+"/votes", vote, "")
	if w.Code != http.StatusConflict {
		t.Errorf("repeat vote: got %d, want 409", w.Code)
	}

	// Voting on a non-proposed amendment is the terminal-state conflict.
	svc.mu.Lock()
	svc.amendments[created.ID].Status = governance.StatusRejected
	svc.mu.Unlock()
	vote["voter_id"] = "member-2"
	w = doJSON(t, r, http.MethodPost, "/api/v1/amendments/"+created.ID+"/votes", vote, "")
	if w.Code != http.StatusConflict {
		t.Errorf("terminal-state vote: got %d, want 409", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rejected state") {
		t.Errorf("body = %s, want state error message", w.Body.String())
	}
}

func TestEnact_wrongState(t *testing.T) {
	svc := newStubAmendmentSvc()
	r := newAmendmentRouter(t, svc, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/amendments", proposeBody(), "")
	var created governance.Amendment
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/amendments/"+created.ID+"/enact", map[string]any{"enactor_id": "steward-1"}, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("enact proposed: got %d, want 409: %s", w.Code, w.Body.String())
	}

	svc.mu.Lock()
	svc.amendments[created.ID].Status = governance.StatusApproved
	svc.mu.Unlock()
	w = doJSON(t, r, http.MethodPost, "/api/v1/amendments/"+created.ID+"/enact", map[string]any{"enactor_id": "steward-1"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("enact approved: got %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestListFiltersAndParameter(t *testing.T) {
	svc := newStubAmendmentSvc()
	r := newAmendmentRouter(t, svc, nil)

	doJSON(t, r, http.MethodPost, "/api/v1/amendments", proposeBody(), "")

	w := doJSON(t, r, http.MethodGet, "/api/v1/amendments?status=proposed", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: got %d, want 200", w.Code)
	}
	var listed struct {
		Amendments []*governance.Amendment `json:"amendments"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Amendments) != 1 {
		t.Errorf("listed %d amendments, want 1", len(listed.Amendments))
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/amendments?status=bogus", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: got %d, want 400", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/parameters/quality_threshold", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("parameter: got %d, want 200", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, "/api/v1/parameters/unknown_key", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing parameter: got %d, want 404", w.Code)
	}
}

func TestTokenGatesWritesAndOverridesActor(t *testing.T) {
	tokens := identity.NewTokenIssuer([]byte("test-secret"), "concord-test", time.Hour)
	svc := newStubAmendmentSvc()
	r := newAmendmentRouter(t, svc, tokens)

	// No token on a write route.
	w := doJSON(t, r, http.MethodPost, "/api/v1/amendments", proposeBody(), "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated propose: got %d, want 401", w.Code)
	}

	// Reads stay open.
	w = doJSON(t, r, http.MethodGet, "/api/v1/amendments", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("unauthenticated list: got %d, want 200", w.Code)
	}

	token, err := tokens.Issue("steward-42", "steward")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	w = doJSON(t, r, http.MethodPost, "/api/v1/amendments", proposeBody(), token)
	if w.Code != http.StatusCreated {
		t.Fatalf("authenticated propose: got %d, want 201: %s", w.Code, w.Body.String())
	}
	var created governance.Amendment
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ProposedBy != "steward-42" {
		t.Errorf("proposed_by = %q, want token subject steward-42", created.ProposedBy)
	}
}

func TestExpireEndpoint(t *testing.T) {
	svc := newStubAmendmentSvc()
	svc.expired = 3
	r := newAmendmentRouter(t, svc, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/amendments/expire", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expire: got %d, want 200", w.Code)
	}
	var resp struct {
		Expired int `json:"expired"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Expired != 3 {
		t.Errorf("expired = %d, want 3", resp.Expired)
	}
}
