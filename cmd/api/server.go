package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"disputeflow/auth"
	"disputeflow/dispute"
	"disputeflow/escalation"
	"disputeflow/evidence"
	"disputeflow/resolution"
	"disputeflow/timeline"
	"disputeflow/voting"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
	ctxKeyAddress
)

type disputeService interface {
	Get(ctx context.Context, id string) (dispute.Dispute, error)
	List(ctx context.Context, filters dispute.Filters) ([]dispute.Dispute, error)
	ForceClose(ctx context.Context, id, actor string) error
}

type evidenceService interface {
	Submit(ctx context.Context, params evidence.SubmitParams) (evidence.Evidence, error)
	Verify(ctx context.Context, id, actor string) (evidence.Evidence, error)
	List(ctx context.Context, disputeID string, filters evidence.Filters) ([]evidence.Evidence, error)
}

type votingService interface {
	Tally(ctx context.Context, disputeID string) (voting.Tally, error)
}

type controllerService interface {
	Open(ctx context.Context, params escalation.OpenParams) (dispute.Dispute, error)
	CastVote(ctx context.Context, params voting.CastParams) (voting.Vote, error)
	Appeal(ctx context.Context, disputeID, actor string) error
	Ruling(ctx context.Context, disputeID string, tier dispute.Tier, outcome resolution.Outcome, releasePercent int, rationale, actor string) (resolution.Decision, error)
}

type decisionService interface {
	Current(ctx context.Context, disputeID string) (resolution.Decision, error)
}

type timelineService interface {
	List(ctx context.Context, disputeID string, filters timeline.Filters) ([]timeline.Event, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server routes the HTTP surface onto the domain services.
type Server struct {
	disputes    disputeService
	evidenceSvc evidenceService
	votes       votingService
	ctrl        controllerService
	decisions   decisionService
	events      timelineService
	authService authService
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.Handle("/api/disputes", s.requireAuth(http.HandlerFunc(s.handleDisputes)))
	mux.Handle("/api/disputes/", s.requireAuth(http.HandlerFunc(s.handleDisputeDetail)))
	return mux
}

// requireAuth validates the bearer token and stashes identity in the context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorAddress resolves the caller's acting identity: the registered on-chain
// address when present, the user id otherwise.
func (s *Server) actorAddress(r *http.Request) string {
	if addr, ok := r.Context().Value(ctxKeyAddress).(string); ok && addr != "" {
		return addr
	}
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	user, err := s.authService.GetUserByID(r.Context(), userID)
	if err == nil && user.Address != nil && *user.Address != "" {
		return *user.Address
	}
	return userID
}

func requestRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail), errors.Is(err, auth.ErrDuplicateAddress):
			writeJSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrWeakPassword):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		default:
			writeJSONError(w, http.StatusBadRequest, "registration failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Address:  user.Address,
		Role:     string(user.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		User: userResponse{
			ID:       result.User.ID,
			Email:    result.User.Email,
			FullName: result.User.FullName,
			Address:  result.User.Address,
			Role:     string(result.User.Role),
		},
	})
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListDisputes(w, r)
	case http.MethodPost:
		s.handleCreateDispute(w, r)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type createDisputeRequest struct {
	CampaignID      string            `json:"campaignId"`
	PledgeIDs       []string          `json:"pledgeIds"`
	MilestoneID     *string           `json:"milestoneId"`
	Category        string            `json:"category"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Priority        string            `json:"priority"`
	InitialEvidence []evidenceRequest `json:"initialEvidence"`
	OracleResponses []oracleRequest   `json:"oracleResponses"`
}

type evidenceRequest struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

type oracleRequest struct {
	OracleID  string         `json:"oracleId"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req createDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	params := escalation.OpenParams{
		CampaignID:  req.CampaignID,
		PledgeIDs:   req.PledgeIDs,
		MilestoneID: req.MilestoneID,
		Category:    dispute.Category(req.Category),
		Title:       req.Title,
		Description: req.Description,
		Priority:    dispute.Priority(req.Priority),
		RaisedBy:    s.actorAddress(r),
	}
	for _, or := range req.OracleResponses {
		params.OracleResponses = append(params.OracleResponses, oracleResponseFromRequest(or))
	}
	for _, ev := range req.InitialEvidence {
		params.Evidence = append(params.Evidence, escalation.InitialEvidence{
			Kind:    evidence.Kind(ev.Kind),
			Content: ev.Content,
		})
	}

	d, err := s.ctrl.Open(r.Context(), params)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := dispute.Filters{
		CampaignID:     q.Get("campaignId"),
		Status:         dispute.Status(q.Get("status")),
		Category:       dispute.Category(q.Get("category")),
		Tier:           dispute.Tier(q.Get("tier")),
		RaisedBy:       q.Get("raisedBy"),
		AffectsAddress: q.Get("affectsAddress"),
		Priority:       dispute.Priority(q.Get("priority")),
	}
	if v := q.Get("votingActive"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid votingActive")
			return
		}
		filters.VotingActive = &active
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		filters.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		filters.To = t
	}
	if v := q.Get("page"); v != "" {
		filters.Page, _ = strconv.Atoi(v)
	}
	if v := q.Get("pageSize"); v != "" {
		filters.PageSize, _ = strconv.Atoi(v)
	}

	disputes, err := s.disputes.List(r.Context(), filters)
	if err != nil {
		s.internalError(w, err)
		return
	}
	items := make([]disputeResponse, 0, len(disputes))
	for _, d := range disputes {
		items = append(items, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, listResponse[disputeResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONError(w, http.StatusBadRequest, "dispute id required")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGetDispute(w, r, id)
	case len(parts) == 2 && parts[1] == "evidence":
		s.handleEvidence(w, r, id)
	case len(parts) == 4 && parts[1] == "evidence" && parts[3] == "verify":
		s.handleVerifyEvidence(w, r, parts[2])
	case len(parts) == 2 && parts[1] == "votes":
		s.handleCastVote(w, r, id)
	case len(parts) == 2 && parts[1] == "tally":
		s.handleTally(w, r, id)
	case len(parts) == 2 && parts[1] == "appeal":
		s.handleAppeal(w, r, id)
	case len(parts) == 2 && parts[1] == "ruling":
		s.handleRuling(w, r, id)
	case len(parts) == 2 && parts[1] == "close":
		s.handleForceClose(w, r, id)
	case len(parts) == 2 && parts[1] == "timeline":
		s.handleTimeline(w, r, id)
	default:
		writeJSONError(w, http.StatusNotFound, "unknown route")
	}
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request, id string) {
	d, err := s.disputes.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := toDisputeResponse(d)
	dec, err := s.decisions.Current(r.Context(), id)
	switch {
	case err == nil:
		dr := toDecisionResponse(dec)
		resp.Decision = &dr
	case errors.Is(err, resolution.ErrNoDecision):
		// nothing decided yet
	default:
		log.Printf("api: current decision for %s: %v", id, err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request, disputeID string) {
	switch r.Method {
	case http.MethodGet:
		filters := evidence.Filters{Kind: evidence.Kind(r.URL.Query().Get("kind"))}
		if r.URL.Query().Get("verified") == "true" {
			filters.VerifiedOnly = true
		}
		items, err := s.evidenceSvc.List(r.Context(), disputeID, filters)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		resp := make([]evidenceResponse, 0, len(items))
		for _, e := range items {
			resp = append(resp, toEvidenceResponse(e))
		}
		writeJSON(w, http.StatusOK, listResponse[evidenceResponse]{Items: resp, Total: len(resp)})
	case http.MethodPost:
		var req evidenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		e, err := s.evidenceSvc.Submit(r.Context(), evidence.SubmitParams{
			DisputeID:   disputeID,
			SubmittedBy: s.actorAddress(r),
			Kind:        evidence.Kind(req.Kind),
			Content:     req.Content,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toEvidenceResponse(e))
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleVerifyEvidence(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	role := requestRole(r)
	if role != auth.RoleCouncil && role != auth.RoleAdmin {
		writeJSONError(w, http.StatusForbidden, "council or admin role required")
		return
	}
	e, err := s.evidenceSvc.Verify(r.Context(), evidenceID, s.actorAddress(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEvidenceResponse(e))
}

type castVoteRequest struct {
	Choice         string   `json:"choice"`
	PartialPercent *float64 `json:"partialPercent"`
	Reason         *string  `json:"reason"`
	Signature      []byte   `json:"signature"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request, disputeID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req castVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	v, err := s.ctrl.CastVote(r.Context(), voting.CastParams{
		DisputeID:      disputeID,
		Voter:          s.actorAddress(r),
		Choice:         voting.Choice(req.Choice),
		PartialPercent: req.PartialPercent,
		Reason:         req.Reason,
		Signature:      req.Signature,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVoteResponse(v))
}

func (s *Server) handleTally(w http.ResponseWriter, r *http.Request, disputeID string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	t, err := s.votes.Tally(r.Context(), disputeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAppeal(w http.ResponseWriter, r *http.Request, disputeID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.ctrl.Appeal(r.Context(), disputeID, s.actorAddress(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	d, err := s.disputes.Get(r.Context(), disputeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

type rulingRequest struct {
	Outcome        string `json:"outcome"`
	ReleasePercent int    `json:"releasePercent"`
	Rationale      string `json:"rationale"`
}

func (s *Server) handleRuling(w http.ResponseWriter, r *http.Request, disputeID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var tier dispute.Tier
	switch requestRole(r) {
	case auth.RoleCreator:
		tier = dispute.TierCreator
	case auth.RoleCouncil, auth.RoleAdmin:
		tier = dispute.TierCouncil
	default:
		writeJSONError(w, http.StatusForbidden, "creator, council or admin role required")
		return
	}

	var req rulingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	dec, err := s.ctrl.Ruling(r.Context(), disputeID, tier, resolution.Outcome(req.Outcome), req.ReleasePercent, req.Rationale, s.actorAddress(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDecisionResponse(dec))
}

func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request, disputeID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if requestRole(r) != auth.RoleAdmin {
		writeJSONError(w, http.StatusForbidden, "admin role required")
		return
	}
	if err := s.disputes.ForceClose(r.Context(), disputeID, s.actorAddress(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request, disputeID string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	filters := timeline.Filters{}
	if types := r.URL.Query().Get("types"); types != "" {
		filters.Types = strings.Split(types, ",")
	}
	events, err := s.events.List(r.Context(), disputeID, filters)
	if err != nil {
		s.internalError(w, err)
		return
	}
	resp := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, listResponse[eventResponse]{Items: resp, Total: len(resp)})
}

// writeDomainError maps sentinel errors onto the HTTP surface.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, evidence.ErrNotFound),
		errors.Is(err, resolution.ErrNoDecision):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, voting.ErrDuplicateVote),
		errors.Is(err, resolution.ErrNotAppealable),
		errors.Is(err, dispute.ErrInvalidTransition),
		errors.Is(err, dispute.ErrClosed),
		errors.Is(err, evidence.ErrDisputeClosed),
		errors.Is(err, voting.ErrVotingClosed),
		errors.Is(err, escalation.ErrWrongTier):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, voting.ErrInvalidVoteWeight):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, voting.ErrInvalidPartialPercent),
		errors.Is(err, voting.ErrInvalidChoice),
		errors.Is(err, voting.ErrNoEligibleWeight),
		errors.Is(err, evidence.ErrInvalidKind),
		errors.Is(err, resolution.ErrInvalidSplit):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	log.Printf("api: %v", err)
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
