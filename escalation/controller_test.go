package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"disputeflow/dispute"
	"disputeflow/evidence"
	"disputeflow/oracle"
	"disputeflow/resolution"
	"disputeflow/voting"
)

func newTestController(disputes *fakeDisputeService, votes *fakeVotingService, decisions *fakeResolutionService, reg *fakeRegistry) *Controller {
	return NewController(disputes, votes, decisions, &fakeEvidenceService{}, reg, DefaultRules()).
		WithLogger(func(string, ...any) {})
}

func oracleResponses(success, failure int) []oracle.Response {
	var rs []oracle.Response
	for i := 0; i < success; i++ {
		rs = append(rs, oracle.Response{OracleID: "o", Success: true})
	}
	for i := 0; i < failure; i++ {
		rs = append(rs, oracle.Response{OracleID: "o", Success: false})
	}
	return rs
}

func TestOpen_StrongConsensusAutoResolves(t *testing.T) {
	disputes := &fakeDisputeService{}
	decisions := &fakeResolutionService{}
	ctrl := newTestController(disputes, &fakeVotingService{}, decisions, &fakeRegistry{total: 5000, backers: 3})

	// 19 of 20 success = 95% consensus, above the 90 default.
	_, err := ctrl.Open(context.Background(), OpenParams{
		CampaignID:      "c1",
		PledgeIDs:       []string{"p1"},
		Category:        dispute.CategoryMilestoneContest,
		Title:           "milestone 2 contested",
		RaisedBy:        "addr-1",
		OracleResponses: oracleResponses(19, 1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if disputes.created.Tier != dispute.TierAutomated {
		t.Fatalf("expected automated tier, got %s", disputes.created.Tier)
	}
	if len(decisions.recorded) != 1 {
		t.Fatalf("expected immediate decision, got %d", len(decisions.recorded))
	}
	if decisions.recorded[0].Draft.Outcome != resolution.OutcomeRelease {
		t.Fatalf("oracle success majority should release, got %s", decisions.recorded[0].Draft.Outcome)
	}
	if disputes.created.TotalEscrowedAmount != 5000 || disputes.created.AffectedBackerCount != 3 {
		t.Fatalf("stake not carried onto dispute: %+v", disputes.created)
	}
}

func TestOpen_StrongFailureConsensusRefunds(t *testing.T) {
	disputes := &fakeDisputeService{}
	decisions := &fakeResolutionService{}
	ctrl := newTestController(disputes, &fakeVotingService{}, decisions, &fakeRegistry{})

	_, err := ctrl.Open(context.Background(), OpenParams{
		CampaignID:      "c1",
		PledgeIDs:       []string{"p1"},
		Category:        dispute.CategoryOracleConflict,
		Title:           "delivery failed",
		RaisedBy:        "addr-1",
		OracleResponses: oracleResponses(1, 19),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decisions.recorded[0].Draft.Outcome != resolution.OutcomeRefund {
		t.Fatalf("oracle failure majority should refund, got %s", decisions.recorded[0].Draft.Outcome)
	}
}

func TestOpen_ModerateConsensusOpensVoting(t *testing.T) {
	disputes := &fakeDisputeService{}
	votes := &fakeVotingService{}
	reg := &fakeRegistry{voters: map[string]int64{"a": 400, "b": 200}}
	ctrl := newTestController(disputes, votes, &fakeResolutionService{}, reg)

	// 13 of 20 = 65%: between community (50) and auto-resolve (90).
	_, err := ctrl.Open(context.Background(), OpenParams{
		CampaignID:      "c1",
		PledgeIDs:       []string{"p1"},
		Category:        dispute.CategoryMilestoneContest,
		Title:           "contested",
		RaisedBy:        "addr-1",
		OracleResponses: oracleResponses(13, 7),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if disputes.created.Tier != dispute.TierCommunity {
		t.Fatalf("expected community tier, got %s", disputes.created.Tier)
	}
	if len(votes.opened) != 1 {
		t.Fatalf("expected voting to open, got %d", len(votes.opened))
	}
	if votes.opened[0].Duration != DefaultRules().VotingDuration {
		t.Fatalf("unexpected voting duration %v", votes.opened[0].Duration)
	}
}

func TestOpen_NoOraclesGoesToCreator(t *testing.T) {
	disputes := &fakeDisputeService{}
	votes := &fakeVotingService{}
	ctrl := newTestController(disputes, votes, &fakeResolutionService{}, &fakeRegistry{})

	_, err := ctrl.Open(context.Background(), OpenParams{
		CampaignID: "c1",
		PledgeIDs:  []string{"p1"},
		Category:   dispute.CategoryFraudClaim,
		Title:      "impersonation",
		RaisedBy:   "addr-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if disputes.created.Tier != dispute.TierCreator {
		t.Fatalf("expected creator tier, got %s", disputes.created.Tier)
	}
	if len(votes.opened) != 0 {
		t.Fatal("creator tier must not open voting")
	}
	if disputes.created.ConsensusPercent != nil {
		t.Fatal("no oracle responses means no consensus percent")
	}
}

func TestOpen_NoEligibleWeightFallsBackToCreator(t *testing.T) {
	disputes := &fakeDisputeService{}
	votes := &fakeVotingService{openErr: voting.ErrNoEligibleWeight}
	ctrl := newTestController(disputes, votes, &fakeResolutionService{}, &fakeRegistry{})

	_, err := ctrl.Open(context.Background(), OpenParams{
		CampaignID:      "c1",
		PledgeIDs:       []string{"p1"},
		Category:        dispute.CategoryMilestoneContest,
		Title:           "contested",
		RaisedBy:        "addr-1",
		OracleResponses: oracleResponses(13, 7),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(disputes.escalations) != 1 || disputes.escalations[0].Reason != "no_eligible_weight" {
		t.Fatalf("expected fallback escalation, got %+v", disputes.escalations)
	}
	if disputes.escalations[0].Tier != dispute.TierCreator {
		t.Fatalf("expected creator fallback, got %s", disputes.escalations[0].Tier)
	}
}

func TestClassifyTier_Boundaries(t *testing.T) {
	ctrl := newTestController(&fakeDisputeService{}, &fakeVotingService{}, &fakeResolutionService{}, &fakeRegistry{})
	cases := []struct {
		percent *float64
		want    dispute.Tier
	}{
		{pct(90), dispute.TierAutomated},
		{pct(89.9), dispute.TierCommunity},
		{pct(50), dispute.TierCommunity},
		{pct(49.9), dispute.TierCreator},
		{nil, dispute.TierCreator},
	}
	for i, c := range cases {
		if got := ctrl.classifyTier(c.percent); got != c.want {
			t.Fatalf("case %d: got %s, want %s", i, got, c.want)
		}
	}
}

func TestAdvance_CouncilIsFinal(t *testing.T) {
	disputes := &fakeDisputeService{current: dispute.Dispute{ID: "d1", CurrentTier: dispute.TierCouncil, Status: dispute.StatusEscalated}}
	ctrl := newTestController(disputes, &fakeVotingService{}, &fakeResolutionService{}, &fakeRegistry{})

	err := ctrl.Advance(context.Background(), "d1", "timeout")
	if !errors.Is(err, ErrCouncilFinal) {
		t.Fatalf("expected ErrCouncilFinal, got %v", err)
	}
}

func TestAdvance_ToCommunityOpensVoting(t *testing.T) {
	disputes := &fakeDisputeService{current: dispute.Dispute{ID: "d1", CurrentTier: dispute.TierAutomated, Status: dispute.StatusReviewing}}
	votes := &fakeVotingService{}
	reg := &fakeRegistry{voters: map[string]int64{"a": 100}}
	ctrl := newTestController(disputes, votes, &fakeResolutionService{}, reg)

	if err := ctrl.Advance(context.Background(), "d1", "timeout"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(disputes.escalations) != 1 || disputes.escalations[0].Tier != dispute.TierCommunity {
		t.Fatalf("expected escalation to community, got %+v", disputes.escalations)
	}
	if len(votes.opened) != 1 {
		t.Fatal("expected voting to open at community tier")
	}
}

func TestAdvance_ToCreatorEscalatesStatus(t *testing.T) {
	disputes := &fakeDisputeService{current: dispute.Dispute{ID: "d1", CurrentTier: dispute.TierCommunity, Status: dispute.StatusVoting}}
	ctrl := newTestController(disputes, &fakeVotingService{}, &fakeResolutionService{}, &fakeRegistry{})

	if err := ctrl.Advance(context.Background(), "d1", "quorum_failed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	esc := disputes.escalations
	if len(esc) != 1 || esc[0].Tier != dispute.TierCreator || esc[0].ToStatus == nil || *esc[0].ToStatus != dispute.StatusEscalated {
		t.Fatalf("expected escalation to creator with escalated status, got %+v", esc)
	}
}

func TestCastVote_EarlyCloseOnFullTurnout(t *testing.T) {
	disputes := &fakeDisputeService{current: dispute.Dispute{ID: "d1", CurrentTier: dispute.TierCommunity, Status: dispute.StatusVoting}}
	votes := &fakeVotingService{
		allIn: true,
		tally: voting.Tally{
			QuorumReached: true, ConsensusReached: true,
			LeadingOption: voting.ChoiceRelease, LeadingPercent: 100,
		},
	}
	decisions := &fakeResolutionService{}
	ctrl := newTestController(disputes, votes, decisions, &fakeRegistry{})

	_, err := ctrl.CastVote(context.Background(), voting.CastParams{DisputeID: "d1", Voter: "a", Choice: voting.ChoiceRelease})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decisions.recorded) != 1 {
		t.Fatalf("expected early resolution, got %d decisions", len(decisions.recorded))
	}
	if decisions.recorded[0].Tally == nil {
		t.Fatal("expected tally frozen onto the decision")
	}
}

func TestCastVote_NoEarlyCloseWithoutConsensus(t *testing.T) {
	disputes := &fakeDisputeService{current: dispute.Dispute{ID: "d1", CurrentTier: dispute.TierCommunity, Status: dispute.StatusVoting}}
	votes := &fakeVotingService{
		allIn: true,
		tally: voting.Tally{QuorumReached: true, ConsensusReached: false},
	}
	decisions := &fakeResolutionService{}
	ctrl := newTestController(disputes, votes, decisions, &fakeRegistry{})

	if _, err := ctrl.CastVote(context.Background(), voting.CastParams{DisputeID: "d1", Voter: "a", Choice: voting.ChoiceRelease}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decisions.recorded) != 0 {
		t.Fatal("tie must not resolve")
	}
	if len(disputes.escalations) != 1 || disputes.escalations[0].Reason != "no_consensus" {
		t.Fatalf("expected no_consensus escalation, got %+v", disputes.escalations)
	}
}

func TestAppeal_ReopensOneTierUp(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(24 * time.Hour)
	disputes := &fakeDisputeService{current: dispute.Dispute{ID: "d1", CurrentTier: dispute.TierAutomated, Status: dispute.StatusResolved}}
	votes := &fakeVotingService{}
	decisions := &fakeResolutionService{current: resolution.Decision{
		ID: "dec1", DecidedBy: dispute.TierAutomated, Appealable: true, AppealDeadline: &deadline,
	}}
	reg := &fakeRegistry{voters: map[string]int64{"a": 100}}
	ctrl := newTestController(disputes, votes, decisions, reg).WithClock(func() time.Time { return now })

	if err := ctrl.Appeal(context.Background(), "d1", "addr-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(disputes.transitions) != 1 || disputes.transitions[0].Next != dispute.StatusAppealed {
		t.Fatalf("expected appealed transition, got %+v", disputes.transitions)
	}
	if len(disputes.escalations) != 1 || disputes.escalations[0].Tier != dispute.TierCommunity {
		t.Fatalf("automated appeal must reopen at community, got %+v", disputes.escalations)
	}
	if len(votes.opened) != 1 {
		t.Fatal("community appeal must open a fresh voting window")
	}
}

func TestAppeal_CouncilDecisionRejected(t *testing.T) {
	now := time.Now()
	disputes := &fakeDisputeService{current: dispute.Dispute{ID: "d1", Status: dispute.StatusResolved}}
	decisions := &fakeResolutionService{current: resolution.Decision{DecidedBy: dispute.TierCouncil, Appealable: false}}
	ctrl := newTestController(disputes, &fakeVotingService{}, decisions, &fakeRegistry{}).WithClock(func() time.Time { return now })

	if err := ctrl.Appeal(context.Background(), "d1", "addr-1"); !errors.Is(err, resolution.ErrNotAppealable) {
		t.Fatalf("expected ErrNotAppealable, got %v", err)
	}
}

func TestAppeal_LapsedWindowRejected(t *testing.T) {
	now := time.Now()
	lapsed := now.Add(-time.Hour)
	disputes := &fakeDisputeService{current: dispute.Dispute{ID: "d1", Status: dispute.StatusResolved}}
	decisions := &fakeResolutionService{current: resolution.Decision{
		DecidedBy: dispute.TierCommunity, Appealable: true, AppealDeadline: &lapsed,
	}}
	ctrl := newTestController(disputes, &fakeVotingService{}, decisions, &fakeRegistry{}).WithClock(func() time.Time { return now })

	if err := ctrl.Appeal(context.Background(), "d1", "addr-1"); !errors.Is(err, resolution.ErrNotAppealable) {
		t.Fatalf("expected ErrNotAppealable, got %v", err)
	}
}

func TestAppeal_NonResolvedRejected(t *testing.T) {
	disputes := &fakeDisputeService{current: dispute.Dispute{ID: "d1", Status: dispute.StatusVoting}}
	ctrl := newTestController(disputes, &fakeVotingService{}, &fakeResolutionService{}, &fakeRegistry{})

	if err := ctrl.Appeal(context.Background(), "d1", "addr-1"); !errors.Is(err, dispute.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRuling_TierRestricted(t *testing.T) {
	ctrl := newTestController(&fakeDisputeService{}, &fakeVotingService{}, &fakeResolutionService{}, &fakeRegistry{})
	if _, err := ctrl.Ruling(context.Background(), "d1", dispute.TierCommunity, resolution.OutcomeRelease, 100, "", "addr-1"); err == nil {
		t.Fatal("community tier must not rule manually")
	}
}

func TestRuling_RejectsTierMismatch(t *testing.T) {
	decisions := &fakeResolutionService{}
	disputes := &fakeDisputeService{current: dispute.Dispute{
		ID: "d1", Status: dispute.StatusEscalated, CurrentTier: dispute.TierCouncil,
	}}
	ctrl := newTestController(disputes, &fakeVotingService{}, decisions, &fakeRegistry{})

	_, err := ctrl.Ruling(context.Background(), "d1", dispute.TierCreator, resolution.OutcomeRelease, 100, "", "creator-1")
	if !errors.Is(err, ErrWrongTier) {
		t.Fatalf("expected ErrWrongTier, got %v", err)
	}
	if len(decisions.recorded) != 0 {
		t.Fatalf("no decision should be recorded, got %d", len(decisions.recorded))
	}
}

func TestRuling_RejectsLiveVote(t *testing.T) {
	decisions := &fakeResolutionService{}
	disputes := &fakeDisputeService{current: dispute.Dispute{
		ID: "d1", Status: dispute.StatusVoting, CurrentTier: dispute.TierCommunity,
	}}
	ctrl := newTestController(disputes, &fakeVotingService{}, decisions, &fakeRegistry{})

	_, err := ctrl.Ruling(context.Background(), "d1", dispute.TierCreator, resolution.OutcomeRelease, 100, "", "creator-1")
	if !errors.Is(err, ErrWrongTier) {
		t.Fatalf("expected ErrWrongTier, got %v", err)
	}
	if len(decisions.recorded) != 0 {
		t.Fatalf("a live vote must not be overridden, got %d decisions", len(decisions.recorded))
	}
}

func TestRuling_RecordsManualDecision(t *testing.T) {
	decisions := &fakeResolutionService{}
	disputes := &fakeDisputeService{current: dispute.Dispute{
		ID: "d1", Status: dispute.StatusEscalated, CurrentTier: dispute.TierCouncil,
	}}
	ctrl := newTestController(disputes, &fakeVotingService{}, decisions, &fakeRegistry{})

	_, err := ctrl.Ruling(context.Background(), "d1", dispute.TierCouncil, resolution.OutcomePartial, 40, "split delivery", "council-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decisions.recorded) != 1 {
		t.Fatalf("expected one decision, got %d", len(decisions.recorded))
	}
	got := decisions.recorded[0]
	if got.Draft.ReleasePercent != 40 || got.Draft.RefundPercent != 60 || got.DecidedBy != dispute.TierCouncil {
		t.Fatalf("unexpected decision params: %+v", got)
	}
}

func pct(v float64) *float64 { return &v }

type fakeDisputeService struct {
	current     dispute.Dispute
	created     dispute.CreateParams
	transitions []dispute.TransitionParams
	escalations []dispute.EscalateParams
}

func (f *fakeDisputeService) Create(_ context.Context, params dispute.CreateParams) (dispute.Dispute, error) {
	f.created = params
	f.current = dispute.Dispute{
		ID:                  "d1",
		CampaignID:          params.CampaignID,
		PledgeIDs:           params.PledgeIDs,
		Status:              dispute.StatusPending,
		CurrentTier:         params.Tier,
		ConsensusPercent:    params.ConsensusPercent,
		TotalEscrowedAmount: params.TotalEscrowedAmount,
		AffectedBackerCount: params.AffectedBackerCount,
	}
	return f.current, nil
}

func (f *fakeDisputeService) Get(_ context.Context, _ string) (dispute.Dispute, error) {
	return f.current, nil
}

func (f *fakeDisputeService) Transition(_ context.Context, params dispute.TransitionParams) error {
	f.transitions = append(f.transitions, params)
	f.current.Status = params.Next
	return nil
}

func (f *fakeDisputeService) Escalate(_ context.Context, params dispute.EscalateParams) error {
	f.escalations = append(f.escalations, params)
	f.current.CurrentTier = params.Tier
	if params.ToStatus != nil {
		f.current.Status = *params.ToStatus
	}
	return nil
}

type fakeVotingService struct {
	opened  []voting.OpenParams
	openErr error
	allIn   bool
	tally   voting.Tally
}

func (f *fakeVotingService) Open(_ context.Context, params voting.OpenParams) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = append(f.opened, params)
	return nil
}

func (f *fakeVotingService) Cast(_ context.Context, params voting.CastParams) (voting.Vote, error) {
	return voting.Vote{DisputeID: params.DisputeID, Voter: params.Voter, Choice: params.Choice}, nil
}

func (f *fakeVotingService) Tally(_ context.Context, _ string) (voting.Tally, error) {
	return f.tally, nil
}

func (f *fakeVotingService) AllVotesIn(_ context.Context, _ string) (bool, error) {
	return f.allIn, nil
}

type fakeResolutionService struct {
	current  resolution.Decision
	recorded []resolution.RecordParams
}

func (f *fakeResolutionService) Record(_ context.Context, params resolution.RecordParams) (resolution.Decision, error) {
	f.recorded = append(f.recorded, params)
	return resolution.Decision{ID: "dec1", DisputeID: params.DisputeID, DecidedBy: params.DecidedBy}, nil
}

func (f *fakeResolutionService) Current(_ context.Context, _ string) (resolution.Decision, error) {
	if f.current.DecidedBy == "" {
		return resolution.Decision{}, resolution.ErrNoDecision
	}
	return f.current, nil
}

type fakeEvidenceService struct {
	submitted []evidence.SubmitParams
}

func (f *fakeEvidenceService) Submit(_ context.Context, params evidence.SubmitParams) (evidence.Evidence, error) {
	f.submitted = append(f.submitted, params)
	return evidence.Evidence{ID: "e1", DisputeID: params.DisputeID}, nil
}

type fakeRegistry struct {
	voters  map[string]int64
	total   int64
	backers int
}

func (f *fakeRegistry) EligibleVoters(_ context.Context, _ string, _ []string) (map[string]int64, error) {
	return f.voters, nil
}

func (f *fakeRegistry) Stake(_ context.Context, _ string, _ []string) (int64, int, error) {
	return f.total, f.backers, nil
}
