package escalation

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Rules carries the tunable thresholds of the escalation path. Loaded once at
// startup and immutable afterwards.
type Rules struct {
	// AutoResolveThreshold is the oracle consensus percent at or above which
	// a dispute is decided without human input.
	AutoResolveThreshold float64
	// CommunityVoteThreshold is the oracle consensus percent at or above
	// which a dispute goes to a community vote instead of the creator.
	CommunityVoteThreshold float64
	// QuorumPercent is the share of eligible weight that must participate
	// for a vote to bind.
	QuorumPercent float64

	VotingDuration    time.Duration
	EscalationTimeout time.Duration
	AppealWindow      time.Duration
	SweepInterval     time.Duration

	DeliveryMaxAttempts int
}

// DefaultRules returns the production defaults.
func DefaultRules() Rules {
	return Rules{
		AutoResolveThreshold:   90,
		CommunityVoteThreshold: 50,
		QuorumPercent:          25,
		VotingDuration:         72 * time.Hour,
		EscalationTimeout:      120 * time.Hour,
		AppealWindow:           48 * time.Hour,
		SweepInterval:          time.Minute,
		DeliveryMaxAttempts:    5,
	}
}

// LoadRules reads overrides from the environment on top of the defaults.
func LoadRules() (Rules, error) {
	r := DefaultRules()
	var err error
	if r.AutoResolveThreshold, err = envPercent("AUTO_RESOLVE_THRESHOLD", r.AutoResolveThreshold); err != nil {
		return Rules{}, err
	}
	if r.CommunityVoteThreshold, err = envPercent("COMMUNITY_VOTE_THRESHOLD", r.CommunityVoteThreshold); err != nil {
		return Rules{}, err
	}
	if r.QuorumPercent, err = envPercent("QUORUM_PERCENT", r.QuorumPercent); err != nil {
		return Rules{}, err
	}
	if r.VotingDuration, err = envDuration("VOTING_DURATION", r.VotingDuration); err != nil {
		return Rules{}, err
	}
	if r.EscalationTimeout, err = envDuration("ESCALATION_TIMEOUT", r.EscalationTimeout); err != nil {
		return Rules{}, err
	}
	if r.AppealWindow, err = envDuration("APPEAL_WINDOW", r.AppealWindow); err != nil {
		return Rules{}, err
	}
	if r.SweepInterval, err = envDuration("SWEEP_INTERVAL", r.SweepInterval); err != nil {
		return Rules{}, err
	}
	if v := os.Getenv("DELIVERY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Rules{}, fmt.Errorf("escalation: invalid DELIVERY_MAX_ATTEMPTS %q", v)
		}
		r.DeliveryMaxAttempts = n
	}
	if r.CommunityVoteThreshold > r.AutoResolveThreshold {
		return Rules{}, fmt.Errorf("escalation: community threshold %.1f above auto-resolve threshold %.1f",
			r.CommunityVoteThreshold, r.AutoResolveThreshold)
	}
	return r, nil
}

func envPercent(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 100 {
		return 0, fmt.Errorf("escalation: invalid %s %q", key, v)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("escalation: invalid %s %q", key, v)
	}
	return d, nil
}
