package oracle

import "time"

// Response is one oracle's attestation about a milestone. Success reports
// whether the oracle considers the milestone completed; Data carries the raw
// attestation payload and is passed through untouched.
type Response struct {
	OracleID  string
	Success   bool
	Data      map[string]any
	Timestamp time.Time
}

// Consensus aggregates responses into an agreement percentage. The agreeing
// set is the majority answer; percent is its share of all responses.
// completed is true when the majority of oracles report success, requiring a
// strict majority so an even split never auto-releases funds.
func Consensus(responses []Response) (percent float64, completed bool) {
	if len(responses) == 0 {
		return 0, false
	}
	success := 0
	for _, r := range responses {
		if r.Success {
			success++
		}
	}
	failure := len(responses) - success
	agreeing := success
	if failure > agreeing {
		agreeing = failure
	}
	percent = float64(agreeing) / float64(len(responses)) * 100
	return percent, success > failure
}
