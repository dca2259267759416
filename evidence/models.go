package evidence

import "time"

// Kind classifies the submitted content.
type Kind string

const (
	KindDocument    Kind = "document"
	KindScreenshot  Kind = "screenshot"
	KindAPIResponse Kind = "api_response"
	KindAttestation Kind = "attestation"
	KindLink        Kind = "link"
	KindText        Kind = "text"
)

func ValidKind(k Kind) bool {
	switch k {
	case KindDocument, KindScreenshot, KindAPIResponse, KindAttestation, KindLink, KindText:
		return true
	default:
		return false
	}
}

// Evidence is one append-only ledger entry tied to a dispute. Records are
// never mutated after creation; verification only flips the flag.
type Evidence struct {
	ID            string
	DisputeID     string
	SubmittedBy   string
	Kind          Kind
	Content       string
	ContentSHA256 string
	Verified      bool
	VerifiedBy    *string
	CreatedAt     time.Time
}
