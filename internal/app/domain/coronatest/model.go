package coronatest

import "time"

// Result is the laboratory outcome for a registered test.
type Result string

const (
	ResultPending  Result = "pending"
	ResultNegative Result = "negative"
	ResultPositive Result = "positive"
	ResultInvalid  Result = "invalid"
	ResultExpired  Result = "expired"
)

// Terminal reports whether no further polling can change the result.
func (r Result) Terminal() bool {
	return r != ResultPending
}

// Type mirrors the laboratory test type.
type Type string

const (
	TypePCR     Type = "pcr"
	TypeAntigen Type = "antigen"
)

// Test is one registered corona test tracked by the lifecycle manager.
type Test struct {
	ID    string
	Token string
	Type  Type
	LabID string

	RegisteredAt         time.Time
	PointOfCareConsentAt time.Time

	Result           Result
	ResultReceivedAt time.Time

	// Side-effect latches. Each fires at most once per transition into a
	// terminal, previously-unseen result.
	NotificationSent  bool
	DiaryEntryCreated bool

	CertificateSupported bool
	CertificateRequested bool

	Loading bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OperativeDate is the instant the aging horizon counts from: the
// registration date, or the point-of-care consent date when registration
// carries no timestamp.
func (t Test) OperativeDate() time.Time {
	if !t.RegisteredAt.IsZero() {
		return t.RegisteredAt
	}
	return t.PointOfCareConsentAt
}
