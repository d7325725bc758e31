package person

import (
	"time"

	"github.com/certware/walletcore/internal/app/domain/certificate"
)

// WalletInfo is externally evaluated admission/booster data attached to a
// person. The engine stores it verbatim; only BlockedUCIs feeds back into
// certificate classification.
type WalletInfo struct {
	AdmissionState     string
	BoosterRuleID      string
	ReissuanceRequired bool
	BlockedUCIs        []string
	EvaluatedAt        time.Time
}

// Person is one holder identity derived from the certificate set. Persons are
// recomputed wholesale from the certificates; only the last grouping is cached
// for UI stability, it is never ground truth.
type Person struct {
	ID           string
	GroupKey     string
	Certificates []certificate.Certificate
	Preferred    bool
	WalletInfo   *WalletInfo

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UnseenNews counts certificates whose state changed since the holder last
// looked. Derived, never stored.
func (p Person) UnseenNews() int {
	n := 0
	for _, c := range p.Certificates {
		if c.IsNewState {
			n++
		}
		if c.IsNewlyAdded {
			n++
		}
	}
	return n
}

// Contains reports whether the person holds the certificate with the UCI.
func (p Person) Contains(uci string) bool {
	for _, c := range p.Certificates {
		if c.UCI == uci {
			return true
		}
	}
	return false
}
