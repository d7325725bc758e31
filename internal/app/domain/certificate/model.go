package certificate

import (
	"strings"
	"time"
)

// EntryType identifies which kind of health entry a certificate carries.
type EntryType string

const (
	EntryVaccination EntryType = "vaccination"
	EntryTest        EntryType = "test"
	EntryRecovery    EntryType = "recovery"
)

// TrustState is the current classification of a certificate. States are
// ordered by precedence: a blocked certificate is blocked no matter how far
// it is from expiry.
type TrustState string

const (
	StateValid        TrustState = "valid"
	StateExpiringSoon TrustState = "expiringSoon"
	StateExpired      TrustState = "expired"
	StateInvalid      TrustState = "invalid"
	StateBlocked      TrustState = "blocked"
)

// Downgraded reports whether the state is one of the terminal bad states that
// should raise the unseen-news counter on first entry.
func (s TrustState) Downgraded() bool {
	return s == StateExpired || s == StateInvalid || s == StateBlocked
}

// Name carries the holder name as issued. The standardized fields use the
// ICAO transliteration with `<` separating name parts.
type Name struct {
	FamilyName             string
	GivenName              string
	StandardizedFamilyName string
	StandardizedGivenName  string
}

// RevocationHashes are the three lookup hashes derived from a certificate,
// one per revocation key-space.
type RevocationHashes struct {
	Signature  string // hash over the issuer signature
	UCI        string // hash over the UCI
	CountryUCI string // hash over country code + UCI
}

// Certificate is one signed health certificate. Identity is the UCI; a
// certificate belongs to exactly one person at any instant.
type Certificate struct {
	UCI         string
	Payload     string // opaque signed payload as received
	Name        Name
	DateOfBirth string
	Entry       EntryType
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Hashes      RevocationHashes

	TrustState   TrustState
	IsNewState   bool
	IsNewlyAdded bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DOBKey normalizes the date of birth for identity matching. Issuers disagree
// about whether a time component is attached, so everything past the date is
// dropped.
func (c Certificate) DOBKey() string {
	dob := strings.TrimSpace(c.DateOfBirth)
	if idx := strings.IndexAny(dob, "T "); idx >= 0 {
		dob = dob[:idx]
	}
	return dob
}
