package issuance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/certware/walletcore/internal/app/domain/certificate"
)

// ParseCertificate turns a decrypted certificate document into the domain
// model. The document carries exactly one entry under "v", "t" or "r".
func ParseCertificate(raw []byte) (certificate.Certificate, error) {
	if !gjson.ValidBytes(raw) {
		return certificate.Certificate{}, fmt.Errorf("%w: not a valid document", ErrPayloadParsing)
	}
	doc := gjson.ParseBytes(raw)

	entryType, entry, ok := findEntry(doc)
	if !ok {
		return certificate.Certificate{}, fmt.Errorf("%w: no health entry present", ErrPayloadParsing)
	}

	uci := entry.Get("ci").String()
	if uci == "" {
		return certificate.Certificate{}, fmt.Errorf("%w: entry has no certificate identifier", ErrPayloadParsing)
	}

	name := certificate.Name{
		FamilyName:             doc.Get("nam.fn").String(),
		GivenName:              doc.Get("nam.gn").String(),
		StandardizedFamilyName: doc.Get("nam.fnt").String(),
		StandardizedGivenName:  doc.Get("nam.gnt").String(),
	}
	if name.StandardizedFamilyName == "" && name.StandardizedGivenName == "" {
		return certificate.Certificate{}, fmt.Errorf("%w: document has no standardized name", ErrPayloadParsing)
	}

	cert := certificate.Certificate{
		UCI:         uci,
		Payload:     string(raw),
		Name:        name,
		DateOfBirth: doc.Get("dob").String(),
		Entry:       entryType,
		IssuedAt:    time.Unix(doc.Get("iat").Int(), 0).UTC(),
		ExpiresAt:   time.Unix(doc.Get("exp").Int(), 0).UTC(),
		Hashes:      DeriveHashes(raw, uci, entry.Get("co").String()),
		TrustState:  certificate.StateValid,
	}
	return cert, nil
}

func findEntry(doc gjson.Result) (certificate.EntryType, gjson.Result, bool) {
	if v := doc.Get("v.0"); v.Exists() {
		return certificate.EntryVaccination, v, true
	}
	if t := doc.Get("t.0"); t.Exists() {
		return certificate.EntryTest, t, true
	}
	if r := doc.Get("r.0"); r.Exists() {
		return certificate.EntryRecovery, r, true
	}
	return "", gjson.Result{}, false
}

// DeriveHashes computes the three revocation lookup hashes: over the signed
// payload, over the UCI, and over country code plus UCI.
func DeriveHashes(payload []byte, uci, country string) certificate.RevocationHashes {
	return certificate.RevocationHashes{
		Signature:  hashHex(payload),
		UCI:        hashHex([]byte(uci)),
		CountryUCI: hashHex([]byte(country + uci)),
	}
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
