package models

import (
	"fmt"
	"math"
	"strings"
)

const KYCVerified = "VERIFIED"

// Identity derives unified identifiers (VPAs) from phone numbers.
// DeriveVPA must stay a pure function of its input: graph upserts and
// feature cache keys depend on it resolving to the same value every run.
type Identity struct {
	Suffix        string // e.g. "@okaxis"
	CountryPrefix string // stripped from raw phone numbers, e.g. "+91"
}

// DefaultIdentity returns the identity scheme used by the gateway
func DefaultIdentity() Identity {
	return Identity{Suffix: "@okaxis", CountryPrefix: "+91"}
}

// NormalizePhone strips whitespace and the country prefix
func (id Identity) NormalizePhone(raw string) string {
	phone := strings.TrimSpace(raw)
	if id.CountryPrefix != "" {
		phone = strings.TrimPrefix(phone, id.CountryPrefix)
	}
	return strings.TrimSpace(phone)
}

// DeriveVPA returns the unified identifier for a raw phone number
func (id Identity) DeriveVPA(rawPhone string) (string, error) {
	phone := id.NormalizePhone(rawPhone)
	if phone == "" {
		return "", fmt.Errorf("empty phone number")
	}
	return phone + id.Suffix, nil
}

// PhoneFromVPA inverts DeriveVPA, returning the normalized phone number
func (id Identity) PhoneFromVPA(vpa string) (string, error) {
	local, _, found := strings.Cut(strings.TrimSpace(vpa), "@")
	if !found || local == "" {
		return "", fmt.Errorf("malformed VPA: %q", vpa)
	}
	return local, nil
}

// SourcePhoneForms returns the phone spellings the gateway may have stored
// for a normalized phone number
func (id Identity) SourcePhoneForms(phone string) []string {
	if id.CountryPrefix == "" {
		return []string{phone}
	}
	return []string{phone, id.CountryPrefix + phone}
}

// NormalizeRisk maps a 0-100 source risk score to 0.0-1.0
func NormalizeRisk(raw float64) float64 {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0
	}
	return clamp01(raw / 100.0)
}

// KYCFlag maps a KYC status to the 0/1 feature flag
func KYCFlag(status string) float64 {
	if strings.TrimSpace(status) == KYCVerified {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
