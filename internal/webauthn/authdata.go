package webauthn

import (
	"encoding/base64"

	"scriptcustody/internal/fault"
)

// Authenticator flag bits (flags byte of the authenticator data).
const (
	flagUserPresent  = 0x01
	flagUserVerified = 0x04
)

// authenticator data layout: rpIdHash[32] | flags[1] | signCount[4] | ...
const minAuthDataLen = 37

// AuthData is the subset of the authenticator data the adapter inspects.
// The attestation itself is treated as opaque.
type AuthData struct {
	Flags        byte
	UserPresent  bool
	UserVerified bool
	SignCount    uint32
}

// ParseAuthData decodes a base64 authenticator-data blob and extracts the
// flag byte and sign counter. Both base64url and standard alphabets are
// accepted since clients differ.
func ParseAuthData(encoded string) (AuthData, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return AuthData{}, fault.Wrap(fault.Validation, fault.CodeBadInput, err, "authenticator data is not base64")
	}
	if len(raw) < minAuthDataLen {
		return AuthData{}, fault.New(fault.Validation, fault.CodeBadInput,
			"authenticator data too short: %d bytes", len(raw))
	}
	flags := raw[32]
	return AuthData{
		Flags:        flags,
		UserPresent:  flags&flagUserPresent != 0,
		UserVerified: flags&flagUserVerified != 0,
		SignCount:    uint32(raw[33])<<24 | uint32(raw[34])<<16 | uint32(raw[35])<<8 | uint32(raw[36]),
	}, nil
}

// ScoreFlags derives the 0-100 confidence score from the flag byte.
// This is the single authoritative weighting for both enrollment and
// assertion: base 50, +20 user-present, +30 user-verified, capped at 100.
func ScoreFlags(flags byte) int {
	score := 50
	if flags&flagUserPresent != 0 {
		score += 20
	}
	if flags&flagUserVerified != 0 {
		score += 30
	}
	if score > 100 {
		score = 100
	}
	return score
}
