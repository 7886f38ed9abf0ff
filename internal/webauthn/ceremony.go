package webauthn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"scriptcustody/internal/fault"
)

const (
	purposeEnroll = "enroll"
	purposeAssert = "assert"

	// insecureChallenge stands in for a real challenge when the adapter
	// runs in insecure dev mode without redis.
	insecureChallenge = "insecure-dev-challenge"
)

// Options are the ceremony parameters handed to the client before it
// invokes the platform authenticator.
type Options struct {
	Challenge          string   `json:"challenge"`
	RelyingPartyID     string   `json:"rp_id"`
	UserID             string   `json:"user_id"`
	AllowedCredentials []string `json:"allowed_credentials,omitempty"`
	TimeoutMillis      int64    `json:"timeout_ms"`
	RequireUserVerify  bool     `json:"require_user_verification"`
}

// CeremonyResult is the completed ceremony posted back by the client.
// AuthenticatorData and the public key are opaque attestations; only the
// flag byte is inspected here.
type CeremonyResult struct {
	CredentialID      string `json:"credential_id"`
	AuthenticatorData string `json:"authenticator_data"`
	ClientDataJSON    string `json:"client_data_json"`
	PublicKey         string `json:"public_key,omitempty"`
	DeviceID          string `json:"device_id,omitempty"`
	// ClientError carries the DOMException name when the ceremony failed
	// on the client before producing a result.
	ClientError string `json:"client_error,omitempty"`
}

// VerifyResult is the outcome of a successful assertion.
type VerifyResult struct {
	Success      bool   `json:"success"`
	Confidence   int    `json:"confidence"`
	CredentialID string `json:"credential_id"`
	StudentID    string `json:"student_id"`
}

// DeviceSupport is the client-probed capability report. When Available is
// false the caller must offer QR or manual-entry flows instead.
type DeviceSupport struct {
	Available             bool   `json:"available"`
	PlatformAuthenticator bool   `json:"platform_authenticator"`
	Type                  string `json:"type"`
}

// Adapter bridges the platform's asymmetric-challenge ceremony to the
// attendance domain.
type Adapter struct {
	challenges ChallengeStore
	creds      CredentialStore

	rpID      string
	timeout   time.Duration
	minEnroll int
	minVerify int
	insecure  bool
}

// New builds a ceremony adapter. insecure skips the challenge store and is
// for dev only.
func New(challenges ChallengeStore, creds CredentialStore, rpID string, timeout time.Duration, minEnroll, minVerify int, insecure bool) *Adapter {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Adapter{
		challenges: challenges,
		creds:      creds,
		rpID:       rpID,
		timeout:    timeout,
		minEnroll:  minEnroll,
		minVerify:  minVerify,
		insecure:   insecure,
	}
}

// BeginEnrollment issues enrollment ceremony options for a student.
func (a *Adapter) BeginEnrollment(ctx context.Context, studentID string) (Options, error) {
	if studentID == "" {
		return Options{}, fault.New(fault.Validation, fault.CodeBadInput, "student id required")
	}
	challenge, err := a.issue(ctx, purposeEnroll, studentID)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Challenge:         challenge,
		RelyingPartyID:    a.rpID,
		UserID:            studentID,
		TimeoutMillis:     a.timeout.Milliseconds(),
		RequireUserVerify: true,
	}, nil
}

// FinishEnrollment validates the completed create() ceremony, scores the
// flag byte, and persists the credential. Enrollment below the minimum
// confidence is rejected outright and must be retried, never lowered.
func (a *Adapter) FinishEnrollment(ctx context.Context, studentID string, result CeremonyResult) (Credential, error) {
	if err := a.check(ctx, purposeEnroll, studentID, result); err != nil {
		return Credential{}, err
	}
	ad, err := ParseAuthData(result.AuthenticatorData)
	if err != nil {
		return Credential{}, err
	}
	if !ad.UserPresent || !ad.UserVerified {
		return Credential{}, fault.New(fault.Security, fault.CodeLowConfidence,
			"enrollment requires user presence and verified biometric")
	}
	confidence := ScoreFlags(ad.Flags)
	if confidence < a.minEnroll {
		return Credential{}, fault.New(fault.Security, fault.CodeLowConfidence,
			"enrollment confidence %d below required %d", confidence, a.minEnroll)
	}
	return a.creds.Insert(ctx, Credential{
		StudentID:    studentID,
		CredentialID: result.CredentialID,
		PublicKey:    result.PublicKey,
		DeviceID:     result.DeviceID,
		Confidence:   confidence,
	})
}

// BeginAssertion issues assertion ceremony options, listing the student's
// enrolled credential ids.
func (a *Adapter) BeginAssertion(ctx context.Context, studentID string) (Options, error) {
	if studentID == "" {
		return Options{}, fault.New(fault.Validation, fault.CodeBadInput, "student id required")
	}
	creds, err := a.creds.ByStudent(ctx, studentID)
	if err != nil {
		return Options{}, err
	}
	if len(creds) == 0 {
		return Options{}, fault.New(fault.NotFound, fault.CodeNoCredential,
			"no enrolled credential for student %s", studentID)
	}
	allowed := make([]string, 0, len(creds))
	for _, c := range creds {
		allowed = append(allowed, c.CredentialID)
	}
	challenge, err := a.issue(ctx, purposeAssert, studentID)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Challenge:          challenge,
		RelyingPartyID:     a.rpID,
		UserID:             studentID,
		AllowedCredentials: allowed,
		TimeoutMillis:      a.timeout.Milliseconds(),
		RequireUserVerify:  true,
	}, nil
}

// FinishAssertion validates a completed get() ceremony against the
// required confidence threshold. Below-threshold is a failed identity
// proof with a distinct LOW_CONFIDENCE code, never a partial success.
func (a *Adapter) FinishAssertion(ctx context.Context, studentID string, result CeremonyResult, requiredConfidence int) (VerifyResult, error) {
	if requiredConfidence <= 0 {
		requiredConfidence = a.minVerify
	}
	cred, err := a.creds.ByCredentialID(ctx, result.CredentialID)
	if err != nil {
		return VerifyResult{}, err
	}
	if cred == nil || cred.StudentID != studentID {
		return VerifyResult{}, fault.New(fault.NotFound, fault.CodeNoCredential,
			"credential %s not enrolled for student %s", result.CredentialID, studentID)
	}
	if err := a.check(ctx, purposeAssert, studentID, result); err != nil {
		return VerifyResult{}, err
	}
	ad, err := ParseAuthData(result.AuthenticatorData)
	if err != nil {
		return VerifyResult{}, err
	}
	confidence := ScoreFlags(ad.Flags)
	if confidence < requiredConfidence {
		return VerifyResult{}, fault.New(fault.Security, fault.CodeLowConfidence,
			"verification confidence %d below required %d", confidence, requiredConfidence)
	}
	return VerifyResult{
		Success:      true,
		Confidence:   confidence,
		CredentialID: cred.CredentialID,
		StudentID:    cred.StudentID,
	}, nil
}

func (a *Adapter) issue(ctx context.Context, purpose, studentID string) (string, error) {
	if a.insecure {
		return insecureChallenge, nil
	}
	return a.challenges.Issue(ctx, purpose, studentID, a.timeout)
}

// check maps client-reported ceremony failures and verifies the echoed
// challenge against the single-use issued one.
func (a *Adapter) check(ctx context.Context, purpose, studentID string, result CeremonyResult) error {
	if result.ClientError != "" {
		return MapClientError(result.ClientError)
	}
	if result.CredentialID == "" || result.AuthenticatorData == "" {
		return fault.New(fault.Validation, fault.CodeBadInput, "incomplete ceremony result")
	}
	echoed, err := challengeFromClientData(result.ClientDataJSON)
	if err != nil {
		return err
	}
	if a.insecure {
		if echoed != insecureChallenge {
			return fault.New(fault.Security, fault.CodeTimeout, "challenge mismatch")
		}
		return nil
	}
	issued, err := a.challenges.Consume(ctx, purpose, studentID)
	if err != nil {
		return err
	}
	if echoed != issued {
		return fault.New(fault.Security, fault.CodeTimeout, "challenge mismatch")
	}
	return nil
}

// challengeFromClientData pulls the echoed challenge out of the client
// data blob (base64 of {"type":...,"challenge":...,"origin":...}).
func challengeFromClientData(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(encoded)
	}
	if err != nil {
		// Some clients post the JSON un-encoded.
		raw = []byte(encoded)
	}
	var cd struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(raw, &cd); err != nil {
		return "", fault.Wrap(fault.Validation, fault.CodeBadInput, err, "malformed client data")
	}
	if cd.Challenge == "" {
		return "", fault.New(fault.Validation, fault.CodeBadInput, "client data missing challenge")
	}
	return cd.Challenge, nil
}

// MapClientError converts a DOMException name reported by the browser
// into the adapter's error taxonomy.
func MapClientError(name string) error {
	switch name {
	case "NotAllowedError", "AbortError":
		return fault.New(fault.External, fault.CodeUserCancelled, "ceremony cancelled by user")
	case "NotSupportedError", "ConstraintError":
		return fault.New(fault.External, fault.CodeUnsupported, "authenticator not supported on this device")
	case "SecurityError":
		return fault.New(fault.External, fault.CodeInsecureContext, "ceremony requires a secure context")
	case "TimeoutError":
		return fault.New(fault.External, fault.CodeTimeout, "ceremony timed out")
	default:
		return fault.New(fault.External, fault.CodeUnavailable, "ceremony failed: %s", name)
	}
}
