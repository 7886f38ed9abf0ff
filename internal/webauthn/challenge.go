package webauthn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/redis/go-redis/v9"

	"scriptcustody/internal/fault"
)

// ChallengeStore issues and consumes single-use ceremony challenges.
type ChallengeStore interface {
	Issue(ctx context.Context, purpose, studentID string, ttl time.Duration) (string, error)
	Consume(ctx context.Context, purpose, studentID string) (string, error)
}

// RedisChallenges keeps challenges in redis with a TTL; each challenge is
// consumed at most once.
type RedisChallenges struct {
	client *redis.Client
}

// NewRedisChallenges wraps a redis client.
func NewRedisChallenges(client *redis.Client) *RedisChallenges {
	return &RedisChallenges{client: client}
}

func challengeKey(purpose, studentID string) string {
	return "wa:chal:" + purpose + ":" + studentID
}

// Issue creates a fresh 32-byte random challenge, replacing any previous
// one for the same student and purpose.
func (s *RedisChallenges) Issue(ctx context.Context, purpose, studentID string, ttl time.Duration) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fault.Wrap(fault.External, fault.CodeUnavailable, err, "challenge generation failed")
	}
	challenge := base64.RawURLEncoding.EncodeToString(buf)
	if err := s.client.Set(ctx, challengeKey(purpose, studentID), challenge, ttl).Err(); err != nil {
		return "", fault.Wrap(fault.Transient, fault.CodeUnavailable, err, "challenge store unavailable")
	}
	return challenge, nil
}

// Consume removes and returns the outstanding challenge. An absent key
// means the ceremony timed out or was never started.
func (s *RedisChallenges) Consume(ctx context.Context, purpose, studentID string) (string, error) {
	challenge, err := s.client.GetDel(ctx, challengeKey(purpose, studentID)).Result()
	if err == redis.Nil {
		return "", fault.New(fault.External, fault.CodeTimeout, "no outstanding challenge; ceremony expired")
	}
	if err != nil {
		return "", fault.Wrap(fault.Transient, fault.CodeUnavailable, err, "challenge store unavailable")
	}
	return challenge, nil
}
