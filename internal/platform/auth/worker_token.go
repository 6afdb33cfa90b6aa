package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	workerTokenIssuer   = "runqueue"
	workerTokenAudience = "runqueue-workers"
	minSecretLength     = 32
)

var (
	ErrWorkerTokenInvalid = errors.New("worker token is invalid")
	ErrWorkerTokenExpired = errors.New("worker token is expired")
)

// WorkerClaims binds a bearer token to one worker id (the JWT subject).
type WorkerClaims struct {
	ScheduleModes []string `json:"schedule_modes,omitempty"`
	jwt.RegisteredClaims
}

func (c WorkerClaims) WorkerID() string {
	return strings.TrimSpace(c.Subject)
}

func IssueWorkerToken(secret string, workerID string, scheduleModes []string, ttl time.Duration, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return "", errors.New("worker_id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	claims := WorkerClaims{
		ScheduleModes: scheduleModes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    workerTokenIssuer,
			Subject:   workerID,
			Audience:  jwt.ClaimStrings{workerTokenAudience},
			IssuedAt:  jwt.NewNumericDate(now.UTC()),
			NotBefore: jwt.NewNumericDate(now.UTC()),
			ExpiresAt: jwt.NewNumericDate(now.UTC().Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign worker token: %w", err)
	}
	return signed, nil
}

func VerifyWorkerToken(secret string, token string, now time.Time) (WorkerClaims, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return WorkerClaims{}, errors.New("secret is required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return WorkerClaims{}, ErrWorkerTokenInvalid
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var claims WorkerClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(workerTokenIssuer),
		jwt.WithAudience(workerTokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return WorkerClaims{}, ErrWorkerTokenExpired
		}
		return WorkerClaims{}, fmt.Errorf("%w: %v", ErrWorkerTokenInvalid, err)
	}
	if claims.WorkerID() == "" {
		return WorkerClaims{}, ErrWorkerTokenInvalid
	}
	return claims, nil
}
