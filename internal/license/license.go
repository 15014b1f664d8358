// Package license decides whether the farm feature is licensed. A license is
// an HMAC-SHA256 signed JWT whose "features" claim lists "webfarm".
package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/farmsync/internal/platform/logger"
	"github.com/phrazzld/farmsync/internal/task"
)

// FeatureWebFarm is the feature a license must carry to enable the farm.
const FeatureWebFarm = "webfarm"

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

var (
	// ErrInvalidLicense is returned for tokens that fail signature, format or
	// claim validation.
	ErrInvalidLicense = errors.New("invalid license")

	// ErrExpiredLicense is returned for tokens past their expiry.
	ErrExpiredLicense = errors.New("license expired")

	// ErrMissingFeature is returned for valid tokens without the farm feature.
	ErrMissingFeature = errors.New("license does not include the web farm feature")

	// ErrWeakSecret is returned when the signing secret is too short.
	ErrWeakSecret = errors.New("license secret must be at least 32 characters")
)

// Static is a LicenseGate with a fixed answer.
type Static bool

// IsFarmLicenseValid implements task.LicenseGate.
func (s Static) IsFarmLicenseValid(context.Context) bool {
	return bool(s)
}

// Claims are the claims carried by a license token.
type Claims struct {
	Licensee string   `json:"licensee"`
	Features []string `json:"features"`
	jwt.RegisteredClaims
}

// TokenGate validates a signed license token on every check, so an expiring
// license turns the farm off without a restart.
type TokenGate struct {
	token      string
	signingKey []byte
	timeFunc   func() time.Time
	clockSkew  time.Duration
}

// NewTokenGate creates a gate for token signed with secret.
func NewTokenGate(token, secret string) (*TokenGate, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &TokenGate{
		token:      token,
		signingKey: []byte(secret),
		timeFunc:   time.Now,
		clockSkew:  2 * time.Minute,
	}, nil
}

// IsFarmLicenseValid implements task.LicenseGate.
func (g *TokenGate) IsFarmLicenseValid(ctx context.Context) bool {
	_, err := g.Validate(ctx)
	return err == nil
}

// Validate parses the token and checks its expiry and features.
func (g *TokenGate) Validate(ctx context.Context) (*Claims, error) {
	log := logger.FromContext(ctx)
	now := g.timeFunc()

	token, err := jwt.ParseWithClaims(
		g.token,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return g.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(g.clockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			log.Debug("license validation failed: license expired", "error", err)
			return nil, ErrExpiredLicense
		}
		log.Debug("license validation failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err))
		return nil, ErrInvalidLicense
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidLicense
	}
	if !slices.Contains(claims.Features, FeatureWebFarm) {
		log.Debug("license validation failed: feature missing",
			"licensee", claims.Licensee,
			"features", claims.Features)
		return nil, ErrMissingFeature
	}
	return claims, nil
}

// Issue signs a license for licensee with the given features, valid for
// lifetime from now.
func Issue(secret, licensee string, features []string, lifetime time.Duration) (string, error) {
	if len(secret) < MinSecretLength {
		return "", ErrWeakSecret
	}
	now := time.Now()

	claims := Claims{
		Licensee: licensee,
		Features: features,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   licensee,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			ID:        uuid.New().String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign license with HMAC-SHA256: %w", err)
	}
	return signed, nil
}

// FromConfig returns the gate for the configured token. With no token the
// farm is treated as licensed.
func FromConfig(token, secret string, log *slog.Logger) (task.LicenseGate, error) {
	if token == "" {
		log.Info("no farm license configured, all task types are processed")
		return Static(true), nil
	}

	gate, err := NewTokenGate(token, secret)
	if err != nil {
		return nil, err
	}
	if _, err := gate.Validate(logger.WithLogger(context.Background(), log)); err != nil {
		log.Warn("configured farm license is not valid, only system tasks are processed",
			"error", err)
	}
	return gate, nil
}

var (
	_ task.LicenseGate = Static(false)
	_ task.LicenseGate = (*TokenGate)(nil)
)
