package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const issuer = "clinical-intake-orchestrator"

var tracer = otel.Tracer("jwt-manager")

// ErrMissingSecret is returned when no signing secret is configured.
var ErrMissingSecret = errors.New("jwt secret is required")

// JWTManager issues and validates clinician session tokens.
type JWTManager struct {
	signingKey []byte
	algorithm  string
	keyID      string
	ttl        time.Duration
	now        func() time.Time
	tracer     trace.Tracer
}

// Claims carries the clinician identity.
type Claims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// NewJWTManager creates a manager signing with HS256. ttl <= 0 means 24h.
func NewJWTManager(secret string, ttl time.Duration) (*JWTManager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTManager{
		signingKey: []byte(secret),
		algorithm:  "HS256",
		keyID:      "default",
		ttl:        ttl,
		now:        time.Now,
		tracer:     tracer,
	}, nil
}

// TTL is the lifetime of issued tokens.
func (jm *JWTManager) TTL() time.Duration { return jm.ttl }

// GenerateToken signs a token for the user. It returns the token and its
// expiry.
func (jm *JWTManager) GenerateToken(ctx context.Context, userID, email string, roles []string) (string, time.Time, error) {
	_, span := jm.tracer.Start(ctx, "jwt.generate_token")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	now := jm.now()
	expiresAt := now.Add(jm.ttl)
	claims := &Claims{
		UserID: userID,
		Email:  email,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.GetSigningMethod(jm.algorithm), claims)
	token.Header["kid"] = jm.keyID

	tokenString, err := token.SignedString(jm.signingKey)
	if err != nil {
		span.RecordError(err)
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	span.SetAttributes(attribute.String("jwt.id", claims.ID))
	return tokenString, expiresAt, nil
}

// ValidateToken parses tokenString and checks signature, algorithm, issuer
// and expiry.
func (jm *JWTManager) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	_, span := jm.tracer.Start(ctx, "jwt.validate_token")
	defer span.End()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jm.algorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if kid, ok := token.Header["kid"].(string); ok && kid != jm.keyID {
			span.SetAttributes(attribute.String("jwt.kid_mismatch", kid))
		}
		return jm.signingKey, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(jm.now))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	span.SetAttributes(
		attribute.String("user.id", claims.UserID),
		attribute.String("jwt.id", claims.ID),
	)
	return claims, nil
}

// RefreshToken issues a fresh token for the holder of a valid one.
func (jm *JWTManager) RefreshToken(ctx context.Context, tokenString string) (string, time.Time, error) {
	ctx, span := jm.tracer.Start(ctx, "jwt.refresh_token")
	defer span.End()

	claims, err := jm.ValidateToken(ctx, tokenString)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("cannot refresh invalid token: %w", err)
	}
	return jm.GenerateToken(ctx, claims.UserID, claims.Email, claims.Roles)
}
