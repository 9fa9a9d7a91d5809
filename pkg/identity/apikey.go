package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

// APIKey is the stored shape of an API key. Only the bcrypt hash of
// the secret persists; the secret itself is shown once at mint time.
type APIKey struct {
	KeyID      string          `json:"key_id"`
	BusinessID string          `json:"business_id"`
	ActorID    string          `json:"actor_id"`
	ActorType  event.ActorType `json:"actor_type"`
	SecretHash string          `json:"secret_hash"`
	Revoked    bool            `json:"revoked"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MintAPIKey generates a key record and its one-time secret.
func MintAPIKey(businessID, actorID string, actorType event.ActorType, now time.Time) (*APIKey, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("identity: secret generation: %w", err)
	}
	secret := hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("identity: secret hash: %w", err)
	}
	return &APIKey{
		KeyID:      uuid.NewString(),
		BusinessID: businessID,
		ActorID:    actorID,
		ActorType:  actorType,
		SecretHash: string(hash),
		CreatedAt:  now,
	}, secret, nil
}

// VerifySecret checks a presented secret against the stored hash.
func (k *APIKey) VerifySecret(secret string) bool {
	if k.Revoked {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(k.SecretHash), []byte(secret)) == nil
}

// Claims are the token claims minted for an authenticated actor.
type Claims struct {
	jwt.RegisteredClaims
	BusinessID string          `json:"business_id"`
	ActorType  event.ActorType `json:"actor_type"`
	Roles      []string        `json:"roles,omitempty"`
}

// TokenManager mints and verifies actor tokens. Adapters exchange an
// API key for a token once, then present the token per request.
type TokenManager struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

// NewTokenManager creates a manager with an HMAC signing key.
func NewTokenManager(signingKey []byte, ttl time.Duration) *TokenManager {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenManager{signingKey: signingKey, issuer: "bos/core", ttl: ttl}
}

// Mint issues a signed token for an actor within a business.
func (m *TokenManager) Mint(actorID, businessID string, actorType event.ActorType, roles []string, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   actorID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		BusinessID: businessID,
		ActorType:  actorType,
		Roles:      roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

// Verify parses and validates a token string.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
