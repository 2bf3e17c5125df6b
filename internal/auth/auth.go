// Package auth issues and validates connector tokens. A token is an HS256
// JWT whose jti points at a stored TokenRecord; validation combines the
// signature check with the record's revocation state and source-address
// restrictions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ubridge-dev/ubridge/internal/store"
	"github.com/ubridge-dev/ubridge/internal/types"
)

const issuer = "ubridge-hub"

// ConnectorClaims is the JWT payload carried by connector tokens.
type ConnectorClaims struct {
	ServerID string `json:"serverId"`
	jwt.RegisteredClaims
}

// Decision is the outcome of validating a raw token against a client IP.
type Decision struct {
	Valid     bool
	ServerID  string
	TokenID   string
	Expired   bool
	IPAllowed bool
	Reason    string
}

// TokenStore is the slice of the persistent store the manager needs.
type TokenStore interface {
	GetToken(ctx context.Context, id string) (*types.TokenRecord, error)
	PutToken(ctx context.Context, token *types.TokenRecord) error
	DeleteToken(ctx context.Context, id string) error
}

// Manager mints, validates and revokes connector tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	store  TokenStore
	now    func() time.Time
}

// NewManager builds a Manager with the shared HS256 secret.
func NewManager(secret string, ttl time.Duration, tokens TokenStore) *Manager {
	return &Manager{
		secret: []byte(secret),
		ttl:    ttl,
		store:  tokens,
		now:    time.Now,
	}
}

// Issue mints a signed token for serverID, optionally restricted to the
// given source CIDRs, and persists its record.
func (m *Manager) Issue(ctx context.Context, serverID string, allowedCIDRs []string) (string, *types.TokenRecord, error) {
	for _, cidr := range allowedCIDRs {
		if _, err := parseCIDR(cidr); err != nil {
			return "", nil, fmt.Errorf("invalid cidr %q: %w", cidr, err)
		}
	}

	now := m.now()
	record := &types.TokenRecord{
		ID:           uuid.NewString(),
		ServerID:     serverID,
		AllowedCIDRs: allowedCIDRs,
		ExpiresAt:    now.Add(m.ttl),
		CreatedAt:    now,
	}

	claims := ConnectorClaims{
		ServerID: serverID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        record.ID,
			Issuer:    issuer,
			Subject:   serverID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
		},
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing token: %w", err)
	}
	record.Secret = raw
	if err := m.store.PutToken(ctx, record); err != nil {
		return "", nil, fmt.Errorf("persisting token: %w", err)
	}
	return raw, record, nil
}

// Validate checks a raw token against the signature, the stored record and
// the client IP. It never returns an error for a merely bad token; the
// Decision carries the verdict. Errors are reserved for store failures.
func (m *Manager) Validate(ctx context.Context, raw, clientIP string) (Decision, error) {
	decision := Decision{IPAllowed: true}

	claims := &ConnectorClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	decision.ServerID = claims.ServerID
	decision.TokenID = claims.ID
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			decision.Expired = true
			decision.Reason = "token expired"
		} else {
			decision.Reason = "invalid token"
		}
		return decision, nil
	}

	record, err := m.store.GetToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			decision.Reason = "unknown token"
			return decision, nil
		}
		return decision, fmt.Errorf("loading token record: %w", err)
	}
	if record.Revoked {
		decision.Reason = "token revoked"
		return decision, nil
	}
	if record.ServerID != claims.ServerID {
		decision.Reason = "token/server mismatch"
		return decision, nil
	}
	if !record.ExpiresAt.IsZero() && m.now().After(record.ExpiresAt) {
		decision.Expired = true
		decision.Reason = "token record expired"
		return decision, nil
	}

	if !ipAllowed(clientIP, record.AllowedCIDRs) {
		decision.IPAllowed = false
		decision.Reason = "source address not allowed"
		return decision, nil
	}

	decision.Valid = true
	return decision, nil
}

// Revoke marks the token record revoked, keeping it for audit.
func (m *Manager) Revoke(ctx context.Context, tokenID string) error {
	record, err := m.store.GetToken(ctx, tokenID)
	if err != nil {
		return err
	}
	record.Revoked = true
	return m.store.PutToken(ctx, record)
}

func ipAllowed(clientIP string, cidrs []string) bool {
	if len(cidrs) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	for _, cidr := range cidrs {
		prefix, err := parseCIDR(cidr)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseCIDR accepts both prefix ("10.0.0.0/8") and bare address forms.
func parseCIDR(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
