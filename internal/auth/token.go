// Package auth verifies and issues the broker's two token families:
// adapter tokens (pinning a connection to a server_id) and client tokens
// (carrying a role). Both are compact JWS with HMAC over a JSON claim
// set, via golang-jwt/jwt.
package auth

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bcon/bcon-server/internal/bconerr"
	"github.com/bcon/bcon-server/internal/logger"
)

// Role is the closed set of client roles, ordered by capability.
type Role int

const (
	RoleGuest Role = iota
	RolePlayer
	RoleAdmin
	RoleSystem
)

// ParseRole maps a case-insensitive role string to a Role, with the
// legacy "operator" alias resolving to RoleAdmin and any unrecognised
// value falling back to RoleGuest.
func ParseRole(s string) Role {
	switch strings.ToLower(s) {
	case "guest":
		return RoleGuest
	case "player":
		return RolePlayer
	case "admin":
		return RoleAdmin
	case "operator":
		return RoleAdmin
	case "system":
		return RoleSystem
	default:
		return RoleGuest
	}
}

func (r Role) String() string {
	switch r {
	case RoleGuest:
		return "guest"
	case RolePlayer:
		return "player"
	case RoleAdmin:
		return "admin"
	case RoleSystem:
		return "system"
	default:
		return "guest"
	}
}

// CanSendToAdapters reports whether this role may issue commands toward
// adapters.
func (r Role) CanSendToAdapters() bool { return r == RoleSystem }

// CanReceiveAllEvents reports whether this role receives the full event
// firehose.
func (r Role) CanReceiveAllEvents() bool { return r == RoleAdmin || r == RoleSystem }

// RequiresAuthentication reports whether this role may only be reached
// via a verified token.
func (r Role) RequiresAuthentication() bool { return r != RoleGuest }

// AdapterClaims is the JWT claim set carried by an adapter token.
type AdapterClaims struct {
	ServerID   string  `json:"server_id"`
	ServerName *string `json:"server_name,omitempty"`
	jwt.RegisteredClaims
}

// ClientClaims is the JWT claim set carried by a client token.
type ClientClaims struct {
	UserID *string `json:"user_id,omitempty"`
	Name   *string `json:"name,omitempty"`
	Role   string  `json:"role"`
	jwt.RegisteredClaims
}

// ValidatedAdapterToken is the result of a successful adapter token
// verification.
type ValidatedAdapterToken struct {
	ServerID   string
	ServerName *string
}

// ValidatedClientToken is the result of a successful client token
// verification.
type ValidatedClientToken struct {
	UserID   *string
	Username *string
	Role     Role
}

// Service issues and verifies adapter/client tokens against two
// independent HMAC secrets.
type Service struct {
	adapterSecret []byte
	clientSecret  []byte
	failureCount  atomic.Uint64
}

// NewService constructs a Service. Secret length/distinctness validity is
// enforced by internal/config at startup, not here.
func NewService(adapterSecret, clientSecret string) *Service {
	return &Service{
		adapterSecret: []byte(adapterSecret),
		clientSecret:  []byte(clientSecret),
	}
}

// CreateAdapterToken issues a signed adapter token expiring in
// expiresInDays.
func (s *Service) CreateAdapterToken(serverID string, serverName *string, expiresInDays int64) (string, error) {
	now := time.Now()
	claims := AdapterClaims{
		ServerID:   serverID,
		ServerName: serverName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "bcon-server",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(expiresInDays) * 24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.adapterSecret)
	if err != nil {
		return "", bconerr.AuthenticationErr("failed to sign adapter token", err)
	}
	return signed, nil
}

// VerifyAdapterToken verifies token and extracts its claims.
func (s *Service) VerifyAdapterToken(token string) (ValidatedAdapterToken, error) {
	claims := &AdapterClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.adapterSecret, nil
	})
	if err != nil || !parsed.Valid {
		s.failureCount.Add(1)
		logger.Auth().Warn().Str("token_fingerprint", fingerprint(token)).Err(err).Msg("adapter token verification failed")
		if errorsIsExpired(err) {
			return ValidatedAdapterToken{}, bconerr.AuthenticationErr("token expired", nil)
		}
		return ValidatedAdapterToken{}, bconerr.AuthenticationErr("invalid token", err)
	}
	if claims.ServerID == "" {
		s.failureCount.Add(1)
		return ValidatedAdapterToken{}, bconerr.AuthenticationErr("missing server_id in adapter token", nil)
	}
	return ValidatedAdapterToken{ServerID: claims.ServerID, ServerName: claims.ServerName}, nil
}

// CreateClientToken issues a signed client token expiring in
// expiresInHours.
func (s *Service) CreateClientToken(userID, username *string, role Role, expiresInHours int64) (string, error) {
	now := time.Now()
	claims := ClientClaims{
		UserID: userID,
		Name:   username,
		Role:   role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(expiresInHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.clientSecret)
	if err != nil {
		return "", bconerr.AuthenticationErr("failed to sign client token", err)
	}
	return signed, nil
}

// VerifyClientToken verifies token and extracts its claims.
func (s *Service) VerifyClientToken(token string) (ValidatedClientToken, error) {
	claims := &ClientClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.clientSecret, nil
	})
	if err != nil || !parsed.Valid {
		s.failureCount.Add(1)
		logger.Auth().Warn().Str("token_fingerprint", fingerprint(token)).Err(err).Msg("client token verification failed")
		if errorsIsExpired(err) {
			return ValidatedClientToken{}, bconerr.AuthenticationErr("token expired", nil)
		}
		return ValidatedClientToken{}, bconerr.AuthenticationErr("invalid token", err)
	}
	return ValidatedClientToken{
		UserID:   claims.UserID,
		Username: claims.Name,
		Role:     ParseRole(claims.Role),
	}, nil
}

// FailureCount returns the process-global count of verification failures
// across both adapter and client tokens.
func (s *Service) FailureCount() uint64 { return s.failureCount.Load() }

// ResetFailureCount zeroes the failure counter.
func (s *Service) ResetFailureCount() { s.failureCount.Store(0) }

func errorsIsExpired(err error) bool {
	return err != nil && errors.Is(err, jwt.ErrTokenExpired)
}
