// Package token implements the server's token issuance: signed
// short-lived access tokens, rotating refresh tokens, and single-use
// WebSocket upgrade tickets, all EdDSA-signed JWTs.
package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"openconv/go-core/internal/apperr"
	"openconv/go-core/internal/platform/ttlcache"
)

const (
	// PurposeAccess, PurposeRefresh, PurposeRegistration and
	// PurposeRecovery tag every claim set so a token minted for one use
	// can never be accepted for another.
	PurposeAccess       = "access"
	PurposeRefresh      = "refresh"
	PurposeRegistration = "registration"
	PurposeRecovery     = "recovery"

	// AccessTTL, RefreshTTL, RegistrationTTL and RecoveryTTL are the
	// fixed token lifetimes.
	AccessTTL       = 5 * time.Minute
	RefreshTTL      = 7 * 24 * time.Hour
	RegistrationTTL = 15 * time.Minute
	RecoveryTTL     = 15 * time.Minute

	// WSTicketTTL is how long a WS upgrade ticket survives unconsumed.
	WSTicketTTL = 30 * time.Second

	// ReuseWindow is how long a superseded refresh jti's replacement
	// pair is cached so an in-flight client retry is absorbed
	// idempotently instead of triggering reuse detection.
	ReuseWindow = 10 * time.Second
)

// AccessClaims is the claim set carried by a short-lived access token.
type AccessClaims struct {
	UserID   string `json:"sub"`
	DeviceID string `json:"device_id"`
	Purpose  string `json:"purpose"`
	jwt.RegisteredClaims
}

// RefreshClaims is the claim set carried by a rotating refresh token.
// FamilyID is stable across the whole rotation chain; JTI changes on
// every rotation and is what reuse detection compares.
type RefreshClaims struct {
	UserID   string `json:"sub"`
	DeviceID string `json:"device_id"`
	FamilyID string `json:"family_id"`
	Purpose  string `json:"purpose"`
	jwt.RegisteredClaims
}

// ErrPurposeMismatch is returned when a token's purpose claim does not
// match what the caller expected.
var ErrPurposeMismatch = errors.New("token purpose mismatch")

// Pair is an access/refresh token pair minted together.
type Pair struct {
	AccessToken  string
	RefreshToken string
	RefreshJTI   string
}

// WSTicketPayload is what a consumed WS ticket resolves to.
type WSTicketPayload struct {
	UserID   string
	DeviceID string
}

// Service signs and verifies every token this module issues, and owns
// the single-use WS ticket and refresh reuse-window caches.
type Service struct {
	signingKey   ed25519.PrivateKey
	verifyingKey ed25519.PublicKey
	wsTickets    *ttlcache.Cache
	reuseWindow  *ttlcache.Cache
}

// NewService returns a Service signing with the given Ed25519 key pair.
func NewService(signingKey ed25519.PrivateKey, verifyingKey ed25519.PublicKey) *Service {
	return &Service{
		signingKey:   signingKey,
		verifyingKey: verifyingKey,
		wsTickets:    ttlcache.New(),
		reuseWindow:  ttlcache.New(),
	}
}

// GenerateSigningKey creates a fresh Ed25519 key pair for NewService,
// for first-run bootstrap of a server instance.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// IssueAccessToken mints a 5-minute access token bound to userID and
// deviceID.
func (s *Service) IssueAccessToken(userID, deviceID string) (string, error) {
	now := time.Now().UTC()
	claims := AccessClaims{
		UserID:   userID,
		DeviceID: deviceID,
		Purpose:  PurposeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTTL)),
			ID:        uuid.NewString(),
		},
	}
	return s.sign(claims)
}

// IssueRefreshToken mints a refresh token within familyID, with a fresh
// jti.
func (s *Service) IssueRefreshToken(familyID, userID, deviceID string) (token string, jti string, err error) {
	now := time.Now().UTC()
	jti = uuid.NewString()
	claims := RefreshClaims{
		UserID:   userID,
		DeviceID: deviceID,
		FamilyID: familyID,
		Purpose:  PurposeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(RefreshTTL)),
			ID:        jti,
		},
	}
	token, err = s.sign(claims)
	return token, jti, err
}

// IssuePair mints a fresh access token plus a refresh token in the given
// family, as returned by registration, login and refresh rotation.
func (s *Service) IssuePair(familyID, userID, deviceID string) (*Pair, error) {
	access, err := s.IssueAccessToken(userID, deviceID)
	if err != nil {
		return nil, err
	}
	refresh, jti, err := s.IssueRefreshToken(familyID, userID, deviceID)
	if err != nil {
		return nil, err
	}
	return &Pair{AccessToken: access, RefreshToken: refresh, RefreshJTI: jti}, nil
}

// VerifyAccess parses and validates an access token, rejecting anything
// not carrying PurposeAccess.
func (s *Service) VerifyAccess(tokenStr string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := s.parse(tokenStr, &claims); err != nil {
		return nil, err
	}
	if claims.Purpose != PurposeAccess {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "not an access token", ErrPurposeMismatch)
	}
	return &claims, nil
}

// VerifyRefresh parses and validates a refresh token, rejecting anything
// not carrying PurposeRefresh.
func (s *Service) VerifyRefresh(tokenStr string) (*RefreshClaims, error) {
	var claims RefreshClaims
	if err := s.parse(tokenStr, &claims); err != nil {
		return nil, err
	}
	if claims.Purpose != PurposeRefresh {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "not a refresh token", ErrPurposeMismatch)
	}
	return &claims, nil
}

// IssueSinglePurposeToken mints a short-lived token for registration or
// recovery flows, carrying only an email subject and the given purpose.
func (s *Service) IssueSinglePurposeToken(email, purpose string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AccessClaims{
		UserID:  email,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return s.sign(claims)
}

// VerifySinglePurposeToken parses a registration/recovery token and
// returns its subject email, rejecting anything not carrying purpose.
func (s *Service) VerifySinglePurposeToken(tokenStr, purpose string) (email string, err error) {
	var claims AccessClaims
	if err := s.parse(tokenStr, &claims); err != nil {
		return "", err
	}
	if claims.Purpose != purpose {
		return "", apperr.Wrap(apperr.KindUnauthorized, "unexpected token purpose", ErrPurposeMismatch)
	}
	return claims.Subject, nil
}

// IssueWSTicket mints a single-use ticket for the /ws upgrade endpoint,
// valid for WSTicketTTL and consumable exactly once.
func (s *Service) IssueWSTicket(userID, deviceID string) string {
	ticket := uuid.NewString()
	s.wsTickets.Set(ticket, WSTicketPayload{UserID: userID, DeviceID: deviceID}, WSTicketTTL)
	return ticket
}

// ConsumeWSTicket atomically looks up and removes ticket. A second call
// with the same ticket, concurrent or sequential, always misses.
func (s *Service) ConsumeWSTicket(ticket string) (*WSTicketPayload, bool) {
	v, ok := s.wsTickets.Take(ticket)
	if !ok {
		return nil, false
	}
	payload := v.(WSTicketPayload)
	return &payload, true
}

// CacheRotatedPair remembers the token pair minted to replace
// supersededJTI, for ReuseWindow, so a client retry presenting the same
// stale refresh token gets the same new pair back instead of burning its
// family.
func (s *Service) CacheRotatedPair(supersededJTI string, pair *Pair) {
	s.reuseWindow.Set(supersededJTI, pair, ReuseWindow)
}

// LookupRotatedPair returns the pair previously cached for jti via
// CacheRotatedPair, if still within ReuseWindow.
func (s *Service) LookupRotatedPair(jti string) (*Pair, bool) {
	v, ok := s.reuseWindow.Get(jti)
	if !ok {
		return nil, false
	}
	pair := v.(*Pair)
	return pair, true
}

func (s *Service) sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := t.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(tokenStr string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return s.verifyingKey, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return apperr.Wrap(apperr.KindUnauthorized, "invalid or expired token", err)
	}
	return nil
}
