// Package auth implements the server-side authentication protocol:
// registration (email proof), login challenge/response against the
// client's long-term identity key, and refresh-token rotation with
// reuse detection.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"openconv/go-core/internal/apperr"
	"openconv/go-core/internal/auth/store"
	"openconv/go-core/internal/auth/token"
	"openconv/go-core/internal/crypto/identity"
	"openconv/go-core/internal/platform/ratelimiter"
)

const (
	verificationCodeTTL = 10 * time.Minute
	loginChallengeTTL   = 2 * time.Minute
	maxCodeAttempts     = 5
)

// verificationEntry is what register_start/recover_start cache under
// the email key while the caller proves possession of the inbox.
type verificationEntry struct {
	code        string
	displayName string
	attempts    int
	recovery    bool
}

// Service wires the durable store, token issuance, rate limiting and
// mailer into the registration, login, refresh and recovery flows.
type Service struct {
	store      *store.Store
	tokens     *token.Service
	mailer     Mailer
	codes      cache
	challenges cache

	perEmail *ratelimiter.MapLimiter
	perIP    *ratelimiter.MapLimiter
}

// cache is the minimal subset of ttlcache.Cache this package needs,
// declared locally so tests can substitute a deterministic fake.
type cache interface {
	Set(key string, value any, ttl time.Duration)
	Get(key string) (any, bool)
	Take(key string) (any, bool)
	Delete(key string)
}

// NewService returns a Service. perEmail/perIP rate-limit register_start
// and login_challenge; nil disables limiting (tests).
func NewService(s *store.Store, tokens *token.Service, mailer Mailer, codes, challenges cache, perEmail, perIP *ratelimiter.MapLimiter) *Service {
	return &Service{store: s, tokens: tokens, mailer: mailer, codes: codes, challenges: challenges, perEmail: perEmail, perIP: perIP}
}

// ValidateDisplayName enforces the registration boundary's
// display-name rules: non-empty, no control characters, bounded length.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return apperr.Validation("display name must not be empty")
	}
	if len([]rune(name)) > 64 {
		return apperr.Validation("display name must be 64 characters or fewer")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return apperr.Validation("display name must not contain control characters")
		}
	}
	return nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if len(email) == 0 || len(email) > 254 || !strings.Contains(email, "@") {
		return apperr.Validation("invalid email address")
	}
	return nil
}

// RegisterStart generates a 6-digit verification code, rate-limited per
// email and per IP, and delivers it via Mailer.
func (s *Service) RegisterStart(ctx context.Context, email, displayName, ip string) error {
	return s.startVerification(ctx, email, displayName, ip, false)
}

// RecoverStart is register_start's analogue for account recovery: it
// requires the email to already belong to a registered user.
func (s *Service) RecoverStart(ctx context.Context, email, ip string) error {
	if err := validateEmail(email); err != nil {
		return err
	}
	if _, err := s.store.GetUserByEmail(email); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Do not reveal whether the email is registered.
			return nil
		}
		return err
	}
	return s.startVerification(ctx, email, "", ip, true)
}

func (s *Service) startVerification(ctx context.Context, email, displayName, ip string, recovery bool) error {
	if err := validateEmail(email); err != nil {
		return err
	}
	if !recovery {
		if err := ValidateDisplayName(displayName); err != nil {
			return err
		}
	}
	now := time.Now()
	if s.perEmail != nil && !s.perEmail.Allow(email, now) {
		return apperr.RateLimited("too many verification requests for this email")
	}
	if s.perIP != nil && ip != "" && !s.perIP.Allow(ip, now) {
		return apperr.RateLimited("too many verification requests from this address")
	}

	code, err := randomDigitCode(6)
	if err != nil {
		return apperr.Internal("generate verification code", err)
	}
	s.codes.Set(verificationKey(email), verificationEntry{code: code, displayName: displayName, recovery: recovery}, verificationCodeTTL)

	subject := "Your OpenConv verification code"
	if recovery {
		subject = "Your OpenConv account recovery code"
	}
	if err := s.mailer.Send(ctx, email, subject, fmt.Sprintf("Your code is %s. It expires in %d minutes.", code, int(verificationCodeTTL.Minutes()))); err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "send verification email", err)
	}
	return nil
}

// VerifyEmail constant-time-compares code against the cached
// verification entry and, on match, issues a short-lived
// registration/recovery token bound to email.
func (s *Service) VerifyEmail(email, code string) (string, error) {
	raw, ok := s.codes.Get(verificationKey(email))
	if !ok {
		return "", apperr.New(apperr.KindValidation, "no pending verification for this email")
	}
	entry := raw.(verificationEntry)
	entry.attempts++
	if entry.attempts > maxCodeAttempts {
		s.codes.Delete(verificationKey(email))
		return "", apperr.New(apperr.KindValidation, "too many attempts, request a new code")
	}
	s.codes.Set(verificationKey(email), entry, verificationCodeTTL)

	if subtle.ConstantTimeCompare([]byte(entry.code), []byte(code)) != 1 {
		return "", apperr.New(apperr.KindValidation, "incorrect verification code")
	}
	s.codes.Delete(verificationKey(email))

	purpose := token.PurposeRegistration
	ttl := token.RegistrationTTL
	if entry.recovery {
		purpose = token.PurposeRecovery
		ttl = token.RecoveryTTL
	}
	return s.tokens.IssueSinglePurposeToken(email, purpose, ttl)
}

// RegisterComplete creates the user, binds the device, stores the
// published pre-key bundle, and issues the first access/refresh pair.
func (s *Service) RegisterComplete(tokenStr, displayName, deviceID, deviceName string, identityPublicKey []byte, bundleJSON []byte) (*token.Pair, string, error) {
	email, err := s.tokens.VerifySinglePurposeToken(tokenStr, token.PurposeRegistration)
	if err != nil {
		return nil, "", err
	}
	if err := ValidateDisplayName(displayName); err != nil {
		return nil, "", err
	}
	if len(identityPublicKey) == 0 {
		return nil, "", apperr.Validation("identity_public_key is required")
	}

	userID := uuid.NewString()
	if err := s.store.CreateUser(userID, email, displayName, identityPublicKey); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, "", apperr.New(apperr.KindValidation, "email or identity key already registered")
		}
		return nil, "", err
	}
	if err := s.store.UpsertDevice(userID, deviceID, deviceName); err != nil {
		return nil, "", err
	}
	if len(bundleJSON) > 0 {
		if err := s.store.SavePreKeyBundle(userID, deviceID, bundleJSON); err != nil {
			return nil, "", err
		}
	}

	pair, err := s.issueFreshFamily(userID, deviceID)
	if err != nil {
		return nil, "", err
	}
	return pair, userID, nil
}

// LoginChallenge returns a random 32-byte challenge for the identity key
// to sign, cached for loginChallengeTTL.
func (s *Service) LoginChallenge(identityPublicKeyB64 string) ([]byte, error) {
	if _, err := s.userByIdentityB64(identityPublicKeyB64); err != nil {
		return nil, err
	}
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, apperr.Internal("generate login challenge", err)
	}
	s.challenges.Set(challengeKey(identityPublicKeyB64), challenge, loginChallengeTTL)
	return challenge, nil
}

// LoginVerify checks signature over the cached challenge with the
// identity key the client claims, and on success issues tokens and binds
// the device.
func (s *Service) LoginVerify(identityPublicKeyB64, deviceID, deviceName string, signature []byte) (*token.Pair, string, error) {
	user, err := s.userByIdentityB64(identityPublicKeyB64)
	if err != nil {
		return nil, "", err
	}
	raw, ok := s.challenges.Take(challengeKey(identityPublicKeyB64))
	if !ok {
		return nil, "", apperr.New(apperr.KindUnauthorized, "no pending login challenge, request a new one")
	}
	challenge := raw.([]byte)
	if !identity.VerifyBundleSignature(user.IdentityPublicKey, challenge, signature) {
		return nil, "", apperr.New(apperr.KindUnauthorized, "challenge signature invalid")
	}
	if err := s.store.UpsertDevice(user.ID, deviceID, deviceName); err != nil {
		return nil, "", err
	}
	pair, err := s.issueFreshFamily(user.ID, deviceID)
	if err != nil {
		return nil, "", err
	}
	return pair, user.ID, nil
}

// Refresh rotates a refresh token: on a valid current jti it mints a new
// pair within the same family; on a stale jti it either idempotently
// replays a recent rotation (within token.ReuseWindow) or revokes the
// whole family (reuse detection).
func (s *Service) Refresh(refreshToken string) (*token.Pair, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	family, err := s.store.GetRefreshFamily(claims.FamilyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindUnauthorized, "unknown refresh family")
		}
		return nil, err
	}
	if family.RevokedAt != nil {
		return nil, apperr.New(apperr.KindUnauthorized, "refresh family revoked")
	}

	if claims.ID != family.CurrentJTI {
		if pair, ok := s.tokens.LookupRotatedPair(claims.ID); ok {
			return pair, nil
		}
		if err := s.store.RevokeRefreshFamily(claims.FamilyID); err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.KindUnauthorized, "refresh token reuse detected, family revoked")
	}

	pair, err := s.tokens.IssuePair(claims.FamilyID, claims.UserID, claims.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RotateRefreshFamily(claims.FamilyID, pair.RefreshJTI); err != nil {
		return nil, err
	}
	s.tokens.CacheRotatedPair(claims.ID, pair)
	return pair, nil
}

// Logout revokes the refresh token's entire family.
func (s *Service) Logout(refreshToken string) error {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return err
	}
	return s.store.RevokeRefreshFamily(claims.FamilyID)
}

// RecoverComplete replaces the user's identity key, revokes every
// refresh family (forcing reauthentication on every device, since prior
// sessions were established against the old identity and must be
// re-verified by fingerprint), and issues a fresh pair
// for the recovering device.
func (s *Service) RecoverComplete(tokenStr, deviceID, deviceName string, newIdentityPublicKey []byte, bundleJSON []byte) (*token.Pair, string, error) {
	email, err := s.tokens.VerifySinglePurposeToken(tokenStr, token.PurposeRecovery)
	if err != nil {
		return nil, "", err
	}
	user, err := s.store.GetUserByEmail(email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", apperr.New(apperr.KindNotFound, "no account for this email")
		}
		return nil, "", err
	}
	if len(newIdentityPublicKey) == 0 {
		return nil, "", apperr.Validation("identity_public_key is required")
	}
	if err := s.store.UpdateIdentityKey(user.ID, newIdentityPublicKey); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, "", apperr.New(apperr.KindValidation, "identity key already in use")
		}
		return nil, "", err
	}
	if err := s.store.RevokeAllFamiliesForUser(user.ID); err != nil {
		return nil, "", err
	}
	if err := s.store.UpsertDevice(user.ID, deviceID, deviceName); err != nil {
		return nil, "", err
	}
	if len(bundleJSON) > 0 {
		if err := s.store.SavePreKeyBundle(user.ID, deviceID, bundleJSON); err != nil {
			return nil, "", err
		}
	}
	pair, err := s.issueFreshFamily(user.ID, deviceID)
	if err != nil {
		return nil, "", err
	}
	return pair, user.ID, nil
}

// PreKeyBundle returns a device's most recently published bundle, for
// peers establishing an outgoing session.
func (s *Service) PreKeyBundle(userID, deviceID string) ([]byte, error) {
	raw, ok, err := s.store.GetPreKeyBundle(userID, deviceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("no pre-key bundle published for this device")
	}
	return raw, nil
}

func (s *Service) issueFreshFamily(userID, deviceID string) (*token.Pair, error) {
	familyID := uuid.NewString()
	access, err := s.tokens.IssueAccessToken(userID, deviceID)
	if err != nil {
		return nil, err
	}
	refresh, jti, err := s.tokens.IssueRefreshToken(familyID, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRefreshFamily(familyID, userID, deviceID, jti); err != nil {
		return nil, err
	}
	return &token.Pair{AccessToken: access, RefreshToken: refresh, RefreshJTI: jti}, nil
}

func (s *Service) userByIdentityB64(identityPublicKeyB64 string) (*store.User, error) {
	key, err := base64.StdEncoding.DecodeString(identityPublicKeyB64)
	if err != nil {
		return nil, apperr.Validation("identity_public_key is not valid base64")
	}
	user, err := s.store.GetUserByIdentityKey(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "no account for this identity key")
		}
		return nil, err
	}
	return user, nil
}

func verificationKey(email string) string {
	return "verify:" + strings.ToLower(strings.TrimSpace(email))
}

func challengeKey(identityKeyB64 string) string {
	return "challenge:" + identityKeyB64
}

func randomDigitCode(n int) (string, error) {
	digits := make([]byte, n)
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		digits[i] = '0' + b%10
	}
	return string(digits), nil
}
