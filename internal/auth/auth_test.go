package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"openconv/go-core/internal/apperr"
	"openconv/go-core/internal/auth/store"
	"openconv/go-core/internal/auth/token"
	"openconv/go-core/internal/crypto/identity"
	"openconv/go-core/internal/platform/ratelimiter"
	"openconv/go-core/internal/platform/ttlcache"
)

// captureMailer records every message instead of delivering it.
type captureMailer struct {
	bodies []string
}

func (m *captureMailer) Send(ctx context.Context, to, subject, body string) error {
	m.bodies = append(m.bodies, body)
	return nil
}

var codeRe = regexp.MustCompile(`\d{6}`)

func (m *captureMailer) lastCode(t *testing.T) string {
	t.Helper()
	if len(m.bodies) == 0 {
		t.Fatal("no mail captured")
	}
	code := codeRe.FindString(m.bodies[len(m.bodies)-1])
	if code == "" {
		t.Fatalf("no code in mail body %q", m.bodies[len(m.bodies)-1])
	}
	return code
}

type testEnv struct {
	svc    *Service
	store  *store.Store
	tokens *token.Service
	mailer *captureMailer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open auth store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pub, priv, err := token.GenerateSigningKey()
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	tokens := token.NewService(priv, pub)
	mailer := &captureMailer{}
	svc := NewService(db, tokens, mailer, ttlcache.New(), ttlcache.New(), nil, nil)
	return &testEnv{svc: svc, store: db, tokens: tokens, mailer: mailer}
}

func testIdentity(t *testing.T, fill byte) *identity.KeyPair {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = fill
	}
	kp, err := identity.DeriveKeyPair(seed)
	if err != nil {
		t.Fatalf("derive identity: %v", err)
	}
	return kp
}

// register walks the full three-step registration for email and returns
// the minted pair and user id.
func register(t *testing.T, env *testEnv, email string, kp *identity.KeyPair) (*token.Pair, string) {
	t.Helper()
	ctx := context.Background()
	if err := env.svc.RegisterStart(ctx, email, "Alice", "198.51.100.7"); err != nil {
		t.Fatalf("register start: %v", err)
	}
	regToken, err := env.svc.VerifyEmail(email, env.mailer.lastCode(t))
	if err != nil {
		t.Fatalf("verify email: %v", err)
	}
	pair, userID, err := env.svc.RegisterComplete(regToken, "Alice", "device-1", "Laptop", kp.SigningPublicKey, []byte(`{"identity_key":"stub"}`))
	if err != nil {
		t.Fatalf("register complete: %v", err)
	}
	return pair, userID
}

func TestRegistrationFlow(t *testing.T) {
	env := newTestEnv(t)
	kp := testIdentity(t, 0x11)

	pair, userID := register(t, env, "a@ex.com", kp)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("registration must mint a token pair")
	}
	claims, err := env.tokens.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if claims.UserID != userID || claims.DeviceID != "device-1" {
		t.Fatalf("claims = %+v", claims)
	}

	// The stored identity key is byte-for-byte what the client sent.
	user, err := env.store.GetUserByID(userID)
	if err != nil {
		t.Fatalf("load user: %v", err)
	}
	if string(user.IdentityPublicKey) != string(kp.SigningPublicKey) {
		t.Fatal("stored identity key differs from what was registered")
	}
	if raw, err := env.svc.PreKeyBundle(userID, "device-1"); err != nil || len(raw) == 0 {
		t.Fatalf("published bundle missing: %v", err)
	}
}

func TestVerifyEmailWrongCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.svc.RegisterStart(ctx, "a@ex.com", "Alice", ""); err != nil {
		t.Fatalf("register start: %v", err)
	}
	if _, err := env.svc.VerifyEmail("a@ex.com", "000000"); err == nil {
		t.Fatal("wrong code must be rejected")
	}
	// The correct code still works after one wrong attempt.
	if _, err := env.svc.VerifyEmail("a@ex.com", env.mailer.lastCode(t)); err != nil {
		t.Fatalf("correct code after one failure: %v", err)
	}
}

func TestVerifyEmailAttemptCap(t *testing.T) {
	env := newTestEnv(t)
	if err := env.svc.RegisterStart(context.Background(), "a@ex.com", "Alice", ""); err != nil {
		t.Fatalf("register start: %v", err)
	}
	for i := 0; i < maxCodeAttempts; i++ {
		if _, err := env.svc.VerifyEmail("a@ex.com", "000000"); err == nil {
			t.Fatal("wrong code must be rejected")
		}
	}
	// The entry is burned: even the right code now fails.
	if _, err := env.svc.VerifyEmail("a@ex.com", env.mailer.lastCode(t)); err == nil {
		t.Fatal("code must be unusable after too many attempts")
	}
}

func TestRegisterStartRateLimited(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open auth store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	pub, priv, err := token.GenerateSigningKey()
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	perEmail := ratelimiter.New(1.0/3600, 1, time.Hour)
	svc := NewService(db, token.NewService(priv, pub), &captureMailer{}, ttlcache.New(), ttlcache.New(), perEmail, nil)

	ctx := context.Background()
	if err := svc.RegisterStart(ctx, "a@ex.com", "Alice", ""); err != nil {
		t.Fatalf("first start: %v", err)
	}
	err = svc.RegisterStart(ctx, "a@ex.com", "Alice", "")
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindRateLimited {
		t.Fatalf("second start err = %v, want rate limited", err)
	}
}

func TestLoginChallengeFlow(t *testing.T) {
	env := newTestEnv(t)
	kp := testIdentity(t, 0x22)
	_, userID := register(t, env, "a@ex.com", kp)

	keyB64 := base64.StdEncoding.EncodeToString(kp.SigningPublicKey)
	challenge, err := env.svc.LoginChallenge(keyB64)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if len(challenge) != 32 {
		t.Fatalf("challenge length = %d, want 32", len(challenge))
	}

	pair, gotUser, err := env.svc.LoginVerify(keyB64, "device-2", "Desktop", kp.SignBundle(challenge))
	if err != nil {
		t.Fatalf("login verify: %v", err)
	}
	if gotUser != userID || pair.AccessToken == "" {
		t.Fatalf("login verify: user=%q pair=%+v", gotUser, pair)
	}

	// The challenge is single-use.
	if _, _, err := env.svc.LoginVerify(keyB64, "device-2", "Desktop", kp.SignBundle(challenge)); err == nil {
		t.Fatal("a consumed challenge must not verify again")
	}
}

func TestLoginBadSignature(t *testing.T) {
	env := newTestEnv(t)
	kp := testIdentity(t, 0x33)
	register(t, env, "a@ex.com", kp)

	keyB64 := base64.StdEncoding.EncodeToString(kp.SigningPublicKey)
	if _, err := env.svc.LoginChallenge(keyB64); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	imposter := testIdentity(t, 0x44)
	if _, _, err := env.svc.LoginVerify(keyB64, "device-1", "Laptop", imposter.SignBundle([]byte("whatever"))); err == nil {
		t.Fatal("wrong signature must be rejected")
	}
}

func TestLoginUnknownIdentity(t *testing.T) {
	env := newTestEnv(t)
	kp := testIdentity(t, 0x55)
	keyB64 := base64.StdEncoding.EncodeToString(kp.SigningPublicKey)
	if _, err := env.svc.LoginChallenge(keyB64); err == nil {
		t.Fatal("unknown identity must not receive a challenge")
	}
}

func TestRefreshRotationAndReuseWindow(t *testing.T) {
	env := newTestEnv(t)
	kp := testIdentity(t, 0x66)
	pair1, _ := register(t, env, "a@ex.com", kp)

	pair2, err := env.svc.Refresh(pair1.RefreshToken)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if pair2.RefreshJTI == pair1.RefreshJTI {
		t.Fatal("rotation must mint a fresh jti")
	}

	// A retry with the superseded token inside the reuse window gets
	// the already-minted pair back idempotently.
	replayed, err := env.svc.Refresh(pair1.RefreshToken)
	if err != nil {
		t.Fatalf("replay within window: %v", err)
	}
	if replayed.RefreshToken != pair2.RefreshToken {
		t.Fatal("replay within window must return the cached pair")
	}
}

func TestRefreshReuseDetectionRevokesFamily(t *testing.T) {
	env := newTestEnv(t)
	kp := testIdentity(t, 0x77)
	pair1, _ := register(t, env, "a@ex.com", kp)

	pair2, err := env.svc.Refresh(pair1.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Fork the family: an attacker rotated it from elsewhere, so pair2's
	// jti is stale and no cached replacement exists for it. Presenting
	// it must burn the entire family.
	claims2, err := env.tokens.VerifyRefresh(pair2.RefreshToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if err := env.store.RotateRefreshFamily(claims2.FamilyID, "attacker-jti"); err != nil {
		t.Fatalf("fork family: %v", err)
	}
	if _, err := env.svc.Refresh(pair2.RefreshToken); err == nil {
		t.Fatal("stale jti outside the reuse window must revoke the family")
	}

	// Every token of the family is now dead, including the stale one.
	if _, err := env.svc.Refresh(pair1.RefreshToken); err == nil {
		t.Fatal("tokens of a revoked family must fail")
	}
}

func TestLogoutRevokesFamily(t *testing.T) {
	env := newTestEnv(t)
	kp := testIdentity(t, 0x88)
	pair, _ := register(t, env, "a@ex.com", kp)

	if err := env.svc.Logout(pair.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.svc.Refresh(pair.RefreshToken); err == nil {
		t.Fatal("refresh after logout must fail")
	}
}

func TestRecoveryReplacesIdentityAndRevokesSessions(t *testing.T) {
	env := newTestEnv(t)
	oldKP := testIdentity(t, 0x99)
	oldPair, userID := register(t, env, "a@ex.com", oldKP)

	ctx := context.Background()
	if err := env.svc.RecoverStart(ctx, "a@ex.com", ""); err != nil {
		t.Fatalf("recover start: %v", err)
	}
	recToken, err := env.svc.VerifyEmail("a@ex.com", env.mailer.lastCode(t))
	if err != nil {
		t.Fatalf("verify recovery code: %v", err)
	}

	newKP := testIdentity(t, 0xAA)
	pair, gotUser, err := env.svc.RecoverComplete(recToken, "device-9", "Phone", newKP.SigningPublicKey, nil)
	if err != nil {
		t.Fatalf("recover complete: %v", err)
	}
	if gotUser != userID || pair.AccessToken == "" {
		t.Fatalf("recover complete: user=%q", gotUser)
	}

	user, err := env.store.GetUserByID(userID)
	if err != nil {
		t.Fatalf("load user: %v", err)
	}
	if string(user.IdentityPublicKey) != string(newKP.SigningPublicKey) {
		t.Fatal("recovery must replace the identity key")
	}
	if user.RecoveredAt == nil {
		t.Fatal("recovery must stamp recovered_at")
	}

	// Pre-recovery refresh families are dead.
	if _, err := env.svc.Refresh(oldPair.RefreshToken); err == nil {
		t.Fatal("old refresh families must be revoked by recovery")
	}
}

func TestRecoverStartUnknownEmailIsSilent(t *testing.T) {
	env := newTestEnv(t)
	if err := env.svc.RecoverStart(context.Background(), "nobody@ex.com", ""); err != nil {
		t.Fatalf("recover start for unknown email must not error: %v", err)
	}
	if len(env.mailer.bodies) != 0 {
		t.Fatal("no mail may be sent for an unknown email")
	}
}

func TestValidateDisplayName(t *testing.T) {
	cases := []struct {
		name  string
		input string
		ok    bool
	}{
		{"plain", "Alice", true},
		{"unicode", "Ålice Übermensch", true},
		{"empty", "", false},
		{"whitespace only", "   ", false},
		{"control char", "Al\x00ice", false},
		{"too long", string(make([]rune, 65)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateDisplayName(tc.input)
			if tc.ok && err != nil {
				t.Fatalf("ValidateDisplayName(%q) = %v, want nil", tc.input, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("ValidateDisplayName(%q) = nil, want error", tc.input)
			}
		})
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	env := newTestEnv(t)
	kp := testIdentity(t, 0xBB)
	register(t, env, "a@ex.com", kp)

	// Same email, fresh verification: user creation must fail.
	if err := env.svc.RegisterStart(context.Background(), "a@ex.com", "Alice", ""); err != nil {
		t.Fatalf("register start: %v", err)
	}
	regToken, err := env.svc.VerifyEmail("a@ex.com", env.mailer.lastCode(t))
	if err != nil {
		t.Fatalf("verify email: %v", err)
	}
	if _, _, err := env.svc.RegisterComplete(regToken, "Alice", "device-2", "Other", kp.SigningPublicKey, nil); err == nil {
		t.Fatal("duplicate email/identity must be rejected")
	}
}
