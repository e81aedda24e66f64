package token

import (
	"sync"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	pub, priv, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	return NewService(priv, pub)
}

func TestAccessTokenRoundtrip(t *testing.T) {
	svc := newTestService(t)
	tok, err := svc.IssueAccessToken("user-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.VerifyAccess(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.DeviceID != "device-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestPurposeMismatchRejected(t *testing.T) {
	svc := newTestService(t)

	refresh, _, err := svc.IssueRefreshToken("fam-1", "user-1", "device-1")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	if _, err := svc.VerifyAccess(refresh); err == nil {
		t.Fatal("a refresh token must not verify as an access token")
	}

	access, err := svc.IssueAccessToken("user-1", "device-1")
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	if _, err := svc.VerifyRefresh(access); err == nil {
		t.Fatal("an access token must not verify as a refresh token")
	}

	reg, err := svc.IssueSinglePurposeToken("a@ex.com", PurposeRegistration, RegistrationTTL)
	if err != nil {
		t.Fatalf("issue registration: %v", err)
	}
	if _, err := svc.VerifySinglePurposeToken(reg, PurposeRecovery); err == nil {
		t.Fatal("a registration token must not pass as a recovery token")
	}
	email, err := svc.VerifySinglePurposeToken(reg, PurposeRegistration)
	if err != nil || email != "a@ex.com" {
		t.Fatalf("registration verify: email=%q err=%v", email, err)
	}
}

func TestForeignSignatureRejected(t *testing.T) {
	svc := newTestService(t)
	other := newTestService(t)
	tok, err := other.IssueAccessToken("user-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.VerifyAccess(tok); err == nil {
		t.Fatal("a token signed by a different key must be rejected")
	}
}

func TestRefreshClaimsCarryFamily(t *testing.T) {
	svc := newTestService(t)
	tok, jti, err := svc.IssueRefreshToken("fam-9", "user-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.VerifyRefresh(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.FamilyID != "fam-9" || claims.ID != jti {
		t.Fatalf("claims = %+v, want family fam-9 jti %s", claims, jti)
	}
}

func TestWSTicketSingleUse(t *testing.T) {
	svc := newTestService(t)
	ticket := svc.IssueWSTicket("user-1", "device-1")

	payload, ok := svc.ConsumeWSTicket(ticket)
	if !ok || payload.UserID != "user-1" || payload.DeviceID != "device-1" {
		t.Fatalf("first consume: ok=%v payload=%+v", ok, payload)
	}
	if _, ok := svc.ConsumeWSTicket(ticket); ok {
		t.Fatal("second consume of the same ticket must miss")
	}
}

func TestWSTicketParallelConsume(t *testing.T) {
	svc := newTestService(t)
	ticket := svc.IssueWSTicket("user-1", "device-1")

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := svc.ConsumeWSTicket(ticket); ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	var n int
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("%d racers consumed the ticket, want exactly 1", n)
	}
}

func TestUnknownTicketRejected(t *testing.T) {
	svc := newTestService(t)
	if _, ok := svc.ConsumeWSTicket("not-a-ticket"); ok {
		t.Fatal("unknown ticket must not consume")
	}
}

func TestReuseWindowCache(t *testing.T) {
	svc := newTestService(t)
	pair := &Pair{AccessToken: "a", RefreshToken: "r", RefreshJTI: "new-jti"}

	if _, ok := svc.LookupRotatedPair("old-jti"); ok {
		t.Fatal("lookup before cache must miss")
	}
	svc.CacheRotatedPair("old-jti", pair)
	got, ok := svc.LookupRotatedPair("old-jti")
	if !ok || got.RefreshJTI != "new-jti" {
		t.Fatalf("lookup: ok=%v got=%+v", ok, got)
	}
}
