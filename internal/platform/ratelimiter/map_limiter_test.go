package ratelimiter

import (
	"testing"
	"time"
)

func TestBurstThenDeny(t *testing.T) {
	l := New(1.0/3600, 2, time.Hour)
	now := time.Now()
	if !l.Allow("a@ex.com", now) || !l.Allow("a@ex.com", now) {
		t.Fatal("burst capacity must be granted")
	}
	if l.Allow("a@ex.com", now) {
		t.Fatal("request beyond burst must be denied")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1.0/3600, 1, time.Hour)
	now := time.Now()
	if !l.Allow("a@ex.com", now) {
		t.Fatal("first key must be granted")
	}
	if !l.Allow("b@ex.com", now) {
		t.Fatal("a different key must not share a bucket")
	}
	if l.Allow("a@ex.com", now) {
		t.Fatal("exhausted key must stay denied")
	}
}

func TestRefillOverTime(t *testing.T) {
	l := New(1, 1, time.Hour)
	now := time.Now()
	if !l.Allow("ip", now) {
		t.Fatal("first request must be granted")
	}
	if l.Allow("ip", now) {
		t.Fatal("immediate second request must be denied")
	}
	if !l.Allow("ip", now.Add(2*time.Second)) {
		t.Fatal("bucket must refill after the rate interval")
	}
}

func TestNilAndEmptyKeyAlwaysAllow(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("anything", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	l2 := New(1, 1, time.Hour)
	if !l2.Allow("", time.Now()) || !l2.Allow("  ", time.Now()) {
		t.Fatal("blank keys must bypass limiting")
	}
}

func TestInvalidArgs(t *testing.T) {
	if New(0, 1, time.Hour) != nil || New(1, 0, time.Hour) != nil {
		t.Fatal("invalid construction must return nil")
	}
}
