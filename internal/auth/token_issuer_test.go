package auth

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "taskgate-auth",
		Audience:      "taskgate-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	now := time.Unix(1760000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	token, expiresIn, err := issuer.IssueSessionToken(context.Background(), 501)
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	userID, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if userID != 501 {
		t.Fatalf("unexpected user id %d", userID)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issued := time.Unix(1760000000, 0).UTC()
	current := issued
	issuer := newTestIssuer(func() time.Time { return current })

	token, _, err := issuer.IssueSessionToken(context.Background(), 501)
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	current = issued.Add(31 * time.Minute)
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	now := time.Unix(1760000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })
	foreign := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "taskgate-auth",
		Audience:      "taskgate-api",
		Clock:         func() time.Time { return now },
	})

	token, _, err := foreign.IssueSessionToken(context.Background(), 501)
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected foreign signature to be rejected")
	}
}

func TestIssueRejectsInvalidUserID(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, _, err := issuer.IssueSessionToken(context.Background(), 0); err == nil {
		t.Fatalf("expected non-positive user id to be rejected")
	}
}
