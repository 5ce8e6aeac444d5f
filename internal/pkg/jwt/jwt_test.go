package jwt

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	svc := NewService("secret", time.Hour)
	userID := uuid.New()

	token, err := svc.GenerateAccessToken(userID, "shopkeeper")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	claims, err := svc.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.UserID != userID || claims.Role != "shopkeeper" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestExpiredAndForeignTokens(t *testing.T) {
	expired := NewService("secret", -time.Minute)
	token, _ := expired.GenerateAccessToken(uuid.New(), "user")
	if _, err := expired.ValidateAccessToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}

	other := NewService("other", time.Hour)
	token, _ = other.GenerateAccessToken(uuid.New(), "user")
	if _, err := NewService("secret", time.Hour).ValidateAccessToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
