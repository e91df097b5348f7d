package utils

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestValidateRoomTokenSuccess(t *testing.T) {
	secret := []byte("secret-key")

	tokenStr, err := SignRoomToken(secret, "proj_1", "user-1", "alice", time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	claims, err := ValidateRoomToken(secret, tokenStr)
	if err != nil {
		t.Fatalf("expected valid token, got error %v", err)
	}
	if claims.RoomID != "proj_1" || claims.UserID != "user-1" || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestValidateRoomTokenWrongSecret(t *testing.T) {
	tokenStr, err := SignRoomToken([]byte("other-secret"), "proj_1", "u", "u", time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := ValidateRoomToken([]byte("secret-a"), tokenStr); err == nil {
		t.Fatalf("expected validation failure")
	}
}

func TestValidateRoomTokenExpired(t *testing.T) {
	secret := []byte("secret-key")
	tokenStr, err := SignRoomToken(secret, "proj_1", "u", "u", -time.Minute)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := ValidateRoomToken(secret, tokenStr); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestValidateRoomTokenRejectsNonHMAC(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate rsa key: %v", err)
	}

	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &RoomTokenClaims{
		RoomID: "proj_1",
		UserID: "u",
	}).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	_, err = ValidateRoomToken([]byte("secret"), tokenStr)
	if err == nil || !strings.Contains(err.Error(), "unexpected signing method") {
		t.Fatalf("expected signing method rejection, got %v", err)
	}
}
