package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoomTokenClaims bind a token to one room and one resolved identity. The
// identity service issues these; the collaboration service only validates.
type RoomTokenClaims struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// SignRoomToken issues an HMAC room access token. Used by tests and by the
// embedded client helpers; production tokens come from the identity service.
func SignRoomToken(secret []byte, roomID, userID, username string, ttl time.Duration) (string, error) {
	claims := &RoomTokenClaims{
		RoomID:   roomID,
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateRoomToken parses and verifies a room access token.
func ValidateRoomToken(secret []byte, tokenString string) (*RoomTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RoomTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse room token: %w", err)
	}
	claims, ok := token.Claims.(*RoomTokenClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	return claims, nil
}
