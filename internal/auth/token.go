// ABOUTME: HS256 device tokens binding a hardware id to gateway-issued claims.
// ABOUTME: Verification pins the issuer and algorithm; minting backs the token CLI.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// issuer is stamped into every token this gateway mints and required on every
// token it accepts.
const issuer = "aria-gateway"

// Token errors
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrMissingDevice = errors.New("token carries no device id")
)

// deviceClaims is the claim set for a device token. The hardware id rides in
// the registered subject claim so standard JWT tooling can inspect it.
type deviceClaims struct {
	jwt.RegisteredClaims
}

// TokenVerifier authenticates a bearer token and yields the hardware id it
// was issued for.
type TokenVerifier interface {
	Verify(tokenString string) (hardwareID string, err error)
}

// JWTVerifier implements TokenVerifier with HS256 and a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given signing secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates signature, algorithm, expiry, and issuer, then extracts
// the hardware id from the subject claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	claims := &deviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	if claims.Subject == "" {
		return "", ErrMissingDevice
	}
	return claims.Subject, nil
}

// Generate mints a token for the hardware id, valid for expiresIn.
func (v *JWTVerifier) Generate(hardwareID string, expiresIn time.Duration) (string, error) {
	if hardwareID == "" {
		return "", ErrMissingDevice
	}

	now := time.Now()
	claims := deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   hardwareID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
