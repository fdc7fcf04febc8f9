package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims extends JWT standard claims with relay-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	Kind     TokenKind `json:"knd"`
	DeviceID string    `json:"did,omitempty"`
}

// UserID returns the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// GenerateDeviceToken creates a signed credential for one device of userID.
// Device tokens are long-lived (configured TTL in hours).
func GenerateDeviceToken(userID, deviceID, secret string, ttlHours int) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("%w: device id is required", ErrTokenInvalid)
	}
	if ttlHours <= 0 {
		ttlHours = defaultDeviceTTLHours
	}
	return sign(Claims{
		RegisteredClaims: registered(userID, deviceTokenAudience, time.Duration(ttlHours)*time.Hour),
		Kind:             KindDevice,
		DeviceID:         deviceID,
	}, secret)
}

// GenerateListenerToken creates a signed credential for a web client of userID.
func GenerateListenerToken(userID, secret string, ttlMinutes int) (string, error) {
	if ttlMinutes <= 0 {
		ttlMinutes = defaultListenerTTLMinutes
	}
	return sign(Claims{
		RegisteredClaims: registered(userID, listenerTokenAudience, time.Duration(ttlMinutes)*time.Minute),
		Kind:             KindListener,
	}, secret)
}

func registered(subject, audience string, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
}

func sign(claims Claims, secret string) (string, error) {
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: user id is required", ErrTokenInvalid)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", claims.Kind, err)
	}
	return signed, nil
}

// ParseToken validates a token and checks it is of the wanted kind.
// Expired tokens fail with ErrTokenExpired; every other failure wraps
// ErrTokenInvalid or ErrWrongTokenKind.
func ParseToken(tokenString, secret string, want TokenKind) (*Claims, error) {
	audience := listenerTokenAudience
	if want == KindDevice {
		audience = deviceTokenAudience
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.Kind != want {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongTokenKind, claims.Kind, want)
	}
	if !hasAudience(claims.Audience, audience) {
		return nil, fmt.Errorf("%w: unexpected audience", ErrTokenInvalid)
	}
	if want == KindDevice && claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device id", ErrTokenInvalid)
	}

	return claims, nil
}

// VerifyDevice parses a device token and checks it was issued for deviceID.
func VerifyDevice(tokenString, secret, deviceID string) (*Claims, error) {
	claims, err := ParseToken(tokenString, secret, KindDevice)
	if err != nil {
		return nil, err
	}
	if claims.DeviceID != deviceID {
		return nil, ErrDeviceMismatch
	}
	return claims, nil
}

func hasAudience(got jwt.ClaimStrings, want string) bool {
	for _, a := range got {
		if a == want {
			return true
		}
	}
	return false
}
