package security

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the JWT is malformed or its signature is invalid.
	ErrInvalidToken = errors.New("security: invalid token")
	// ErrExpiredToken is returned when the JWT has expired.
	ErrExpiredToken = errors.New("security: token expired")
)

// Claims carries the device identity inside a transport token.
type Claims struct {
	DeviceID  string `json:"device_id"`
	Role      string `json:"role"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// jwtClaims wraps Claims for jwt-go compatibility.
type jwtClaims struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed JWT for the given device and role.
func GenerateToken(deviceID, role string, secret []byte, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		DeviceID: deviceID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and validates a JWT string, returning the claims.
func ValidateToken(tokenStr string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	jc, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return &Claims{
		DeviceID:  jc.DeviceID,
		Role:      jc.Role,
		IssuedAt:  jc.IssuedAt.Unix(),
		ExpiresAt: jc.ExpiresAt.Unix(),
	}, nil
}

// TokenSource hands out a valid bearer token for outbound transport
// calls, minting a fresh one when the cached token is near expiry.
type TokenSource struct {
	deviceID string
	role     string
	secret   []byte
	expiry   time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a source that signs tokens with secret. A nil
// secret disables authentication: Token returns "".
func NewTokenSource(deviceID, role string, secret []byte, expiry time.Duration) *TokenSource {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &TokenSource{deviceID: deviceID, role: role, secret: secret, expiry: expiry}
}

// Token returns a token with at least a minute of validity left.
func (ts *TokenSource) Token() (string, error) {
	if ts.secret == nil {
		return "", nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expires) > time.Minute {
		return ts.token, nil
	}

	tok, err := GenerateToken(ts.deviceID, ts.role, ts.secret, ts.expiry)
	if err != nil {
		return "", fmt.Errorf("security: mint token: %w", err)
	}
	ts.token = tok
	ts.expires = time.Now().Add(ts.expiry)
	return tok, nil
}
