package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "tracegate"

// Verification failures stay inside the Unauthenticated class but keep
// malformed and expired distinguishable for callers that care.
var (
	ErrTokenMalformed = fmt.Errorf("%w: malformed token", ErrUnauthenticated)
	ErrTokenExpired   = fmt.Errorf("%w: token expired", ErrUnauthenticated)
)

// SigningKey is one HMAC key with its identifier.
type SigningKey struct {
	KID    string
	Secret []byte
}

// KeyRing holds the current signing key plus previously valid keys retained
// for verification during a rotation window. Tokens signed with a key outside
// the ring never verify.
type KeyRing struct {
	Current  SigningKey
	Previous []SigningKey
}

func (kr KeyRing) find(kid string) ([]byte, bool) {
	if kid == "" || kid == kr.Current.KID {
		return kr.Current.Secret, true
	}
	for _, k := range kr.Previous {
		if k.KID == kid {
			return k.Secret, true
		}
	}
	return nil, false
}

// Claims carries the registered JWT claims plus the token kind and the
// session family the token descends from.
type Claims struct {
	Kind     TokenKind `json:"kind"`
	FamilyID string    `json:"fid,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies the service's bearer tokens using HS256.
type Codec struct {
	ring   KeyRing
	issuer string
	now    func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithCodecIssuer overrides the issuer claim.
func WithCodecIssuer(issuer string) CodecOption {
	return func(c *Codec) {
		if strings.TrimSpace(issuer) != "" {
			c.issuer = strings.TrimSpace(issuer)
		}
	}
}

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec around the provided key ring.
func NewCodec(ring KeyRing, opts ...CodecOption) (*Codec, error) {
	if len(ring.Current.Secret) == 0 {
		return nil, errors.New("auth: signing key is required")
	}
	c := &Codec{ring: ring, issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue mints a signed token carrying a freshly generated jti. Every call
// produces a distinct jti, including the two halves of an access/refresh
// pair minted back to back.
func (c *Codec) Issue(subject string, kind TokenKind, familyID string, ttl time.Duration) (string, Claims, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", Claims{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if kind != TokenAccess && kind != TokenRefresh {
		return "", Claims{}, fmt.Errorf("%w: unknown token kind %q", ErrInvalidInput, kind)
	}
	if ttl <= 0 {
		return "", Claims{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}

	now := c.now().UTC()
	claims := Claims{
		Kind:     kind,
		FamilyID: familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = c.ring.Current.KID
	signed, err := token.SignedString(c.ring.Current.Secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, structure, and expiry. Revocation state is the
// session manager's concern, never the codec's.
func (c *Codec) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrTokenMalformed
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		secret, ok := c.ring.find(kid)
		if !ok {
			return nil, ErrTokenMalformed
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithTimeFunc(func() time.Time { return c.now().UTC() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenMalformed
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrTokenMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return Claims{}, ErrTokenMalformed
	}
	if claims.Kind != TokenAccess && claims.Kind != TokenRefresh {
		return Claims{}, ErrTokenMalformed
	}
	return *claims, nil
}
