// Package credential issues and verifies the short-lived signed tokens the
// bridge presents as its upstream MQTT password.
//
// Tokens are ES256 JWTs whose audience and issuer are the cloud project id.
// A new token is issued for every connection attempt and never persisted.
package credential

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the validity window of an issued token.
const DefaultTTL = time.Hour

// ErrInvalidKey is returned when the configured signing key cannot be used.
var ErrInvalidKey = errors.New("invalid signing key")

// Credential is an issued token and its validity window.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the credential has reached its expiry at the given
// instant, treating the last grace interval before exp as already expired.
func (c Credential) Expired(at time.Time, grace time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !at.Before(c.ExpiresAt.Add(-grace))
}

// Config configures an Issuer.
type Config struct {
	// PrivateKey is a PEM encoded EC key (SEC1 or PKCS#8) or the base64 of a
	// DER SEC1 key.
	PrivateKey string
	// Audience is the project id, used for both aud and iss.
	Audience string
	TTL      time.Duration
}

// Issuer signs credentials with the bridge's private key.
type Issuer struct {
	key      *ecdsa.PrivateKey
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// claims keeps aud as a plain string on the wire.
type claims struct {
	Audience string `json:"aud"`
	jwt.RegisteredClaims
}

func (c claims) GetAudience() (jwt.ClaimStrings, error) {
	if c.Audience == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{c.Audience}, nil
}

// NewIssuer parses the signing key. Any error here is a fatal configuration error.
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.Audience == "" {
		return nil, fmt.Errorf("%w: audience is required", ErrInvalidKey)
	}
	key, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{key: key, audience: cfg.Audience, ttl: ttl, now: time.Now}, nil
}

// ParsePrivateKey accepts PEM (EC PRIVATE KEY or PRIVATE KEY) or base64 DER and
// requires a P-256 key.
func ParsePrivateKey(material string) (*ecdsa.PrivateKey, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, fmt.Errorf("%w: no key material", ErrInvalidKey)
	}

	var (
		key *ecdsa.PrivateKey
		err error
	)
	if strings.HasPrefix(material, "-----BEGIN") {
		key, err = jwt.ParseECPrivateKeyFromPEM([]byte(material))
	} else {
		key, err = parseDER(material)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: ES256 requires a P-256 key, got %s", ErrInvalidKey, key.Curve.Params().Name)
	}
	return key, nil
}

func parseDER(b64 string) (*ecdsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 key: %w", err)
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing DER key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, not ECDSA", parsed)
	}
	return key, nil
}

// Issue signs a fresh credential: iat = nbf = now, exp = now + TTL and a new
// random jti.
func (i *Issuer) Issue() (Credential, error) {
	now := i.now()
	c := claims{
		Audience: i.audience,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, c).SignedString(i.key)
	if err != nil {
		return Credential{}, fmt.Errorf("signing credential: %w", err)
	}

	return Credential{
		Token:     signed,
		IssuedAt:  c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// TTL returns the configured validity window.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// PublicKeyPEM returns the PKIX PEM encoding of the issuer's public key, the
// form the cloud registry expects.
func (i *Issuer) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&i.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshalling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Validate verifies a token against a PEM public key or certificate and the
// expected audience at the current time.
func Validate(token string, publicKeyOrCert []byte, audience string) bool {
	return ValidateAt(token, publicKeyOrCert, audience, time.Now())
}

// ValidateAt is Validate evaluated at a fixed instant.
func ValidateAt(token string, publicKeyOrCert []byte, audience string, at time.Time) bool {
	pub, err := jwt.ParseECPublicKeyFromPEM(publicKeyOrCert)
	if err != nil {
		return false
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(*jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return at }),
	)
	if err != nil {
		return false
	}
	return parsed.Valid
}
