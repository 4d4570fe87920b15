// Package keys supplies the key material tokens are signed and verified
// with.
package keys

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// hmacSecretMinLen is the minimum HS256 secret length. Matches the
// output size of SHA-256.
const hmacSecretMinLen = 32

// Provider is a signing key source for the token codec.
type Provider interface {
	// Method is the JWS algorithm tokens are signed with.
	Method() jwt.SigningMethod

	// KeyID is placed in the token "kid" header. Empty when unused.
	KeyID() string

	// SigningKey returns the private or shared key used to sign.
	SigningKey() any

	// VerificationKey returns the key for a token's kid header.
	VerificationKey(kid string) (any, error)

	// JWKS returns the publishable public keys. Empty for shared secrets.
	JWKS() []JWK
}

// JWK is a public key in RFC 7517 form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// HMAC signs with a shared secret (HS256).
type HMAC struct {
	secret []byte
}

// NewHMAC returns a provider for secret, which must be at least 32 bytes.
func NewHMAC(secret []byte) (*HMAC, error) {
	if len(secret) < hmacSecretMinLen {
		return nil, fmt.Errorf("signing secret too short (minimum %d bytes)", hmacSecretMinLen)
	}

	return &HMAC{secret: secret}, nil
}

func (h *HMAC) Method() jwt.SigningMethod { return jwt.SigningMethodHS256 }
func (h *HMAC) KeyID() string             { return "" }
func (h *HMAC) SigningKey() any           { return h.secret }
func (h *HMAC) JWKS() []JWK               { return nil }

func (h *HMAC) VerificationKey(string) (any, error) {
	return h.secret, nil
}

// RSA signs with an RSA private key (RS256).
type RSA struct {
	private *rsa.PrivateKey
	kid     string
}

// LoadRSAFile reads a PEM encoded RSA private key from path.
func LoadRSAFile(path string) (*RSA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	return ParseRSA(string(data))
}

// ParseRSA parses a PKCS#1 or PKCS#8 PEM encoded RSA private key.
// Literal "\n" sequences are accepted so the key can live in a single
// environment variable.
func ParseRSA(pemValue string) (*RSA, error) {
	pemValue = strings.ReplaceAll(pemValue, `\n`, "\n")

	block, _ := pem.Decode([]byte(pemValue))
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}

	var key *rsa.PrivateKey

	if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = parsed
	} else if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}

		key = rsaKey
	} else {
		return nil, fmt.Errorf("unable to parse RSA private key")
	}

	kid, err := computeKID(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	return &RSA{private: key, kid: kid}, nil
}

func (r *RSA) Method() jwt.SigningMethod { return jwt.SigningMethodRS256 }
func (r *RSA) KeyID() string             { return r.kid }
func (r *RSA) SigningKey() any           { return r.private }

func (r *RSA) VerificationKey(kid string) (any, error) {
	if kid != "" && kid != r.kid {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}

	return &r.private.PublicKey, nil
}

func (r *RSA) JWKS() []JWK {
	pub := r.private.PublicKey

	return []JWK{{
		Kty: "RSA",
		Use: "sig",
		Kid: r.kid,
		Alg: jwt.SigningMethodRS256.Alg(),
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}
}

// computeKID derives a stable key id from the public key.
func computeKID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}

	sum := sha256.Sum256(der)

	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
