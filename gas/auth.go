package gas

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// CDPAuth holds CDP API credentials and generates short-lived JWT Bearer
// tokens for authenticated price-feed requests. Immutable after
// construction and safe for concurrent use; the parsed private key is
// cached to avoid repeated PEM parsing.
type CDPAuth struct {
	apiKeyName string
	privateKey interface{}
	host       string
}

// apiKeyClaims extends the standard JWT claims with the CDP uri claim
// binding the token to one request.
type apiKeyClaims struct {
	*jwt.Claims
	URI string `json:"uri"`
}

// NewCDPAuth parses the PEM-encoded ECDSA or Ed25519 API key secret and
// returns an auth helper bound to the given API key name.
func NewCDPAuth(apiKeyName, apiKeySecret string) (*CDPAuth, error) {
	if apiKeyName == "" {
		return nil, fmt.Errorf("apiKeyName must not be empty")
	}

	block, _ := pem.Decode([]byte(apiKeySecret))
	if block == nil {
		return nil, fmt.Errorf("apiKeySecret is not valid PEM")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// PKCS8 covers both ECDSA and Ed25519 keys.
		pk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		switch pk.(type) {
		case *ecdsa.PrivateKey, crypto.Signer:
		default:
			return nil, fmt.Errorf("unsupported private key type: must be ECDSA or Ed25519")
		}
		return &CDPAuth{apiKeyName: apiKeyName, privateKey: pk, host: "api.coinbase.com"}, nil
	}

	return &CDPAuth{apiKeyName: apiKeyName, privateKey: privateKey, host: "api.coinbase.com"}, nil
}

// BearerToken generates a JWT valid for two minutes, bound to one request
// via the uri claim ("{method} {host}{path}").
func (a *CDPAuth) BearerToken(method, path string) (string, error) {
	alg := jose.ES256
	if _, ok := a.privateKey.(*ecdsa.PrivateKey); !ok {
		alg = jose.EdDSA
	}

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: a.privateKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", a.apiKeyName),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create JWT signer: %w", err)
	}

	now := time.Now()
	claims := apiKeyClaims{
		Claims: &jwt.Claims{
			Subject:   a.apiKeyName,
			Issuer:    "coinbase-cloud",
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(2 * time.Minute)),
		},
		URI: fmt.Sprintf("%s %s%s", method, a.host, path),
	}

	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return token, nil
}
