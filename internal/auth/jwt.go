// Package auth verifies the bearer tokens issued by the external
// authentication collaborator named in the base system's scope. Token
// issuance lives entirely outside this subsystem — this package only ever
// holds a public key and checks a signature against it.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenInvalid is returned for a malformed, mis-signed, or otherwise
// untrustworthy token. ErrTokenExpired is returned distinctly so callers can
// tell a client to refresh rather than re-authenticate from scratch.
var (
	ErrTokenInvalid = errors.New("auth: token invalid")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Claims holds the subset of the issuer's claims this subsystem cares
// about: which subject is making the request. Authorization decisions
// beyond "is this request authenticated" are out of scope.
type Claims struct {
	jwt.RegisteredClaims
	Subject string `json:"sub"`
}

// Verifier checks RS256-signed access tokens against a public key. It never
// signs anything — that is the issuer's job.
type Verifier struct {
	publicKey *rsa.PublicKey
	issuer    string
}

// NewVerifierFromFile loads a PEM-encoded RSA public key from path.
func NewVerifierFromFile(path, issuer string) (*Verifier, error) {
	pubBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: reading public key file: %w", err)
	}
	return NewVerifierFromPEM(pubBytes, issuer)
}

// NewVerifierFromPEM parses a PEM-encoded PKIX RSA public key.
func NewVerifierFromPEM(pubPEM []byte, issuer string) (*Verifier, error) {
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, errors.New("auth: failed to decode public key PEM block")
	}
	pubInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}
	pubKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not an RSA key")
	}
	return &Verifier{publicKey: pubKey, issuer: issuer}, nil
}

// Verify parses and validates tokenString, returning the embedded claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything other than RS256 to rule out alg-confusion
			// attacks (alg:none, HMAC using the public key as the secret).
			if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return v.publicKey, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
