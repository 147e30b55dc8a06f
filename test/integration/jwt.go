package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	idpKeyID    = "support-idp-2026"
	idpIssuer   = "https://idp.support.example.com"
	idpAudience = "approvald-test"
	tokenLife   = time.Hour
)

// TestClaims describes the supervisor a token is minted for. Extra entries
// are written last and may override the registered claims.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer stands in for the support team's identity provider: it signs
// supervisor tokens with one RSA key and publishes that key as a JWKS.
type tokenIssuer struct {
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	doc, err := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kid": idpKeyID,
			"kty": "RSA",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	})
	if err != nil {
		t.Fatalf("marshal JWKS: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{key: key, jwks: srv}
}

// GenerateToken mints a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	return ti.sign(claims, time.Now())
}

// GenerateExpiredToken mints a token whose lifetime ended an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	return ti.sign(claims, time.Now().Add(-2*tokenLife))
}

func (ti *tokenIssuer) sign(claims TestClaims, issuedAt time.Time) string {
	mc := jwt.MapClaims{
		"iss": idpIssuer,
		"aud": idpAudience,
		"iat": jwt.NewNumericDate(issuedAt),
		"exp": jwt.NewNumericDate(issuedAt.Add(tokenLife)),
	}
	if claims.SubjectID != "" {
		mc["sub"] = claims.SubjectID
	}
	if claims.Email != "" {
		mc["email"] = claims.Email
	}
	if len(claims.Roles) > 0 {
		mc["roles"] = claims.Roles
	}
	for k, v := range claims.Extra {
		mc[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	token.Header["kid"] = idpKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("sign supervisor token: " + err.Error())
	}
	return signed
}

// JWKSURL returns the URL of the published key set.
func (ti *tokenIssuer) JWKSURL() string { return ti.jwks.URL }

// Issuer returns the iss every minted token carries.
func (ti *tokenIssuer) Issuer() string { return idpIssuer }

// Audience returns the aud every minted token carries.
func (ti *tokenIssuer) Audience() string { return idpAudience }
