package usertoken

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

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestVerifySubjectRefreshesOnUnknownKid(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key1: %v", err)
	}
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key2: %v", err)
	}

	activeKid := "kid-1"
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		key := key1.PublicKey
		if activeKid == "kid-2" {
			key = key2.PublicKey
		}
		resp := map[string]any{"keys": []map[string]string{toJWK(activeKid, key)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	signed1 := signTestToken(t, key1, "kid-1", "user-a", time.Now())
	if sub, err := v.VerifySubject(signed1); err != nil || sub != "user-a" {
		t.Fatalf("verify token1 failed: sub=%s err=%v", sub, err)
	}

	// Rotate the signing key; verifier should refresh JWKS on unknown kid.
	activeKid = "kid-2"
	signed2 := signTestToken(t, key2, "kid-2", "user-b", time.Now())
	if sub, err := v.VerifySubject(signed2); err != nil || sub != "user-b" {
		t.Fatalf("verify token2 failed: sub=%s err=%v", sub, err)
	}
}

func TestVerifySubjectRejectsFutureIssuedAt(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
		Leeway:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	signed := signTestToken(t, key, "kid-1", "user-1", time.Now().Add(2*time.Minute))
	if _, err := v.VerifySubject(signed); err == nil {
		t.Fatalf("expected future iat token to fail")
	}
}

func signTestToken(t *testing.T, key *rsa.PrivateKey, kid, subject string, issuedAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "issuer-a",
		Audience:  jwt.ClaimStrings{"aud-a"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
