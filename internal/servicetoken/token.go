package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL is the default lifetime for internal service tokens.
	DefaultTokenTTL = 60 * time.Second
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 15 * time.Second
	// DefaultKeyID is the default key id used for internal RS256 JWT.
	DefaultKeyID = "internal-active"
)

// Signer issues short-lived internal service JWTs for calls between
// carelink services and the membership provider.
type Signer struct {
	issuer string
	ttl    time.Duration
	key    *rsa.PrivateKey
	kid    string
}

// SignerOptions configures internal service token signing.
type SignerOptions struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

// NewSigner creates an RS256 signer from a PEM private key file.
func NewSigner(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("service token private key path is required")
	}
	key, err := loadRSAPrivateKeyFromPEMFile(path)
	if err != nil {
		return nil, fmt.Errorf("load internal jwt private key: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	kid := strings.TrimSpace(opts.KeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	return &Signer{issuer: issuer, ttl: ttl, key: key, kid: kid}, nil
}

// Sign issues a token for the given audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        randomHexID(12),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// Verifier validates internal service JWTs against audience and issuer
// allowlist.
type Verifier struct {
	audience       string
	allowedIssuers map[string]struct{}
	leeway         time.Duration
	keys           map[string]*rsa.PublicKey
}

// VerifierOptions configures internal service token verification.
type VerifierOptions struct {
	PublicKeyPath  string
	KeyID          string
	Audience       string
	AllowedIssuers []string
	Leeway         time.Duration
}

// NewVerifier creates a verifier from a PEM public key file.
func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	issuers := make(map[string]struct{})
	for _, issuer := range opts.AllowedIssuers {
		issuer = strings.TrimSpace(issuer)
		if issuer != "" {
			issuers[issuer] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	path := strings.TrimSpace(opts.PublicKeyPath)
	if path == "" {
		return nil, errors.New("service token public key path is required")
	}
	pub, err := loadRSAPublicKeyFromPEMFile(path)
	if err != nil {
		return nil, fmt.Errorf("load internal jwt public key: %w", err)
	}
	kid := strings.TrimSpace(opts.KeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Verifier{
		audience:       audience,
		allowedIssuers: issuers,
		leeway:         leeway,
		keys:           map[string]*rsa.PublicKey{kid: pub},
	}, nil
}

// Verify validates token signature, expiry, audience, and issuer.
func (v *Verifier) Verify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("token required")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		pub, ok := v.keys[kid]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	if _, ok := v.allowedIssuers[claims.Issuer]; !ok {
		return claims, errors.New("issuer not allowed")
	}
	if claims.ID == "" {
		return claims, errors.New("jti required")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, errors.New("subject required")
	}
	return claims, nil
}

// BearerToken extracts a bearer token from request header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

func loadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

func loadRSAPublicKeyFromPEMFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not rsa")
	}
	return pub, nil
}
