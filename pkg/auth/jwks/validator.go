package jwks

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/crowsandbox/crow/pkg/auth"

	"github.com/golang-jwt/jwt/v5"
)

const keyCacheTTL = 5 * time.Minute

// Validator checks RS256 bearer tokens against keys published at a JWKS URL.
type Validator struct {
	jwksURL string
	parser  *jwt.Parser
	client  *http.Client

	mu        sync.Mutex
	keyCache  map[string]*rsa.PublicKey
	cacheTime time.Time
}

// NewValidator creates a new JWKS validator
func NewValidator(cfg auth.Config) (auth.Validator, error) {
	if cfg.JwksURL == "" {
		return nil, errors.New("jwksUrl is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Validator{
		jwksURL: cfg.JwksURL,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithLeeway(cfg.ClockSkew),
			jwt.WithExpirationRequired(),
		),
		client:   &http.Client{Timeout: timeout},
		keyCache: make(map[string]*rsa.PublicKey),
	}, nil
}

// NewValidatorFromJSON builds a validator from registry configuration.
// Durations are Go duration strings ("30s") or nanoseconds.
func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	var in struct {
		JwksURL     string          `json:"jwksUrl"`
		Issuer      string          `json:"issuer"`
		Audience    string          `json:"audience"`
		ClockSkew   json.RawMessage `json:"clockSkew"`
		HTTPTimeout json.RawMessage `json:"httpTimeout"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("jwks auth: invalid config: %w", err)
	}
	skew, err := parseDuration(in.ClockSkew)
	if err != nil {
		return nil, fmt.Errorf("jwks auth: clockSkew: %w", err)
	}
	timeout, err := parseDuration(in.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("jwks auth: httpTimeout: %w", err)
	}
	return NewValidator(auth.Config{
		JwksURL:     in.JwksURL,
		Issuer:      in.Issuer,
		Audience:    in.Audience,
		ClockSkew:   skew,
		HTTPTimeout: timeout,
	})
}

func init() {
	auth.RegisterProvider("jwks", NewValidatorFromJSON)
}

// Validate validates a JWT token
func (v *Validator) Validate(tokenString string) (*auth.Claims, error) {
	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("missing kid in token header")
		}
		return v.publicKey(kid)
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	result := &auth.Claims{
		Subject: getStringClaim(claims, "sub"),
		Email:   getStringClaim(claims, "email"),
		Issuer:  getStringClaim(claims, "iss"),
		Raw:     claims,
	}
	result.Audience, _ = claims.GetAudience()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		result.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		result.IssuedAt = iat.Time
	}
	if scope, ok := claims["scope"].(string); ok {
		result.Scopes = strings.Fields(scope)
	}
	return result, nil
}

func (v *Validator) publicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if key, ok := v.keyCache[kid]; ok && time.Since(v.cacheTime) < keyCacheTTL {
		return key, nil
	}
	keys, err := v.fetch()
	if err != nil {
		return nil, err
	}
	v.keyCache = keys
	v.cacheTime = time.Now()
	if key, ok := keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key %s not found in JWKS", kid)
}

func (v *Validator) fetch() (map[string]*rsa.PublicKey, error) {
	resp, err := v.client.Get(v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var set struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode e: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func parseDuration(raw json.RawMessage) (time.Duration, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, err
		}
		return time.ParseDuration(str)
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return time.Duration(n), nil
}

func getStringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
