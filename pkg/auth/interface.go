package auth

import (
	"time"
)

// Claims is the caller identity extracted from a bearer token.
type Claims struct {
	Subject   string
	Email     string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Scopes    []string
	Raw       map[string]interface{}
}

// HasScope checks if the claims contain a specific scope
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Principal is the name used for the caller in logs and rate limit buckets.
func (c *Claims) Principal() string {
	if c == nil {
		return ""
	}
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

// Validator validates authentication tokens
type Validator interface {
	Validate(token string) (*Claims, error)
}

// Config configures a JWKS-backed validator.
type Config struct {
	JwksURL     string        `json:"jwksUrl"`
	Issuer      string        `json:"issuer"`
	Audience    string        `json:"audience"`
	ClockSkew   time.Duration `json:"clockSkew"`
	HTTPTimeout time.Duration `json:"httpTimeout"`
}
