// Package static authenticates callers against bearer tokens listed in config.
package static

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/crowsandbox/crow/pkg/auth"
)

type identity struct {
	Token   string         `json:"token"`
	Subject string         `json:"subject,omitempty"`
	Email   string         `json:"email,omitempty"`
	Scopes  []string       `json:"scopes,omitempty"`
	Raw     map[string]any `json:"raw,omitempty"`
}

// The config is either a bare token string, one identity object, or
// {"tokens": [identity, ...]}.
type validatorConfig struct {
	identity
	Tokens []identity `json:"tokens,omitempty"`
}

type validator struct {
	ids []identity
}

func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, errors.New("static auth: missing config")
	}

	var cfg validatorConfig
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &cfg.Token); err != nil {
			return nil, fmt.Errorf("static auth: invalid config: %w", err)
		}
	} else if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("static auth: invalid config: %w", err)
	}

	ids := cfg.Tokens
	if strings.TrimSpace(cfg.Token) != "" {
		ids = append(ids, cfg.identity)
	}
	if len(ids) == 0 {
		return nil, errors.New("static auth: token is required")
	}
	for i := range ids {
		ids[i].Token = strings.TrimSpace(ids[i].Token)
		if ids[i].Token == "" {
			return nil, fmt.Errorf("static auth: tokens[%d] is empty", i)
		}
		if ids[i].Subject = strings.TrimSpace(ids[i].Subject); ids[i].Subject == "" {
			ids[i].Subject = "static"
		}
		if ids[i].Raw == nil {
			ids[i].Raw = map[string]any{}
		}
	}
	return &validator{ids: ids}, nil
}

func (v *validator) Validate(token string) (*auth.Claims, error) {
	token = strings.TrimSpace(token)
	for _, id := range v.ids {
		if subtle.ConstantTimeCompare([]byte(token), []byte(id.Token)) == 1 {
			return &auth.Claims{
				Subject: id.Subject,
				Email:   id.Email,
				Scopes:  id.Scopes,
				Raw:     id.Raw,
			}, nil
		}
	}
	return nil, errors.New("invalid token")
}

func init() {
	auth.RegisterProvider("static", NewValidatorFromJSON)
}
