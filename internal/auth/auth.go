package auth

import (
	"context"
	"crypto/subtle"
	"strings"
)

type TokenValidator interface {
	Validate(ctx context.Context, token string) bool
}

// StaticTokenValidator accepts a fixed set of operator tokens.
type StaticTokenValidator struct {
	tokens [][]byte
}

// NewStaticTokenValidator parses a comma separated token list. Blank entries
// are ignored; an empty list rejects every token.
func NewStaticTokenValidator(list string) *StaticTokenValidator {
	validator := &StaticTokenValidator{}
	for _, entry := range strings.Split(list, ",") {
		token := strings.TrimSpace(entry)
		if token == "" {
			continue
		}
		validator.tokens = append(validator.tokens, []byte(token))
	}
	return validator
}

func (v *StaticTokenValidator) Enabled() bool {
	return len(v.tokens) > 0
}

func (v *StaticTokenValidator) Validate(_ context.Context, token string) bool {
	candidate := []byte(token)
	matched := false
	for _, known := range v.tokens {
		if subtle.ConstantTimeCompare(candidate, known) == 1 {
			matched = true
		}
	}
	return matched
}
