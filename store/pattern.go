package store

import (
	"fmt"
	"strings"

	"github.com/arloliu/vigil/types"
)

// AllNamespaces subscribes to events from every namespace.
const AllNamespaces = "*"

const (
	tokenSep   = "."
	singleWild = "*"
	fullWild   = ">"
)

// keyPattern is a compiled subscription key filter.
type keyPattern struct {
	raw    string
	tokens []string
	exact  bool
}

func compilePattern(pattern string) (keyPattern, error) {
	if pattern == "" {
		return keyPattern{}, fmt.Errorf("%w: empty pattern", types.ErrInvalidPattern)
	}

	tokens := strings.Split(pattern, tokenSep)
	exact := true
	for i, tok := range tokens {
		switch {
		case tok == "":
			return keyPattern{}, fmt.Errorf("%w: empty token in %q", types.ErrInvalidPattern, pattern)
		case tok == fullWild:
			if i != len(tokens)-1 {
				return keyPattern{}, fmt.Errorf("%w: %q must be the last token in %q", types.ErrInvalidPattern, fullWild, pattern)
			}
			exact = false
		case tok == singleWild:
			exact = false
		case strings.ContainsAny(tok, singleWild+fullWild):
			return keyPattern{}, fmt.Errorf("%w: wildcard inside token %q", types.ErrInvalidPattern, tok)
		}
	}

	return keyPattern{raw: pattern, tokens: tokens, exact: exact}, nil
}

// match reports whether key satisfies the pattern.
func (p keyPattern) match(key string) bool {
	if p.exact {
		return key == p.raw
	}

	rest := key
	for i, tok := range p.tokens {
		if tok == fullWild {
			return rest != ""
		}
		if rest == "" && i > 0 {
			return false
		}

		var part string
		if idx := strings.Index(rest, tokenSep); idx >= 0 {
			part, rest = rest[:idx], rest[idx+1:]
			if i == len(p.tokens)-1 {
				// key has more tokens than the pattern
				return false
			}
		} else {
			part, rest = rest, ""
			if i != len(p.tokens)-1 {
				// pattern has more tokens than the key, only '>' could absorb them and it needs at least one
				return false
			}
		}

		if part == "" {
			return false
		}
		if tok != singleWild && tok != part {
			return false
		}
	}

	return true
}

func validateNamespace(ns string) error {
	if ns == "" || strings.ContainsAny(ns, singleWild+fullWild) {
		return fmt.Errorf("%w: %q", types.ErrInvalidNamespace, ns)
	}

	return nil
}

func validateKey(key string) error {
	if key == "" {
		return types.ErrInvalidKey
	}

	return nil
}
