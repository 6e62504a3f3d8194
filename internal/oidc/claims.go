package oidc

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPayload holds the claims of an ID token that the gate consumes.
type TokenPayload struct {
	// Subject is the sub claim
	Subject string

	// ExpiresAt is the exp claim truncated to epoch seconds, 0 when absent
	ExpiresAt int64

	// Claims are all decoded claims
	Claims map[string]interface{}
}

// DecodeClaims decodes the payload of a JWT without verifying its signature.
// Use Provider.Verify wherever the token has not been verified already.
// The exp claim may be a JSON number or a numeric string and is truncated.
func DecodeClaims(rawToken string) (*TokenPayload, error) {
	token, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}

	exp, err := expiryClaim(claims["exp"])
	if err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)

	return &TokenPayload{
		Subject:   sub,
		ExpiresAt: exp,
		Claims:    claims,
	}, nil
}

// expiryClaim converts an exp claim value to whole epoch seconds.
func expiryClaim(v interface{}) (int64, error) {
	var f float64
	switch exp := v.(type) {
	case nil:
		return 0, nil
	case float64:
		f = exp
	case json.Number:
		parsed, err := exp.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid exp claim %q: %w", exp.String(), err)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(exp), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid exp claim %q: %w", exp, err)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("invalid exp claim type %T", v)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("invalid exp claim %v", f)
	}

	return int64(math.Trunc(f)), nil
}
