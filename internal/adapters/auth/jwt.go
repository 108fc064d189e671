// Package auth authenticates signaling connections with HS256 tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/dkeye/Tether/internal/metrics"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Claims carries the user id under "_id", the way the account service
// issues it.
type Claims struct {
	UserID string `json:"_id"`
	jwt.RegisteredClaims
}

// Verifier checks a token against one signing secret.
type Verifier struct {
	Name   string
	secret []byte
}

func NewVerifier(name, secret string) Verifier {
	return Verifier{Name: name, secret: []byte(secret)}
}

func (v Verifier) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Provider tries its verifiers in order, newest secret first, and accepts
// the first match.
type Provider struct {
	verifiers  []Verifier
	cookieName string
	metrics    *metrics.Metrics
}

// NewProvider names verifiers by position: "current", then "previous-N".
func NewProvider(secrets []string, cookieName string, m *metrics.Metrics) (*Provider, error) {
	if len(secrets) == 0 {
		return nil, errors.New("auth: at least one secret is required")
	}
	p := &Provider{cookieName: cookieName, metrics: m}
	for i, s := range secrets {
		if s == "" {
			return nil, fmt.Errorf("auth: secret %d is empty", i)
		}
		name := "current"
		if i > 0 {
			name = fmt.Sprintf("previous-%d", i)
		}
		p.verifiers = append(p.verifiers, NewVerifier(name, s))
	}
	return p, nil
}

// tokenFrom reads the credential from the handshake: query, then bearer
// header, then cookie.
func (p *Provider) tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	if c, err := r.Cookie(p.cookieName); err == nil {
		return c.Value
	}
	return ""
}

func (p *Provider) Authenticate(r *http.Request) (core.Identity, error) {
	raw := p.tokenFrom(r)
	if raw == "" {
		return core.Identity{}, core.Unauthenticated("missing token")
	}
	var lastErr error
	for _, v := range p.verifiers {
		claims, err := v.Parse(raw)
		if err != nil {
			lastErr = err
			continue
		}
		uid, err := domain.ParseUserID(claims.UserID)
		if err != nil {
			return core.Identity{}, &core.Error{Kind: core.KindAuthentication, Reason: core.ReasonUnauthenticated, Msg: "malformed identity", Err: err}
		}
		p.metrics.AuthVerifier.WithLabelValues(v.Name).Inc()
		return core.Identity{UserID: uid, Verifier: v.Name}, nil
	}
	log.Debug().Err(lastErr).Str("module", "adapters.auth").Msg("token rejected")
	return core.Identity{}, &core.Error{Kind: core.KindAuthentication, Reason: core.ReasonUnauthenticated, Msg: "invalid token", Err: lastErr}
}
