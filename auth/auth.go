// Package auth verifies bearer tokens and exposes the authenticated
// subject to handlers. Tokens are HS256 JWTs minted by the storefront's
// session service; the subject id and wallet bindings in the token are
// the only identity inputs the pipeline trusts.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

// Role represents an authorized persona.
type Role string

// Supported roles.
const (
	RoleMember   Role = "member"
	RoleOperator Role = "operator"
)

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	SubjectID uint64
	Wallets   []string
	Role      Role
	Token     *jwt.Token
}

// Options controls token verification.
type Options struct {
	Secret   string
	Issuer   string
	Audience string
	MaxSkew  time.Duration
}

// Middleware returns an authenticator that rejects requests without a
// valid bearer token and stores the parsed claims on the context.
func Middleware(opts Options) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(opts.Issuer),
		jwt.WithAudience(opts.Audience),
		jwt.WithLeeway(opts.MaxSkew),
	)
	secret := []byte(opts.Secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			token, err := parser.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			claims, err := extract(token)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extract(token *jwt.Token) (*Claims, error) {
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	subject, err := mapClaims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("subject claim required")
	}
	subjectID, err := strconv.ParseUint(subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("subject must be a numeric id")
	}
	claims := &Claims{
		SubjectID: subjectID,
		Role:      RoleMember,
		Token:     token,
	}
	if raw, ok := mapClaims["role"].(string); ok && raw != "" {
		switch Role(raw) {
		case RoleMember, RoleOperator:
			claims.Role = Role(raw)
		default:
			return nil, fmt.Errorf("unknown role %q", raw)
		}
	}
	if raw, ok := mapClaims["wallets"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("wallets claim must be a list")
		}
		for _, item := range list {
			wallet, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("wallets claim must hold strings")
			}
			claims.Wallets = append(claims.Wallets, strings.ToLower(strings.TrimSpace(wallet)))
		}
	}
	return claims, nil
}

// FromContext returns the authenticated claims, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(*Claims)
	return claims, ok
}

// RequireRole rejects requests whose authenticated role does not match.
func RequireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := FromContext(r.Context())
			if !ok {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}
			if claims.Role != role {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HasWallet reports whether the wallet is bound to the authenticated
// subject.
func (c *Claims) HasWallet(wallet string) bool {
	if c == nil {
		return false
	}
	needle := strings.ToLower(strings.TrimSpace(wallet))
	for _, candidate := range c.Wallets {
		if candidate == needle {
			return true
		}
	}
	return false
}
