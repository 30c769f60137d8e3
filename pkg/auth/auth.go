package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Principal is the authenticated caller identity for the current request.
// The subject doubles as the host-ledger identity of the caller.
type Principal struct {
	Subject string
	Roles   []string
}

type contextKey string

const principalContextKey contextKey = "insurance.principal"

var (
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenSignature = errors.New("bad token signature")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenAudience  = errors.New("token audience mismatch")
	ErrTokenIssuer    = errors.New("token issuer mismatch")
)

// TokenClaims are the JWT claims the service consumes.
type TokenClaims struct {
	Sub   string   `json:"sub"`
	Iss   string   `json:"iss"`
	Aud   string   `json:"aud"`
	Exp   int64    `json:"exp"`
	Roles []string `json:"roles"`
}

// VerifyHS256Token validates a compact HMAC-SHA256 JWT.
func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return TokenClaims{}, ErrTokenMalformed
	}
	var header struct {
		Alg string `json:"alg"`
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, ErrTokenMalformed
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil || !strings.EqualFold(header.Alg, "HS256") {
		return TokenClaims{}, ErrTokenMalformed
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, ErrTokenMalformed
	}
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, ErrTokenSignature
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, ErrTokenMalformed
	}
	var claims TokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return TokenClaims{}, ErrTokenMalformed
	}
	if claims.Exp != 0 && now.Unix() > claims.Exp {
		return TokenClaims{}, ErrTokenExpired
	}
	if issuer != "" && claims.Iss != issuer {
		return TokenClaims{}, ErrTokenIssuer
	}
	if audience != "" && claims.Aud != audience {
		return TokenClaims{}, ErrTokenAudience
	}
	if strings.TrimSpace(claims.Sub) == "" {
		return TokenClaims{}, ErrTokenMalformed
	}
	return claims, nil
}

// SignHS256Token mints a compact token; used by tooling and tests.
func SignHS256Token(claims TokenClaims, secret string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadRaw, _ := json.Marshal(claims)
	payload := base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Middleware authenticates bearer tokens and stashes the Principal in the
// request context. Mode "off" trusts an X-Caller header for local runs
// and tests; anything else requires a valid HS256 token.
func Middleware(mode, secret, issuer, audience string) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				subject := strings.TrimSpace(r.Header.Get("X-Caller"))
				if subject == "" {
					subject = "anonymous"
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: subject})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			claims, err := VerifyHS256Token(token, secret, time.Now().UTC(), issuer, audience)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject: claims.Sub,
				Roles:   claims.Roles,
			})))
		})
	}
}
