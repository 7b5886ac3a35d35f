package middleware

import (
	"context"
	"net/http"
	"strings"

	"firebase.google.com/go/v4/auth"
)

type contextKey string

const uidKey contextKey = "UID"

// TokenVerifier checks an ID token. *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// StaticVerifier accepts a fixed set of tokens, each standing for one uid.
// It is meant for local development and tests.
type StaticVerifier map[string]string

func (v StaticVerifier) VerifyIDToken(_ context.Context, idToken string) (*auth.Token, error) {
	uid, ok := v[idToken]
	if !ok {
		return nil, errInvalidToken
	}
	return &auth.Token{UID: uid}, nil
}

type tokenError string

func (e tokenError) Error() string { return string(e) }

const errInvalidToken = tokenError("invalid token")

func Authenticator(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idToken := findToken(r, tokenFromHeader, tokenFromQuery)
			if idToken == "" {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			token, err := verifier.VerifyIDToken(r.Context(), idToken)
			if err != nil || token == nil || token.UID == "" {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), uidKey, token.UID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UID returns the authenticated user id stored by Authenticator.
func UID(ctx context.Context) string {
	uid, _ := ctx.Value(uidKey).(string)
	return uid
}

func tokenFromHeader(r *http.Request) string {
	// Get token from authorization header.
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
		return strings.TrimSpace(bearer[7:])
	}
	return ""
}

func tokenFromQuery(r *http.Request) string {
	// Get token from query param named "token".
	return r.URL.Query().Get("token")
}

func findToken(r *http.Request, findTokenFns ...func(r *http.Request) string) string {
	var tokenString string

	for _, fn := range findTokenFns {
		tokenString = fn(r)
		if tokenString != "" {
			break
		}
	}

	return tokenString
}
