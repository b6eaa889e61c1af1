package usertoken

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// SubjectVerifier turns a bearer token into a user id.
type SubjectVerifier interface {
	VerifySubject(token string) (string, error)
}

type userKey struct{}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the authenticated user id set by Middleware.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// Middleware authenticates the caller and stores the subject on the request
// context. onReject writes the failure response.
func Middleware(v SubjectVerifier, onReject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			token, ok := strings.CutPrefix(header, "Bearer ")
			token = strings.TrimSpace(token)
			if !ok || token == "" {
				onReject(w, r, ErrUnauthenticated)
				return
			}
			subject, err := v.VerifySubject(token)
			if err != nil {
				onReject(w, r, errors.Join(ErrUnauthenticated, err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), subject)))
		})
	}
}
