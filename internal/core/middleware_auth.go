package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"fitmarket/internal/types"
)

// Authenticator decides whether a bearer token may call the /v1 API.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) error
}

// HashedTokenAuthenticator accepts the single service token whose bcrypt
// hash is configured as API_TOKEN_HASH.
type HashedTokenAuthenticator struct {
	hash []byte
}

// NewHashedTokenAuthenticator rejects a value that is not a bcrypt hash so
// a plaintext token pasted into API_TOKEN_HASH fails at startup.
func NewHashedTokenAuthenticator(hash types.SecretString) (*HashedTokenAuthenticator, error) {
	h := []byte(hash.Unmask())
	if _, err := bcrypt.Cost(h); err != nil {
		return nil, err
	}
	return &HashedTokenAuthenticator{hash: h}, nil
}

func (a *HashedTokenAuthenticator) Authenticate(_ context.Context, token string) error {
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return types.NewAppError(types.ErrCodeAuthTokenInvalid, "Invalid authentication token", nil)
		}
		return err
	}
	return nil
}

// AuthMiddleware requires a valid bearer token. With no Authenticator
// configured (local development) every request passes.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}
		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		if err := s.Authenticator.Authenticate(r.Context(), token); err != nil {
			if types.CodeOf(err) != types.ErrCodeAuthTokenInvalid {
				s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
			} else {
				s.Logger.WarnContext(r.Context(), "authentication failed: token invalid",
					slog.String("path", r.URL.Path),
				)
			}
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken returns the token from "Bearer <token>", matching the
// scheme case-insensitively per RFC 7235.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{Error: ErrorDetail{
		Code:      string(code),
		Message:   message,
		RequestID: types.GetRequestID(r.Context()),
	}})
}
