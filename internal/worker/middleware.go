// Package worker provides the HTTP service for importing prompts and
// serving cluster analyses.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// requestIDKey is the context key for request IDs.
type requestIDKey struct{}

// maxUserIDLength bounds user ids accepted in URLs.
const maxUserIDLength = 256

// controlChars matches characters never valid in a user id.
var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)

// allowedOrigins is the whitelist of origins allowed for CORS.
// Uses exact matching so "evil-localhost.com" does not pass.
var allowedOrigins = map[string]bool{
	"http://localhost":       true,
	"http://localhost:3000":  true,
	"http://localhost:5173":  true, // Vite dev server
	"http://localhost:37790": true,
	"http://127.0.0.1":       true,
	"http://127.0.0.1:3000":  true,
	"http://127.0.0.1:5173":  true,
	"http://127.0.0.1:37790": true,
}

// SecurityHeaders adds security headers and answers CORS preflights for
// whitelisted origins.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'self'")

		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			h.Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MaxBodySize limits the size of incoming request bodies.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge,
					fmt.Sprintf("request body larger than %d bytes", maxBytes))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// isBodyTooLarge reports whether err came from a MaxBytesReader limit.
func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// RequestID adds a request ID to the context and the response headers,
// reusing the client's X-Request-ID when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			idBytes := make([]byte, 8)
			if _, err := rand.Read(idBytes); err == nil {
				requestID = hex.EncodeToString(idBytes)
			} else {
				requestID = fmt.Sprintf("%d", time.Now().UnixNano())
			}
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequireContentType rejects POST requests with a body whose Content-Type
// does not start with one of the given media types.
func RequireContentType(mediaTypes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut {
				ct := r.Header.Get("Content-Type")
				// Empty Content-Type is allowed for requests without body.
				if ct != "" && !hasMediaType(ct, mediaTypes) {
					writeError(w, http.StatusUnsupportedMediaType,
						"Content-Type must be one of "+strings.Join(mediaTypes, ", "))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasMediaType(contentType string, mediaTypes []string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, mt := range mediaTypes {
		if strings.HasPrefix(ct, mt) {
			return true
		}
	}
	return false
}

// ValidateUserID checks that a user id taken from a URL is usable as a
// storage key. User ids are opaque; only emptiness, length, encoding and
// control characters are checked.
func ValidateUserID(userID string) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return errors.New("user id must not be empty")
	case len(userID) > maxUserIDLength:
		return fmt.Errorf("user id too long (max %d bytes)", maxUserIDLength)
	case !utf8.ValidString(userID):
		return errors.New("user id is not valid UTF-8")
	case controlChars.MatchString(userID):
		return errors.New("user id contains control characters")
	}
	return nil
}
