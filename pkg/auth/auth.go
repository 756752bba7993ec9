// Package auth guards the build service's mutating routes with API keys.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingKey indicates that the Authorization header was not provided.
	ErrMissingKey = errors.New("missing API key")
	// ErrInvalidPrefix indicates the header did not use the Key or Bearer prefix.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrUnknownKey indicates the key is not one of the configured keys.
	ErrUnknownKey = errors.New("unknown API key")
)

// ExtractKey parses an "Authorization: Key <token>" or "Bearer <token>" header.
func ExtractKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingKey
	}

	var token string
	switch {
	case strings.HasPrefix(header, "Key "):
		token = strings.TrimPrefix(header, "Key ")
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimPrefix(header, "Bearer ")
	default:
		return "", ErrInvalidPrefix
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingKey
	}
	return token, nil
}

// Keys is a set of accepted API keys. An empty set accepts every request.
type Keys []string

// Check validates the request's key against k.
func (k Keys) Check(r *http.Request) error {
	if len(k) == 0 {
		return nil
	}
	token, err := ExtractKey(r)
	if err != nil {
		return err
	}
	for _, key := range k {
		if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return nil
		}
	}
	return ErrUnknownKey
}

// Middleware rejects requests failing Check with 401.
func (k Keys) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := k.Check(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Key realm="rootfs"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
