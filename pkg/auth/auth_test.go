package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractKey(t *testing.T) {
	for _, header := range []string{"Key test-token", "Bearer test-token"} {
		req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
		req.Header.Set("Authorization", header)

		token, err := ExtractKey(req)
		if err != nil {
			t.Fatalf("%s: expected no error, got %v", header, err)
		}
		if token != "test-token" {
			t.Fatalf("unexpected token: %s", token)
		}
	}
}

func TestExtractKeyErrors(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)

	if _, err := ExtractKey(req); err != ErrMissingKey {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}

	req.Header.Set("Authorization", "Basic abc")
	if _, err := ExtractKey(req); err != ErrInvalidPrefix {
		t.Fatalf("expected ErrInvalidPrefix, got %v", err)
	}

	req.Header.Set("Authorization", "Key ")
	if _, err := ExtractKey(req); err != ErrMissingKey {
		t.Fatalf("expected ErrMissingKey for empty token, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	cases := []struct {
		keys   Keys
		header string
		want   int
	}{
		{nil, "", http.StatusNoContent},
		{Keys{"secret"}, "", http.StatusUnauthorized},
		{Keys{"secret"}, "Key wrong", http.StatusUnauthorized},
		{Keys{"other", "secret"}, "Key secret", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/builds", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		tc.keys.Middleware(ok).ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("keys=%v header=%q: got %d, want %d", tc.keys, tc.header, rec.Code, tc.want)
		}
	}
}
