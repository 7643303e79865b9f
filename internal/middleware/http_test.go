package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPTrustProxy(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:12345"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.5")

	if got := ClientIP(r, false); got != "10.0.0.5" {
		t.Fatalf("unexpected direct IP: %s", got)
	}
	if got := ClientIP(r, true); got != "1.2.3.4" {
		t.Fatalf("unexpected proxied IP: %s", got)
	}
}

func TestAdminTokenGuard(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	cases := []struct {
		name       string
		configured string
		sent       string
		want       int
	}{
		{"match", "s3cret", "s3cret", http.StatusNoContent},
		{"mismatch", "s3cret", "wrong", http.StatusForbidden},
		{"missing header", "s3cret", "", http.StatusForbidden},
		{"disabled", "", "anything", http.StatusForbidden},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("POST", "/admin", nil)
		if tc.sent != "" {
			r.Header.Set("X-Admin-Token", tc.sent)
		}
		w := httptest.NewRecorder()
		AdminToken(tc.configured)(ok).ServeHTTP(w, r)
		if w.Code != tc.want {
			t.Fatalf("%s: status=%d, want %d", tc.name, w.Code, tc.want)
		}
	}
}
