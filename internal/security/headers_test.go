package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIHeaders(t *testing.T) {
	cases := []struct {
		name     string
		hsts     bool
		tls      bool
		proto    string
		wantHSTS string
	}{
		{name: "direct tls", hsts: true, tls: true, wantHSTS: hstsValue},
		{name: "proxied https", hsts: true, proto: "HTTPS", wantHSTS: hstsValue},
		{name: "plain http", hsts: true},
		{name: "hsts disabled", hsts: false, tls: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "http://example.com/webhooks/payment", nil)
			if tc.tls {
				req.TLS = &tls.ConnectionState{}
			}
			if tc.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tc.proto)
			}
			rr := httptest.NewRecorder()
			APIHeaders(tc.hsts)(ok()).ServeHTTP(rr, req)

			require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
			require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
			require.Contains(t, rr.Header().Get("Content-Security-Policy"), "default-src 'none'")
			require.Equal(t, tc.wantHSTS, rr.Header().Get("Strict-Transport-Security"))
		})
	}
}

func TestPermissiveCORSPreflight(t *testing.T) {
	handler := PermissiveCORS()(ok())

	req := httptest.NewRequest(http.MethodOptions, "http://localhost/webhooks/payment", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestOperatorCORSRejectsUnknownOrigin(t *testing.T) {
	handler := OperatorCORS([]string{"https://admin.example"})(ok())

	req := httptest.NewRequest(http.MethodGet, "http://localhost/admin", nil)
	req.Header.Set("Origin", "https://malicious.example")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://admin.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, "https://admin.example", rr.Header().Get("Access-Control-Allow-Origin"))
}
