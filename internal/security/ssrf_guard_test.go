package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewClient_Timeout はタイムアウト設定が反映されることをテストする。
func TestNewClient_Timeout(t *testing.T) {
	for _, allowPrivate := range []bool{false, true} {
		client := NewSSRFGuard(allowPrivate).NewClient(5 * time.Second)
		if client.Timeout != 5*time.Second {
			t.Errorf("allowPrivate=%v: timeout = %v, want 5s", allowPrivate, client.Timeout)
		}
	}
}

// TestNewClient_HasGuardedTransport はsafeurlのTransportが設定されていることをテストする。
func TestNewClient_HasGuardedTransport(t *testing.T) {
	client := NewSSRFGuard(false).NewClient(5 * time.Second)

	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport")
	}
}

// TestNewClient_BlocksLoopback はhttptestサーバー（127.0.0.1）への接続が拒否されることをテストする。
func TestNewClient_BlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard(false).NewClient(5 * time.Second)
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

// TestNewClient_AllowPrivate_ReachesLoopback はallowPrivate時にローカルスタックへ接続できることをテストする。
func TestNewClient_AllowPrivate_ReachesLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewSSRFGuard(true).NewClient(5 * time.Second)
	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestValidateServiceURL(t *testing.T) {
	tests := []struct {
		name         string
		url          string
		allowPrivate bool
		wantErr      bool
	}{
		{"hosted https", "https://abcd.supabase.co", false, false},
		{"http rejected in production", "http://abcd.supabase.co", false, true},
		{"empty", "", false, true},
		{"no host", "https://", false, true},
		{"unsupported scheme", "ftp://example.com", false, true},
		{"private IP", "https://10.0.0.5", false, true},
		{"loopback IP", "https://127.0.0.1:54321", false, true},
		{"metadata IP", "https://169.254.169.254", false, true},
		{"IPv6 loopback", "https://[::1]", false, true},
		{"localhost", "https://localhost", false, true},
		{"public IP", "https://93.184.216.34", false, false},
		{"local stack allowed", "http://127.0.0.1:54321", true, false},
		{"localhost allowed", "http://localhost:54321", true, false},
		{"scheme still checked", "ftp://localhost", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewSSRFGuard(tt.allowPrivate).ValidateServiceURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateServiceURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
