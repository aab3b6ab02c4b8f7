package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"clipdetector/internal/apierr"
	"clipdetector/internal/types"
)

type fakeCreds struct {
	mu        sync.Mutex
	access    string
	refresh   string
	saveCalls int
}

func (f *fakeCreds) Load() (types.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.Credential{AccessToken: f.access, RefreshToken: f.refresh}, nil
}

func (f *fakeCreds) Save(access, refresh string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	f.access, f.refresh = access, refresh
	return nil
}

func TestCreateClipRefreshesOnceOn401(t *testing.T) {
	var tokenCalls, clipCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		json.NewEncoder(w).Encode(map[string]any{"access_token": "new-access", "refresh_token": "new-refresh"})
	})
	mux.HandleFunc("/helix/clips", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			clipCalls++
			auth := r.Header.Get("Authorization")
			if auth == "Bearer old-access" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"id": "C1"}}})
			return
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := &fakeCreds{access: "old-access", refresh: "old-refresh"}
	client := NewClient("cid", "secret", srv.URL+"/helix", srv.URL+"/oauth2/token", creds)

	clipID, err := client.CreateClip(context.Background(), 111)
	if err != nil {
		t.Fatalf("create clip: %v", err)
	}
	if clipID != "C1" {
		t.Fatalf("expected clip id C1, got %q", clipID)
	}
	if clipCalls != 2 {
		t.Fatalf("expected 2 create-clip attempts (first call + retry), got %d", clipCalls)
	}
	if tokenCalls != 1 {
		t.Fatalf("expected exactly 1 refresh token exchange, got %d", tokenCalls)
	}
	if creds.saveCalls != 1 {
		t.Fatalf("expected exactly 1 save call, got %d", creds.saveCalls)
	}
}

func TestCreateClipPermanentOnSecond401(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "new-access", "refresh_token": "new-refresh"})
	})
	mux.HandleFunc("/helix/clips", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := &fakeCreds{access: "old-access", refresh: "old-refresh"}
	client := NewClient("cid", "secret", srv.URL+"/helix", srv.URL+"/oauth2/token", creds)

	_, err := client.CreateClip(context.Background(), 111)
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if apiErr.Kind != apierr.Permanent {
		t.Fatalf("expected Permanent, got %v", apiErr.Kind)
	}
}

func TestCreateClipPermanentOn403(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/helix/clips", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := &fakeCreds{access: "a", refresh: "r"}
	client := NewClient("cid", "secret", srv.URL+"/helix", srv.URL+"/oauth2/token", creds)

	_, err := client.CreateClip(context.Background(), 111)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Kind != apierr.Permanent {
		t.Fatalf("expected Permanent error for 403, got %v", err)
	}
}
