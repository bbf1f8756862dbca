package natpmp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeFreebox stands in for the Freebox's local HTTP API, exercising the
// challenge → session → port-forwarding call sequence tryFreebox drives.
func fakeFreebox(t *testing.T, appToken string) *httptest.Server {
	t.Helper()
	const challenge = "abcd1234"

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v8/login/", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, freeboxChallenge{Challenge: challenge})
	})
	mux.HandleFunc("/api/v8/login/session/", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode session request: %v", err)
		}

		mac := hmac.New(sha1.New, []byte(appToken))
		mac.Write([]byte(challenge))
		want := hex.EncodeToString(mac.Sum(nil))
		if req["password"] != want {
			t.Fatalf("unexpected session password: got %q want %q", req["password"], want)
		}

		writeEnvelope(w, freeboxSession{SessionToken: "sess-token"})
	})
	mux.HandleFunc("/api/v8/fw/redir/", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Fbx-App-Auth"); got != "sess-token" {
			t.Fatalf("unexpected session header: %q", got)
		}
		writeEnvelope(w, map[string]any{})
	})

	return httptest.NewServer(mux)
}

func writeEnvelope(w http.ResponseWriter, result any) {
	body, _ := json.Marshal(result)
	env := freeboxEnvelope{Success: true, Result: body}
	out, _ := json.Marshal(env)
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func TestTryFreeboxCompletesSessionFlow(t *testing.T) {
	srv := fakeFreebox(t, "app-token-123")
	defer srv.Close()

	original := freeboxBaseURL
	freeboxBaseURL = srv.URL + "/api/v8"
	defer func() { freeboxBaseURL = original }()

	m := New(9000, FreeboxConfig{AppToken: "app-token-123", AppID: "overlay"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	external, err := m.tryFreebox(ctx)
	if err != nil {
		t.Fatalf("tryFreebox: %v", err)
	}
	if external == "" {
		t.Fatal("expected a non-empty external address")
	}
}

func TestTryFreeboxSkippedWithoutAppToken(t *testing.T) {
	m := New(9000, FreeboxConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := m.tryFreebox(ctx); err == nil {
		t.Fatal("expected tryFreebox to fail without an app token")
	}
}
