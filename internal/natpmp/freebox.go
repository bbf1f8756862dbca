package natpmp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// freeboxBaseURL is the documented address of the Freebox's local HTTP API
// (spec §6.5, "Freebox API (mafreebox.freebox.fr)"). A var, not a const, so
// tests can point it at an httptest server.
var freeboxBaseURL = "http://mafreebox.freebox.fr/api/v8"

var freeboxHTTPClient = &http.Client{Timeout: 10 * time.Second}

type freeboxEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Msg     string          `json:"msg"`
}

type freeboxChallenge struct {
	Challenge     string `json:"challenge"`
	PasswordSalt  string `json:"password_salt"`
	LoggedIn      bool   `json:"logged_in"`
	PasswordValid bool   `json:"password_valid"`
}

type freeboxSession struct {
	SessionToken string `json:"session_token"`
}

// tryFreebox authenticates with the Freebox using the pre-authorized
// m.freebox credentials and installs a port-forwarding rule, following the
// documented challenge/response session-opening flow (spec §6.5).
func (m *Mapper) tryFreebox(ctx context.Context) (string, error) {
	if m.freebox.AppToken == "" {
		return "", fmt.Errorf("natpmp: no freebox app token configured")
	}

	challenge, err := freeboxGetChallenge(ctx)
	if err != nil {
		return "", err
	}

	sessionToken, err := freeboxOpenSession(ctx, m.freebox, challenge)
	if err != nil {
		return "", err
	}

	external, err := freeboxAddPortForwarding(ctx, sessionToken, m.port)
	if err != nil {
		return "", err
	}

	return external, nil
}

func freeboxGetChallenge(ctx context.Context) (freeboxChallenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, freeboxBaseURL+"/login/", nil)
	if err != nil {
		return freeboxChallenge{}, err
	}
	var env freeboxEnvelope
	if err := freeboxDo(req, &env); err != nil {
		return freeboxChallenge{}, err
	}
	var ch freeboxChallenge
	if err := json.Unmarshal(env.Result, &ch); err != nil {
		return freeboxChallenge{}, fmt.Errorf("natpmp: decode freebox challenge: %w", err)
	}
	return ch, nil
}

func freeboxOpenSession(ctx context.Context, cfg FreeboxConfig, challenge freeboxChallenge) (string, error) {
	mac := hmac.New(sha1.New, []byte(cfg.AppToken))
	mac.Write([]byte(challenge.Challenge))
	password := hex.EncodeToString(mac.Sum(nil))

	body, err := json.Marshal(map[string]string{
		"app_id":   cfg.AppID,
		"password": password,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, freeboxBaseURL+"/login/session/", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var env freeboxEnvelope
	if err := freeboxDo(req, &env); err != nil {
		return "", err
	}
	var sess freeboxSession
	if err := json.Unmarshal(env.Result, &sess); err != nil {
		return "", fmt.Errorf("natpmp: decode freebox session: %w", err)
	}
	return sess.SessionToken, nil
}

func freeboxAddPortForwarding(ctx context.Context, sessionToken string, port int) (string, error) {
	body, err := json.Marshal(map[string]any{
		"enabled":        true,
		"ip_proto":       "tcp",
		"wan_port_start": port,
		"wan_port_end":   port,
		"lan_port":       port,
		"comment":        "teapotnet-overlay",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, freeboxBaseURL+"/fw/redir/", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fbx-App-Auth", sessionToken)

	var env freeboxEnvelope
	if err := freeboxDo(req, &env); err != nil {
		return "", err
	}

	// The Freebox API doesn't return the box's own external (WAN) address
	// from this call; connections.get would, but that's a further
	// authenticated call this best-effort path skips. Callers learn the
	// actual external address from the tracker's view of inbound dials
	// instead.
	return fmt.Sprintf("mafreebox:%d", port), nil
}

func freeboxDo(req *http.Request, out *freeboxEnvelope) error {
	resp, err := freeboxHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("natpmp: freebox request: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("natpmp: decode freebox response: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("natpmp: freebox request failed: %s", out.Msg)
	}
	return nil
}
