package signaling

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/UE2020/tenebra/internal/config"
	"github.com/UE2020/tenebra/internal/keystore"
)

type fakeStarter struct {
	answers     string
	err         error
	permissions []keystore.Permission
}

func (f *fakeStarter) StartSession(_ string, permission keystore.Permission, _ bool) (string, error) {
	f.permissions = append(f.permissions, permission)
	if f.err != nil {
		return "", f.err
	}
	return f.answers, nil
}

func newTestServer(t *testing.T) (*Server, *fakeStarter, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Password = "hunter2"
	starter := &fakeStarter{answers: "QU5TV0VS"}
	srv := New(cfg, keystore.New(), starter)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, starter, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHome(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "target bitrate") {
		t.Fatal("banner missing configuration")
	}
	if !strings.Contains(string(body), "Unauthorized access is prohibited") {
		t.Fatal("banner missing legal notice")
	}
}

func TestCreateKey_And_TokenRoundTrip(t *testing.T) {
	_, starter, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/create_key", map[string]any{
		"password": "hunter2", "view_only": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create_key status = %d", resp.StatusCode)
	}
	keyBytes, _ := io.ReadAll(resp.Body)
	key := string(keyBytes)
	if len(key) != 32 {
		t.Fatalf("key length = %d", len(key))
	}

	offer := map[string]any{"key": key, "offer": "T0ZGRVI=", "show_mouse": false}
	resp = postJSON(t, ts.URL+"/offer", offer)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("offer status = %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["Offer"] != "QU5TV0VS" {
		t.Fatalf("offer response = %v", body)
	}
	if len(starter.permissions) != 1 || starter.permissions[0] != keystore.ViewOnly {
		t.Fatalf("session permission = %v", starter.permissions)
	}

	// The key is single-use.
	resp = postJSON(t, ts.URL+"/offer", offer)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reused key status = %d", resp.StatusCode)
	}
}

func TestCreateKey_WrongPassword(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/create_key", map[string]any{"password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestOffer_PasswordGrantsFullControl(t *testing.T) {
	_, starter, ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/offer", map[string]any{
		"password": "hunter2", "offer": "T0ZGRVI=",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(starter.permissions) != 1 || starter.permissions[0] != keystore.FullControl {
		t.Fatalf("permissions = %v", starter.permissions)
	}
}

func TestOffer_BadCredentials(t *testing.T) {
	_, _, ts := newTestServer(t)
	for _, body := range []map[string]any{
		{"offer": "T0ZGRVI="},
		{"password": "wrong", "offer": "T0ZGRVI="},
		{"key": "nope", "offer": "T0ZGRVI="},
		{"password": "hunter2", "key": "also", "offer": "T0ZGRVI="},
	} {
		resp := postJSON(t, ts.URL+"/offer", body)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("body %v: status = %d", body, resp.StatusCode)
		}
		var parsed map[string]string
		json.NewDecoder(resp.Body).Decode(&parsed)
		if parsed["Error"] == "" {
			t.Fatalf("body %v: missing Error field", body)
		}
	}
}

func TestOffer_InternalError(t *testing.T) {
	_, starter, ts := newTestServer(t)
	starter.err = io.ErrUnexpectedEOF

	resp := postJSON(t, ts.URL+"/offer", map[string]any{
		"password": "hunter2", "offer": "T0ZGRVI=",
	})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var parsed map[string]string
	json.NewDecoder(resp.Body).Decode(&parsed)
	if parsed["Error"] != "Internal error." {
		t.Fatalf("error = %q", parsed["Error"])
	}
}

func TestCORS(t *testing.T) {
	_, _, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/offer", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}
