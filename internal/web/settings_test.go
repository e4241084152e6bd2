package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempSettingsPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "settings.yaml")
}

func TestSettingsRoundTrip(t *testing.T) {
	path := tempSettingsPath(t)

	store := NewSettingsStore(path)
	if _, ok := store.CachedOffset(); ok {
		t.Fatalf("fresh store has a cached offset")
	}

	store.SetPermission(true)
	store.SetOffset(30.5)

	reloaded := NewSettingsStore(path)
	if !reloaded.Current().PermissionGranted {
		t.Fatalf("permission not persisted")
	}
	got, ok := reloaded.CachedOffset()
	if !ok || got != 30.5 {
		t.Fatalf("offset=%v ok=%v want 30.5", got, ok)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(b)
	if !strings.Contains(text, "permission_granted: true") {
		t.Fatalf("yaml missing permission flag: %s", text)
	}
	if !strings.Contains(text, "calibration_offset_deg: 30.5") {
		t.Fatalf("yaml missing offset: %s", text)
	}
}

func TestSettingsDenialNotRemembered(t *testing.T) {
	path := tempSettingsPath(t)

	store := NewSettingsStore(path)
	store.SetPermission(true)
	store.SetPermission(false)

	if !NewSettingsStore(path).Current().PermissionGranted {
		t.Fatalf("a later denial should not clear the stored grant")
	}
}

func TestSettingsCorruptFileDegrades(t *testing.T) {
	path := tempSettingsPath(t)
	if err := os.WriteFile(path, []byte(":\tnot yaml ["), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store := NewSettingsStore(path)
	if store.Current().PermissionGranted {
		t.Fatalf("corrupt file produced settings")
	}

	// The store still accepts and persists new values.
	store.SetOffset(-4)
	if got, ok := NewSettingsStore(path).CachedOffset(); !ok || got != -4 {
		t.Fatalf("offset=%v ok=%v want -4", got, ok)
	}
}

func TestSettingsMemoryOnly(t *testing.T) {
	store := NewSettingsStore("")
	store.SetOffset(12)
	if got, ok := store.CachedOffset(); !ok || got != 12 {
		t.Fatalf("offset=%v ok=%v", got, ok)
	}
}

func settingsPost(t *testing.T, url, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	return resp
}

func TestSettingsHandlerPOST(t *testing.T) {
	path := tempSettingsPath(t)
	store := NewSettingsStore(path)

	ts := httptest.NewServer(store.Handler())
	defer ts.Close()

	resp := settingsPost(t, ts.URL, `{"permission_granted": true, "calibration_offset_deg": 12.5}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(body))
	}

	var out Settings
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.PermissionGranted {
		t.Fatalf("permission not set")
	}
	if out.CalibrationOffsetDeg == nil || *out.CalibrationOffsetDeg != 12.5 {
		t.Fatalf("offset=%v", out.CalibrationOffsetDeg)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(onDisk), "calibration_offset_deg: 12.5") {
		t.Fatalf("not saved: %s", string(onDisk))
	}
}

func TestSettingsHandlerNullClearsOffset(t *testing.T) {
	path := tempSettingsPath(t)
	store := NewSettingsStore(path)
	store.SetOffset(44)

	ts := httptest.NewServer(store.Handler())
	defer ts.Close()

	resp := settingsPost(t, ts.URL, `{"permission_granted": false, "calibration_offset_deg": null}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if _, ok := store.CachedOffset(); ok {
		t.Fatalf("offset not cleared")
	}
}

func TestSettingsHandlerRejectsBadPayloads(t *testing.T) {
	store := NewSettingsStore(tempSettingsPath(t))
	ts := httptest.NewServer(store.Handler())
	defer ts.Close()

	cases := []struct {
		name string
		body string
	}{
		{"missing key", `{"permission_granted": true}`},
		{"unknown key", `{"permission_granted": true, "calibration_offset_deg": 1, "extra": 2}`},
		{"duplicate key", `{"permission_granted": true, "permission_granted": false, "calibration_offset_deg": 1}`},
		{"null permission", `{"permission_granted": null, "calibration_offset_deg": 1}`},
		{"offset out of range", `{"permission_granted": true, "calibration_offset_deg": 500}`},
		{"not an object", `[1,2]`},
		{"trailing data", `{"permission_granted": true, "calibration_offset_deg": 1} {}`},
	}
	for _, tc := range cases {
		resp := settingsPost(t, ts.URL, tc.body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want 400", tc.name, resp.StatusCode)
		}
	}

	// Wrong content type.
	resp, err := http.Post(ts.URL, "text/plain", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d want 415", resp.StatusCode)
	}
}

func TestSettingsHandlerGET(t *testing.T) {
	store := NewSettingsStore(tempSettingsPath(t))
	store.SetPermission(true)

	ts := httptest.NewServer(store.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var out Settings
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.PermissionGranted {
		t.Fatalf("permission missing from GET")
	}
	if out.CalibrationOffsetDeg != nil {
		t.Fatalf("unexpected offset %v", *out.CalibrationOffsetDeg)
	}
}
