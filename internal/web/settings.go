package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Settings are the only two facts that survive a session: whether the
// visitor's browser already granted the orientation permission, and
// the last confirmed calibration offset. A nil offset means no
// calibration has completed on this kiosk yet.
type Settings struct {
	PermissionGranted    bool     `yaml:"permission_granted" json:"permission_granted"`
	CalibrationOffsetDeg *float64 `yaml:"calibration_offset_deg,omitempty" json:"calibration_offset_deg"`
}

// SettingsStore persists Settings to a small YAML file, best effort:
// an unreadable or unwritable file degrades to in-memory settings and
// a log line, never a failed session.
type SettingsStore struct {
	Path string

	mu  sync.Mutex
	cur Settings
}

// NewSettingsStore loads the file at path when it exists. A missing
// file is a fresh kiosk, not an error.
func NewSettingsStore(path string) *SettingsStore {
	s := &SettingsStore{Path: path}
	if strings.TrimSpace(path) == "" {
		return s
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("settings: read %s: %v", path, err)
		}
		return s
	}
	var in Settings
	if err := yaml.Unmarshal(b, &in); err != nil {
		log.Printf("settings: parse %s: %v", path, err)
		return s
	}
	s.cur = in
	return s
}

func (s *SettingsStore) Current() Settings {
	if s == nil {
		return Settings{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.cur
	if s.cur.CalibrationOffsetDeg != nil {
		v := *s.cur.CalibrationOffsetDeg
		out.CalibrationOffsetDeg = &v
	}
	return out
}

// CachedOffset reports the persisted calibration offset, if any. Shape
// matches session.Deps.CachedOffset.
func (s *SettingsStore) CachedOffset() (float64, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.CalibrationOffsetDeg == nil {
		return 0, false
	}
	return *s.cur.CalibrationOffsetDeg, true
}

// SetOffset records a confirmed calibration offset and writes the file.
func (s *SettingsStore) SetOffset(deg float64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.cur.CalibrationOffsetDeg = &deg
	s.mu.Unlock()
	s.saveBestEffort()
}

// SetPermission records the permission prompt outcome and writes the
// file. Only a grant is worth remembering; a denial keeps whatever was
// stored so a one-time misclick does not poison future visits.
func (s *SettingsStore) SetPermission(granted bool) {
	if s == nil || !granted {
		return
	}
	s.mu.Lock()
	changed := !s.cur.PermissionGranted
	s.cur.PermissionGranted = true
	s.mu.Unlock()
	if changed {
		s.saveBestEffort()
	}
}

func (s *SettingsStore) saveBestEffort() {
	if err := s.save(); err != nil {
		log.Printf("settings: save %s: %v", s.Path, err)
	}
}

func (s *SettingsStore) save() error {
	if strings.TrimSpace(s.Path) == "" {
		return nil
	}
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()

	b, err := yaml.Marshal(&cur)
	if err != nil {
		return err
	}

	// Write atomically so a power cut mid-save cannot corrupt the file.
	// A temp file in the same directory makes os.Rename atomic.
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.Path)
}

var settingsPostKeys = []string{
	"permission_granted",
	"calibration_offset_deg",
}

// settingsPayloadIn is the strict POST schema. Both keys are required
// (no partial updates). calibration_offset_deg accepts null, which
// clears the cached offset.
type settingsPayloadIn struct {
	PermissionGranted    *bool    `json:"permission_granted"`
	CalibrationOffsetDeg *float64 `json:"calibration_offset_deg"`
}

func decodeSettingsPayloadStrict(body []byte) (settingsPayloadIn, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	// First pass: stream tokens to enforce strict object rules and
	// reject duplicate keys.
	allowed := make(map[string]struct{}, len(settingsPostKeys))
	for _, k := range settingsPostKeys {
		allowed[k] = struct{}{}
	}
	seen := make(map[string]struct{}, len(settingsPostKeys))

	tok, err := dec.Token()
	if err != nil {
		return settingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return settingsPayloadIn{}, errors.New("invalid json: expected object")
	}

	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return settingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return settingsPayloadIn{}, errors.New("invalid json: expected string key")
		}
		if _, ok := allowed[key]; !ok {
			return settingsPayloadIn{}, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if _, dup := seen[key]; dup {
			return settingsPayloadIn{}, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return settingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" && key == "permission_granted" {
			return settingsPayloadIn{}, fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}

	end, err := dec.Token()
	if err != nil {
		return settingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	delim, ok = end.(json.Delim)
	if !ok || delim != '}' {
		return settingsPayloadIn{}, errors.New("invalid json: expected end of object")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return settingsPayloadIn{}, errors.New("invalid json: trailing data")
	}

	for _, k := range settingsPostKeys {
		if _, ok := seen[k]; !ok {
			return settingsPayloadIn{}, fmt.Errorf("invalid json: missing required key %q", k)
		}
	}

	// Second pass: decode into the typed struct.
	var out settingsPayloadIn
	dec2 := json.NewDecoder(bytes.NewReader(body))
	dec2.DisallowUnknownFields()
	if err := dec2.Decode(&out); err != nil {
		return settingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if err := dec2.Decode(&struct{}{}); err != io.EOF {
		return settingsPayloadIn{}, errors.New("invalid json: trailing data")
	}

	if out.PermissionGranted == nil {
		return settingsPayloadIn{}, errors.New("permission_granted is required")
	}
	if out.CalibrationOffsetDeg != nil {
		v := *out.CalibrationOffsetDeg
		if v < -180 || v > 180 {
			return settingsPayloadIn{}, fmt.Errorf("calibration_offset_deg %v out of range [-180,180]", v)
		}
	}
	return out, nil
}

// Handler serves /api/settings so an operator can inspect or reset
// the persisted scalars. Changes affect sessions started afterwards.
func (s *SettingsStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, s.Current())
			return

		case http.MethodPost:
			if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
				http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MiB
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
				return
			}
			p, err := decodeSettingsPayloadStrict(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			s.mu.Lock()
			s.cur.PermissionGranted = *p.PermissionGranted
			s.cur.CalibrationOffsetDeg = p.CalibrationOffsetDeg
			s.mu.Unlock()

			if err := s.save(); err != nil {
				http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, s.Current())
			return

		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
	})
}
