package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Listen is the HTTP listen address. Default ":8420".
	Listen   string         `yaml:"listen"`
	Anchor   AnchorConfig   `yaml:"anchor"`
	Session  SessionConfig  `yaml:"session"`
	Terrain  TerrainConfig  `yaml:"terrain"`
	POI      POIConfig      `yaml:"poi"`
	Geoloc   GeolocConfig   `yaml:"geoloc"`
	Feed     FeedConfig     `yaml:"feed"`
	Sim      SimConfig      `yaml:"sim"`
	HWIO     HWIOConfig     `yaml:"hwio"`
	Settings SettingsConfig `yaml:"settings"`
	Web      WebConfig      `yaml:"web"`
}

// AnchorConfig pins the scene origin to a surveyed point. The local
// frame, the terrain mesh, and every POI position hang off it.
type AnchorConfig struct {
	LatDeg float64 `yaml:"lat"`
	LonDeg float64 `yaml:"lon"`
	AltM   float64 `yaml:"alt_m"`
}

type SessionConfig struct {
	FrameRateHz  int               `yaml:"frame_rate_hz"`
	MaxAccuracyM float64           `yaml:"max_accuracy_m"`
	Orientation  OrientationConfig `yaml:"orientation"`
	Calibration  CalibrationConfig `yaml:"calibration"`
	Camera       CameraConfig      `yaml:"camera"`
	Readiness    ReadinessConfig   `yaml:"readiness"`
}

type OrientationConfig struct {
	BlendFactor     float64 `yaml:"blend_factor"`
	RollHoldBandDeg float64 `yaml:"roll_hold_band_deg"`
	TrustAbsolute   bool    `yaml:"trust_absolute"`
}

type CalibrationConfig struct {
	TiltThresholdDeg float64 `yaml:"tilt_threshold_deg"`
	HoldSeconds      float64 `yaml:"hold_seconds"`
	MaxJitterDeg     float64 `yaml:"max_jitter_deg"`
	WindowSize       int     `yaml:"window_size"`
}

type CameraConfig struct {
	EyeHeightM           float64 `yaml:"eye_height_m"`
	RepositionThresholdM float64 `yaml:"reposition_threshold_m"`
}

type ReadinessConfig struct {
	ReadyTimeoutFrames int `yaml:"ready_timeout_frames"`
}

type TerrainConfig struct {
	// Mesh is the terrain OBJ path. Empty disables server-side
	// terrain; height queries settle on the fallback elevation.
	Mesh               string  `yaml:"mesh"`
	FallbackElevationM float64 `yaml:"fallback_elevation_m"`
	ProbeEveryNFrames  int     `yaml:"probe_every_n_frames"`
	BudgetFrames       int     `yaml:"budget_frames"`
}

type POIConfig struct {
	Path string `yaml:"path"`
}

type GeolocConfig struct {
	Enable       bool          `yaml:"enable"`
	Device       string        `yaml:"device"`
	Baud         int           `yaml:"baud"`
	MaxAccuracyM float64       `yaml:"max_accuracy_m"`
	MaxAge       time.Duration `yaml:"max_age"`
}

type FeedConfig struct {
	Record RecordConfig `yaml:"record"`
	Replay ReplayConfig `yaml:"replay"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type SimConfig struct {
	Enable  bool          `yaml:"enable"`
	RadiusM float64       `yaml:"radius_m"`
	Period  time.Duration `yaml:"period"`
	// Tour is an optional scripted-route YAML; when set it replaces
	// the procedural walk.
	Tour string `yaml:"tour"`
	Loop bool   `yaml:"loop"`
}

type HWIOConfig struct {
	Enable    bool `yaml:"enable"`
	ButtonPin int  `yaml:"button_pin"`
	LEDPin    int  `yaml:"led_pin"`
}

type SettingsConfig struct {
	// Path is where operator settings persist. Empty keeps them in
	// memory only.
	Path string `yaml:"path"`
}

type WebConfig struct {
	LogLines int `yaml:"log_lines"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", joinTypeErrors(te))
		}
		return Config{}, err
	}

	if cfg.Anchor.LatDeg == 0 && cfg.Anchor.LonDeg == 0 {
		return Config{}, fmt.Errorf("anchor.lat and anchor.lon are required")
	}
	if cfg.Anchor.LatDeg < -90 || cfg.Anchor.LatDeg > 90 {
		return Config{}, fmt.Errorf("anchor.lat must be within [-90, 90]")
	}
	if cfg.Anchor.LonDeg < -180 || cfg.Anchor.LonDeg > 180 {
		return Config{}, fmt.Errorf("anchor.lon must be within [-180, 180]")
	}

	if cfg.Listen == "" {
		cfg.Listen = ":8420"
	}

	// Session defaults (the session applies the same ones; keeping
	// them here makes the loaded config self-describing).
	if cfg.Session.FrameRateHz <= 0 {
		cfg.Session.FrameRateHz = 30
	}
	if cfg.Session.MaxAccuracyM == 0 {
		cfg.Session.MaxAccuracyM = 25
	}

	// Terrain defaults. 480 is the reservoir valley floor; standing
	// water in the scene sits just above it.
	if cfg.Terrain.FallbackElevationM == 0 {
		cfg.Terrain.FallbackElevationM = 480
	}
	if cfg.Terrain.ProbeEveryNFrames <= 0 {
		cfg.Terrain.ProbeEveryNFrames = 10
	}
	if cfg.Terrain.BudgetFrames <= 0 {
		cfg.Terrain.BudgetFrames = 300
	}

	// Geolocation defaults (safe even if disabled).
	if cfg.Geoloc.Baud <= 0 {
		cfg.Geoloc.Baud = 9600
	}
	if cfg.Geoloc.MaxAccuracyM <= 0 {
		cfg.Geoloc.MaxAccuracyM = 25
	}
	if cfg.Geoloc.MaxAge <= 0 {
		cfg.Geoloc.MaxAge = 10 * time.Second
	}

	if cfg.Feed.Record.Enable && cfg.Feed.Record.Path == "" {
		return Config{}, fmt.Errorf("feed.record.path is required when feed.record.enable is true")
	}

	if cfg.Feed.Replay.Enable {
		if cfg.Feed.Replay.Path == "" {
			return Config{}, fmt.Errorf("feed.replay.path is required when feed.replay.enable is true")
		}
		if cfg.Feed.Replay.Speed == 0 {
			cfg.Feed.Replay.Speed = 1
		}
		if cfg.Feed.Replay.Speed < 0 {
			return Config{}, fmt.Errorf("feed.replay.speed must be > 0")
		}
	}

	if cfg.Feed.Record.Enable && cfg.Feed.Replay.Enable {
		return Config{}, fmt.Errorf("feed.record and feed.replay cannot both be enabled")
	}
	if cfg.Sim.Enable && cfg.Feed.Replay.Enable {
		return Config{}, fmt.Errorf("sim and feed.replay cannot both be enabled")
	}

	// Simulator defaults (safe even if disabled).
	if cfg.Sim.RadiusM <= 0 {
		cfg.Sim.RadiusM = 40
	}
	if cfg.Sim.Period <= 0 {
		cfg.Sim.Period = 90 * time.Second
	}

	// Hardware defaults.
	if cfg.HWIO.ButtonPin <= 0 {
		cfg.HWIO.ButtonPin = 17
	}
	if cfg.HWIO.LEDPin <= 0 {
		cfg.HWIO.LEDPin = 27
	}
	if cfg.HWIO.Enable && cfg.HWIO.ButtonPin == cfg.HWIO.LEDPin {
		return Config{}, fmt.Errorf("hwio.button_pin and hwio.led_pin must differ")
	}

	if cfg.Web.LogLines <= 0 {
		cfg.Web.LogLines = 2000
	}

	return cfg, nil
}

func joinTypeErrors(te *yaml.TypeError) string {
	parts := make([]string, 0, len(te.Errors))
	for _, e := range te.Errors {
		// Entries look like "line 3: field x not found in type T";
		// the line number is noise for a config-shape complaint.
		if rest, ok := strings.CutPrefix(e, "line "); ok {
			if i := strings.Index(rest, ": "); i >= 0 {
				e = rest[i+2:]
			}
		}
		parts = append(parts, e)
	}
	return strings.Join(parts, "; ")
}
