// Package web is the kiosk's HTTP surface: the JSON control API the
// render client drives, the two websockets (sensor ingest up, pose
// stream down), and a small embedded operator page.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/feed"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/poi"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/session"
)

//go:embed assets/*
var embeddedAssets embed.FS

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{\"ok\":true}\n"))
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MiB
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

// lookupSession resolves a session reference; an empty id means the
// active session. Writes a 404 when nothing matches.
func lookupSession(w http.ResponseWriter, sessions *session.Manager, id string) *session.Session {
	s := sessions.Get(id)
	if s == nil {
		http.Error(w, "no active session", http.StatusNotFound)
		return nil
	}
	return s
}

func writeCommandResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeOK(w)
	case errors.Is(err, session.ErrClosed):
		http.Error(w, "session closed", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusConflict)
	}
}

type startResponse struct {
	SessionID string `json:"sessionId"`
}

type stopRequest struct {
	SessionID string `json:"sessionId"`
}

type permissionRequest struct {
	SessionID string `json:"sessionId"`
	Granted   bool   `json:"granted"`
}

type progressRequest struct {
	SessionID string  `json:"sessionId"`
	Value     float64 `json:"value"`
}

type offsetRequest struct {
	SessionID string  `json:"sessionId"`
	OffsetDeg float64 `json:"offsetDeg"`
}

type calibrationRequest struct {
	SessionID string `json:"sessionId"`
}

type graphicsLostRequest struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// Handler builds the full route table. ctx is the runtime context new
// sessions run on; it outlives any single request. scene provides the
// unresolved placements served while no session is active. record,
// when non-nil, sees every valid sensor record for feed recording.
func Handler(ctx context.Context, status *Status, sessions *session.Manager, settings *SettingsStore, logs *LogBuffer, scene *poi.Store, record func(feed.Record)) http.Handler {
	mux := http.NewServeMux()

	assetsFS, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		// Should never happen; keep server functional with API only.
		assetsFS = nil
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/session/start", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var hello session.Hello
		if !decodeBody(w, r, &hello) {
			return
		}
		s, err := sessions.StartSession(ctx, hello)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, startResponse{SessionID: s.ID()})
	})

	mux.HandleFunc("/api/session/stop", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req stopRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if !sessions.Stop(req.SessionID) {
			http.Error(w, "no matching session", http.StatusNotFound)
			return
		}
		writeOK(w)
	})

	mux.HandleFunc("/api/session/permission", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req permissionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s := lookupSession(w, sessions, req.SessionID)
		if s == nil {
			return
		}
		writeCommandResult(w, s.SetPermission(req.Granted))
	})

	mux.HandleFunc("/api/session/assets/progress", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req progressRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s := lookupSession(w, sessions, req.SessionID)
		if s == nil {
			return
		}
		writeCommandResult(w, s.ReportProgress(req.Value))
	})

	mux.HandleFunc("/api/session/graphics-lost", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req graphicsLostRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s := lookupSession(w, sessions, req.SessionID)
		if s == nil {
			return
		}
		writeCommandResult(w, s.GraphicsLost(req.Reason))
	})

	mux.HandleFunc("/api/calibration/manual", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req offsetRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s := lookupSession(w, sessions, req.SessionID)
		if s == nil {
			return
		}
		writeCommandResult(w, s.SetManualOffset(req.OffsetDeg))
	})

	mux.HandleFunc("/api/calibration/confirm", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req calibrationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s := lookupSession(w, sessions, req.SessionID)
		if s == nil {
			return
		}
		writeCommandResult(w, s.ConfirmCalibration())
	})

	mux.HandleFunc("/api/calibration/restart", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req calibrationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s := lookupSession(w, sessions, req.SessionID)
		if s == nil {
			return
		}
		writeCommandResult(w, s.RestartCalibration())
	})

	mux.HandleFunc("/api/poi", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var placements []poi.Placement
		if s := sessions.Active(); s != nil {
			placements = s.Placements()
		} else {
			placements = scene.Snapshot()
		}
		if placements == nil {
			placements = []poi.Placement{}
		}
		writeJSON(w, placements)
	})

	if settings != nil {
		mux.Handle("/api/settings", settings.Handler())
	}
	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}

	mux.HandleFunc("/ws/sensors", sensorsHandler(sessions, record))
	mux.HandleFunc("/ws/pose", poseHandler(sessions))

	if assetsFS != nil {
		fileServer := http.FileServer(http.FS(assetsFS))
		mux.Handle("/assets/", http.StripPrefix("/assets/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Prevent stale viewer assets during development.
			w.Header().Set("Cache-Control", "no-store")
			fileServer.ServeHTTP(w, r)
		})))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Serve the viewer shell for / and any unknown path (except
		// /api/*, /ws/* and /assets/*).
		if r.URL.Path != "/" {
			p := r.URL.Path
			if strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/ws/") || strings.HasPrefix(p, "/assets/") {
				http.NotFound(w, r)
				return
			}
		}

		if assetsFS == nil {
			// Fallback minimal page if embedding failed.
			snap := status.Snapshot(time.Now().UTC())
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>Kotei Lens</title></head><body>")
			_, _ = fmt.Fprintf(w, "<h1>Kotei Lens</h1>")
			_, _ = fmt.Fprintf(w, "<p>Viewer page is unavailable. Use <a href=\"/api/status\">/api/status</a>.</p>")
			_, _ = fmt.Fprintf(w, "<pre>source=%s\nanchor=%.7f,%.7f\nsessions_started=%d</pre>",
				snap.Source, snap.Anchor.LatDeg, snap.Anchor.LonDeg, snap.Sessions.Started,
			)
			_, _ = fmt.Fprintf(w, "</body></html>")
			return
		}

		b, err := fs.ReadFile(assetsFS, "index.html")
		if err != nil {
			http.Error(w, "viewer unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})

	return mux
}

// Serve runs the HTTP server until ctx is canceled.
func Serve(ctx context.Context, listenAddr string, status *Status, sessions *session.Manager, settings *SettingsStore, logs *LogBuffer, scene *poi.Store, record func(feed.Record)) error {
	if status == nil {
		status = NewStatus()
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(ctx, status, sessions, settings, logs, scene, record),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
