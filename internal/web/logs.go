package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LogBuffer keeps the most recent log lines in a fixed ring so the
// kiosk can be debugged over the LAN without shell access. It is an
// io.Writer meant to sit behind log.SetOutput via io.MultiWriter.
type LogBuffer struct {
	mu      sync.Mutex
	cap     int
	lines   []string
	start   int
	dropped uint64
	partial []byte
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{cap: maxLines}
}

// Write collects whole lines; a trailing fragment is held until its
// newline arrives.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial = append(b.partial, p...)
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(b.partial[:i]), "\r")
		b.partial = b.partial[i+1:]
		if line != "" {
			b.pushLocked(line)
		}
	}
	if len(b.partial) == 0 {
		b.partial = nil
	} else if len(b.partial) > 64*1024 {
		// A writer that never sends a newline must not grow unbounded.
		b.pushLocked(string(b.partial))
		b.partial = nil
	}
	return len(p), nil
}

func (b *LogBuffer) pushLocked(line string) {
	if len(b.lines) < b.cap {
		b.lines = append(b.lines, line)
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % b.cap
	b.dropped++
}

// Snapshot returns up to tail lines, oldest first, plus how many lines
// the ring has discarded in total.
func (b *LogBuffer) Snapshot(tail int) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped = b.dropped
	if tail <= 0 {
		tail = 200
	}

	n := len(b.lines)
	ordered := make([]string, 0, n)
	if n < b.cap {
		ordered = append(ordered, b.lines...)
	} else {
		ordered = append(ordered, b.lines[b.start:]...)
		ordered = append(ordered, b.lines[:b.start]...)
	}
	if tail < len(ordered) {
		ordered = ordered[len(ordered)-tail:]
	}
	return ordered, dropped
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		tail := 200
		if s := strings.TrimSpace(r.URL.Query().Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 5000 {
				http.Error(w, "tail must be an integer in [1,5000]", http.StatusBadRequest)
				return
			}
			tail = v
		}

		lines, dropped := b.Snapshot(tail)

		if strings.EqualFold(r.URL.Query().Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, line := range lines {
				_, _ = w.Write([]byte(line))
				_, _ = w.Write([]byte("\n"))
			}
			return
		}

		writeJSON(w, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		})
	})
}
