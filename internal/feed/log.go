package feed

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Feed file format: NDJSON, one Record per line.
//
// - Blank lines ignored.
// - Lines starting with '#' ignored.
// - t_ms is milliseconds since the first record of the file.
//
// Kept line-oriented and append-only so a crashed recording is still
// replayable up to its last complete line.

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 4*1024), 256*1024)

	recs := make([]Record, 0, 1024)
	ln := 0
	for s.Scan() {
		ln++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := ParseRecord([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", ln, err)
		}
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// LoadFile reads a whole feed file into memory.
func LoadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

type Writer struct {
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("# sensor feed v1\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: time.Now()}, nil
}

// Write stamps the record relative to the writer's start and appends
// it as one line.
func (ww *Writer) Write(now time.Time, rec Record) error {
	if ww.closed {
		return errors.New("feed writer is closed")
	}

	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	rec.AtMS = d.Milliseconds()

	b, err := rec.Marshal()
	if err != nil {
		return err
	}
	if _, err := ww.w.Write(b); err != nil {
		return err
	}
	return ww.w.WriteByte('\n')
}

func (ww *Writer) Flush() error {
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play replays records with their relative timing.
//
// speedMultiplier: 1.0 = real time, 2.0 = 2x speed (half waits),
// 0.5 = half speed. With loop set the feed restarts from the first
// record after the last, pausing by the first record's own offset.
func Play(records []Record, speedMultiplier float64, loop bool, sleeper Sleeper, cb func(Record) error) error {
	if speedMultiplier <= 0 {
		return fmt.Errorf("speedMultiplier must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}

	for {
		var lastMS int64
		for _, r := range records {
			wait := r.AtMS - lastMS
			if wait < 0 {
				wait = 0
			}
			d := time.Duration(float64(wait)*float64(time.Millisecond) / speedMultiplier)
			if d > 0 {
				sleeper.Sleep(d)
			}

			if err := cb(r); err != nil {
				return err
			}
			lastMS = r.AtMS
		}

		if !loop {
			return nil
		}
	}
}
