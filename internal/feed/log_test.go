package feed

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (fs *fakeSleeper) Sleep(d time.Duration) {
	fs.slept = append(fs.slept, d)
}

func TestReaderReadAll(t *testing.T) {
	in := strings.NewReader(`
# sensor feed v1

{"type":"orientation","t_ms":0,"alpha":10.0,"beta":0.5,"gamma":-0.5}
{"type":"geolocation","t_ms":500,"lat":35.779,"lon":139.022}
{"type":"progress","t_ms":800,"value":40}
`)

	recs, err := NewReader(in).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Type != KindOrientation || recs[0].AtMS != 0 {
		t.Fatalf("rec[0] = %+v", recs[0])
	}
	if recs[1].Type != KindGeolocation || recs[1].AtMS != 500 {
		t.Fatalf("rec[1] = %+v", recs[1])
	}
	if recs[2].Value != 40 {
		t.Fatalf("rec[2] = %+v", recs[2])
	}
}

func TestReaderReadAll_BadLineReportsLineNumber(t *testing.T) {
	in := strings.NewReader(`{"type":"orientation","t_ms":0}
{"type":"geolocation","t_ms":5}
`)
	_, err := NewReader(in).ReadAll()
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("error should name the line: %v", err)
	}
}

func TestPlay_RespectsTiming(t *testing.T) {
	fs := &fakeSleeper{}
	var got []string

	recs := []Record{
		Orientation(0, f64(1), nil, nil, nil, false, 0),
		Orientation(40, f64(2), nil, nil, nil, false, 0),
		Geolocation(1000, 35.0, 139.0, nil, nil),
	}

	err := Play(recs, 1.0, false, fs, func(r Record) error {
		got = append(got, r.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}

	want := []string{KindOrientation, KindOrientation, KindGeolocation}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order got=%v want=%v", got, want)
	}
	wantSlept := []time.Duration{40 * time.Millisecond, 960 * time.Millisecond}
	if !reflect.DeepEqual(fs.slept, wantSlept) {
		t.Fatalf("slept = %v, want %v", fs.slept, wantSlept)
	}
}

func TestPlay_SpeedMultiplier(t *testing.T) {
	fs := &fakeSleeper{}
	recs := []Record{
		Orientation(0, nil, nil, nil, nil, false, 0),
		Orientation(100, nil, nil, nil, nil, false, 0),
	}

	if err := Play(recs, 2.0, false, fs, func(Record) error { return nil }); err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{50 * time.Millisecond}) {
		t.Fatalf("slept = %v, want [50ms]", fs.slept)
	}
}

func TestPlay_InvalidSpeed(t *testing.T) {
	recs := []Record{Progress(0, 10)}
	if err := Play(recs, 0, false, nil, func(Record) error { return nil }); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWriter_RoundTrip(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "walk.ndjson")

	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	w.start = time.Unix(100, 0)

	if err := w.Write(time.Unix(100, int64(250*time.Millisecond)), Orientation(0, f64(33), nil, nil, nil, true, 0)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := w.Write(time.Unix(101, 0), Geolocation(0, 35.779, 139.022, nil, nil)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if !strings.HasPrefix(string(b), "# sensor feed v1\n") {
		t.Fatalf("missing header: %q", string(b))
	}

	recs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].AtMS != 250 {
		t.Fatalf("t_ms[0] got=%d want=250", recs[0].AtMS)
	}
	if recs[1].AtMS != 1000 {
		t.Fatalf("t_ms[1] got=%d want=1000", recs[1].AtMS)
	}
	if recs[0].Alpha == nil || *recs[0].Alpha != 33 {
		t.Fatalf("alpha got=%+v", recs[0].Alpha)
	}
	if !recs[0].Absolute {
		t.Fatalf("absolute flag lost")
	}
}
