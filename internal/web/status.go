package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/assets"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/geo"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/geoloc"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/hwio"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/session"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/sim"
)

// Status assembles the /api/status document. Static facts are stored
// once at wiring time; live sections are pulled from the subsystem
// snapshot funcs on every request.
type Status struct {
	startUnixNano int64
	listenAddr    atomic.Value // string
	source        atomic.Value // string
	anchor        atomic.Value // AnchorInfo
	poiCount      atomic.Value // int
	providers     atomic.Value // Providers
}

// Providers are the live snapshot sources. Nil funcs render as zero
// sections.
type Providers struct {
	Sessions    func() session.ManagerSnapshot
	Geolocation func() geoloc.Snapshot
	Assets      func() assets.Snapshot
	Sim         func() sim.Snapshot
	Hardware    func() hwio.Snapshot
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.listenAddr.Store("")
	s.source.Store("")
	s.anchor.Store(AnchorInfo{})
	s.poiCount.Store(0)
	s.providers.Store(Providers{})
	return s
}

// AnchorInfo is the deployment anchor as served to clients.
type AnchorInfo struct {
	LatDeg float64 `json:"lat"`
	LonDeg float64 `json:"lon"`
	AltM   float64 `json:"alt"`
}

func (s *Status) SetStatic(listenAddr, source string, anchor geo.GeoPoint, poiCount int) {
	if listenAddr != "" {
		s.listenAddr.Store(listenAddr)
	}
	if source != "" {
		s.source.Store(source)
	}
	s.anchor.Store(AnchorInfo{LatDeg: anchor.LatDeg, LonDeg: anchor.LonDeg, AltM: anchor.AltM})
	s.poiCount.Store(poiCount)
}

func (s *Status) SetProviders(p Providers) {
	s.providers.Store(p)
}

// BuildInfo reports what binary is running, from the module build
// metadata when available.
type BuildInfo struct {
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
}

func readBuildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		out.ModulePath = bi.Main.Path
		out.Version = bi.Main.Version
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				out.Commit = s.Value
			case "vcs.modified":
				out.Dirty = s.Value == "true"
			case "vcs.time":
				out.BuildTime = s.Value
			}
		}
	}
	return out
}

// DiskSnapshot reports root filesystem usage. Feed recordings land on
// the kiosk disk, so operators watch this remotely.
type DiskSnapshot struct {
	RootPath       string `json:"root_path,omitempty"`
	RootTotalBytes uint64 `json:"root_total_bytes,omitempty"`
	RootFreeBytes  uint64 `json:"root_free_bytes,omitempty"`
	RootAvailBytes uint64 `json:"root_avail_bytes,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// NetworkSnapshot lists the kiosk's non-loopback IPv4 addresses so a
// handset on the site LAN can be pointed at it.
type NetworkSnapshot struct {
	LocalAddrs []string `json:"local_addrs,omitempty"`
}

type SystemSnapshot struct {
	Disk    *DiskSnapshot    `json:"disk,omitempty"`
	Network *NetworkSnapshot `json:"network,omitempty"`
}

type StatusSnapshot struct {
	Service    string     `json:"service"`
	NowUTC     string     `json:"now_utc"`
	UptimeSec  int64      `json:"uptime_sec"`
	ListenAddr string     `json:"listen_addr"`
	Source     string     `json:"source"`
	Anchor     AnchorInfo `json:"anchor"`
	POICount   int        `json:"poi_count"`
	Build      BuildInfo  `json:"build"`

	Sessions    session.ManagerSnapshot `json:"sessions"`
	Geolocation geoloc.Snapshot         `json:"geolocation"`
	Assets      assets.Snapshot         `json:"assets"`
	Sim         sim.Snapshot            `json:"sim"`
	Hardware    hwio.Snapshot           `json:"hardware"`

	System SystemSnapshot `json:"system"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:    "kotei-lens",
		NowUTC:     nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:  int64(nowUTC.Sub(start).Seconds()),
		ListenAddr: s.listenAddr.Load().(string),
		Source:     s.source.Load().(string),
		Anchor:     s.anchor.Load().(AnchorInfo),
		POICount:   s.poiCount.Load().(int),
		Build:      readBuildInfo(),
		System: SystemSnapshot{
			Disk:    snapshotDisk(nowUTC),
			Network: snapshotNetwork(nowUTC),
		},
	}

	p := s.providers.Load().(Providers)
	if p.Sessions != nil {
		snap.Sessions = p.Sessions()
	}
	if p.Geolocation != nil {
		snap.Geolocation = p.Geolocation()
	}
	if p.Assets != nil {
		snap.Assets = p.Assets()
	}
	if p.Sim != nil {
		snap.Sim = p.Sim()
	}
	if p.Hardware != nil {
		snap.Hardware = p.Hardware()
	}
	return snap
}
