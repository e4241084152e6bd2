package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/config"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./dev.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	// Mirror the process log into the ring served at /api/logs so the
	// kiosk can be inspected without shell access.
	logBuf := web.NewLogBuffer(cfg.Web.LogLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	status := web.NewStatus()
	rt, err := newKioskRuntime(ctx, cfg, status)
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}

	log.Printf("kotei-lens starting")
	log.Printf("listen=%s source=%s anchor=%.7f,%.7f pois=%d",
		cfg.Listen, sourceLabel(cfg), cfg.Anchor.LatDeg, cfg.Anchor.LonDeg, rt.scene.Len())

	err = web.Serve(ctx, cfg.Listen, status, rt.sessions, rt.settings, logBuf, rt.scene, rt.recordSink())

	log.Printf("kotei-lens stopping")
	rt.Close()
	if err != nil && ctx.Err() == nil {
		log.Fatalf("web server failed: %v", err)
	}
}
