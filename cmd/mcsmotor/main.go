package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mcsmotor/internal/config"
	"mcsmotor/internal/monitor"
	"mcsmotor/internal/shield"
	"mcsmotor/internal/udp"
	"mcsmotor/internal/web"
)

// Seams for tests.
var (
	openShield     = shield.Open
	newBroadcaster = udp.NewBroadcaster
)

type options struct {
	configPath string
	httpListen string
	useShell   bool
	motorID    int
	speed      int
	duration   time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to YAML config (default: built-in shield layout)")
	flag.StringVar(&opts.httpListen, "http", "", "HTTP listen address, overrides http.listen")
	flag.BoolVar(&opts.useShell, "shell", false, "Run the interactive control shell")
	flag.IntVar(&opts.motorID, "motor", 0, "Run one output (1 or 2) at -speed for -duration, then exit")
	flag.IntVar(&opts.speed, "speed", 128, "Speed for -motor (0..255)")
	flag.DurationVar(&opts.duration, "duration", 5*time.Second, "Run time for -motor")
	flag.Parse()

	logs := web.NewLogBuffer(500)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, opts, logs)
	cancel()
	if err != nil {
		log.Fatalf("mcsmotor: %v", err)
	}
}

// run owns every resource it opens and releases them all before returning,
// whether it fails or not.
func run(ctx context.Context, opts options, logs *web.LogBuffer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	envCfg, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	cfg, err := loadConfig(opts.configPath, envCfg, opts.httpListen)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	sh, err := openShield(cfg)
	if err != nil {
		return fmt.Errorf("shield init: %w", err)
	}
	defer func() {
		if err := sh.Close(); err != nil {
			log.Printf("shield close: %v", err)
		}
	}()

	log.Printf("mcsmotor starting backend=%s pwm_hz=%d outputs=%d", cfg.Platform.Backend, cfg.Platform.PWMFrequencyHz, len(cfg.Outputs))
	for i, o := range cfg.Outputs {
		log.Printf("output %d drive=%d inhibit=%d sense=%d", i+1, o.DrivePin, o.InhibitPin, o.SensePin)
	}

	mon := monitor.New(monitor.Config{Interval: cfg.Monitor.Interval}, sh)
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("monitor start: %w", err)
	}
	defer mon.Close()

	if cfg.HTTP.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           web.Handler(sh, mon, logs),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("http listening on %s", cfg.HTTP.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http server stopped: %v", err)
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if dest := cfg.Telemetry.UDPDest; dest != "" {
		b, err := newBroadcaster(dest)
		if err != nil {
			return fmt.Errorf("udp telemetry init: %w", err)
		}
		defer b.Close()
		snaps, unsubscribe := mon.Subscribe()
		defer unsubscribe()
		log.Printf("udp telemetry dest=%s interval=%s", dest, cfg.Monitor.Interval)
		go b.Run(ctx, snaps)
	}

	switch {
	case opts.motorID != 0:
		if err := runOnce(ctx, sh, mon, opts.motorID, opts.speed, opts.duration); err != nil {
			log.Printf("run failed: %v", err)
		}
	case opts.useShell:
		runShell(ctx, sh)
	default:
		<-ctx.Done()
	}
	log.Printf("mcsmotor stopping")
	return nil
}

// loadConfig reads path (or the built-in defaults) and layers environment and
// flag overrides on top.
func loadConfig(path string, envCfg config.EnvOverrides, httpListen string) (config.Config, error) {
	if strings.TrimSpace(path) == "" {
		path = envCfg.ConfigPath
	}
	var cfg config.Config
	if strings.TrimSpace(path) == "" {
		cfg = config.Default()
	} else {
		c, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = c
	}
	envCfg.Apply(&cfg)
	if v := strings.TrimSpace(httpListen); v != "" {
		cfg.HTTP.Listen = v
	}
	// Overrides can change the backend, which changes what is valid.
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// runOnce drives one output for d, logging current sense on every monitor
// sample, and always leaves it ended.
func runOnce(ctx context.Context, sh *shield.Shield, mon *monitor.Service, id, speed int, d time.Duration) error {
	if speed < 0 || speed > 255 {
		return fmt.Errorf("speed %d out of range 0..255", speed)
	}
	ch, ok := sh.Channel(id)
	if !ok {
		return fmt.Errorf("unknown output %d", id)
	}
	if err := ch.Begin(); err != nil {
		return fmt.Errorf("output %d begin: %w", id, err)
	}
	defer func() {
		if err := ch.End(); err != nil {
			log.Printf("output %d end: %v", id, err)
		}
	}()

	sub, unsubscribe := mon.Subscribe()
	defer unsubscribe()

	if err := ch.StartAt(uint8(speed)); err != nil {
		return fmt.Errorf("output %d start: %w", id, err)
	}
	st := ch.State()
	log.Printf("output %d running=%v speed=%d mode=%s", id, st.Running, st.Speed, st.Mode)

	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := ch.Stop(); err != nil {
				return fmt.Errorf("output %d stop: %w", id, err)
			}
			log.Printf("output %d stopped after %s", id, d)
			return nil
		case snap := <-sub:
			if id > len(snap.Channels) {
				continue
			}
			c := snap.Channels[id-1]
			if c.SenseValid {
				log.Printf("output %d sense=%d", id, c.SenseRaw)
			} else {
				log.Printf("output %d sense error: %s", id, c.SenseError)
			}
		}
	}
}
