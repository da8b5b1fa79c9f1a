package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"

	"github.com/lucianhymer/asrgateway/internal/api"
	"github.com/lucianhymer/asrgateway/internal/asr"
	"github.com/lucianhymer/asrgateway/internal/config"
	"github.com/lucianhymer/asrgateway/internal/corrector"
	"github.com/lucianhymer/asrgateway/internal/gateway"
	"github.com/lucianhymer/asrgateway/internal/logger"
	"github.com/lucianhymer/asrgateway/internal/logsink"
)

// Subcommands: serve (run the gateway), check (ASR provider connectivity
// self-test), config (print the effective merged configuration), init
// (write a default config file). Out-of-core per spec.md §6, kept as a
// thin dispatcher the way the teacher's single-flag main did for "serve".
func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "serve"
	rest := args
	if len(args) > 0 && !isFlag(args[0]) {
		cmd = args[0]
		rest = args[1:]
	}

	switch cmd {
	case "serve":
		return cmdServe(rest)
	case "check":
		return cmdCheck(rest)
	case "config":
		return cmdConfig(rest)
	case "init":
		return cmdInit(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve|check|config|init)\n", cmd)
		return 1
	}
}

func isFlag(s string) bool {
	return len(s) > 0 && s[0] == '-'
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.NewWithConfig(logger.Config{
		Level:  logger.ParseLogLevel(cfg.Server.LogLevel),
		Format: logger.ParseOutputFormat(cfg.Server.LogFormat),
		Output: os.Stdout,
	})
}

// cmdServe starts the gateway's HTTP server: the websocket and WebRTC
// streaming transports plus the auxiliary REST endpoints, all routed onto
// one gateway.SessionManager.
func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return 1
	}

	log := newLogger(cfg)
	log.Info("starting asrgateway server on %s", cfg.Server.BindAddress)

	sink := logsink.New(logsink.Config{Enabled: cfg.LogSink.Enabled, Dir: cfg.LogSink.Dir}, log.With("logsink"))

	manager := gateway.NewManager(gateway.ManagerConfig{
		MaxSessions: cfg.Sessions.MaxSessions,
		IdleTimeout: time.Duration(cfg.Sessions.IdleTimeoutMs) * time.Millisecond,
		Logger:      log.With("gateway"),
		Deps: gateway.Deps{
			SampleRate:         cfg.Audio.SampleRate,
			MaxSegmentDuration: cfg.Audio.MaxSegmentSeconds,
			LookbackDuration:   cfg.Audio.LookbackSeconds,
			PreRoll:            cfg.Audio.PreRollSeconds,
			VADHopSize:         cfg.VAD.HopSize,
			VADProbThreshold:   cfg.VAD.Threshold,
			VADSilenceDuration: time.Duration(cfg.VAD.SilenceMs) * time.Millisecond,
			ASRProvider: asr.Config{
				APIURL:        cfg.ASR.APIURL,
				Model:         cfg.ASR.Model,
				Timeout:       time.Duration(cfg.ASR.TimeoutMs) * time.Millisecond,
				MaxConcurrent: int64(cfg.Server.Workers) * 4,
			},
			LLMProvider: corrector.Config{
				APIKey:  cfg.LLM.APIKey,
				APIURL:  cfg.LLM.APIURL,
				Model:   cfg.LLM.Model,
				Timeout: time.Duration(cfg.LLM.TimeoutMs) * time.Millisecond,
				Logger:  log.With("corrector"),
			},
			LogSink: sink,
			Logger:  log.With("session"),
		},
	})

	var iceServers []webrtc.ICEServer
	for _, ice := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       ice.URLs,
			Username:   ice.Username,
			Credential: ice.Credential,
		})
	}

	server := api.New(cfg.Server.BindAddress, log, manager, iceServers, api.AuxConfig{
		SampleRate: cfg.Audio.SampleRate,
		ASRProvider: asr.Config{
			APIURL:  cfg.ASR.APIURL,
			Model:   cfg.ASR.Model,
			Timeout: time.Duration(cfg.ASR.TimeoutMs) * time.Millisecond,
		},
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go idleSweepLoop(sweepCtx, manager, log)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Error("server error: %v", err)
		stopSweep()
		return 1
	case sig := <-sigChan:
		log.Info("received signal %v, shutting down", sig)
	}

	stopSweep()
	if err := server.Stop(); err != nil {
		log.Error("error stopping server: %v", err)
	}
	if err := manager.CloseAll(); err != nil {
		log.Error("error closing sessions: %v", err)
	}
	log.Info("server stopped")
	return 0
}

func idleSweepLoop(ctx context.Context, manager *gateway.SessionManager, log *logger.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.SweepIdleSessions(ctx)
		}
	}
}

// cmdCheck runs the ASR provider connectivity self-test and reports
// success/failure, mirroring Session.Configure's self-test without
// standing up a full session.
func cmdCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	apiKey := fs.String("api-key", "", "ASR provider API key (overrides config)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return 1
	}

	key := cfg.ASR.APIKey
	if *apiKey != "" {
		key = *apiKey
	}

	client := asr.New(asr.Config{
		APIKey:  key,
		APIURL:  cfg.ASR.APIURL,
		Model:   cfg.ASR.Model,
		Timeout: time.Duration(cfg.ASR.TimeoutMs) * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ok, msg := client.TestConnection(ctx)
	if !ok {
		fmt.Fprintf(os.Stderr, "ASR provider check failed: %s\n", msg)
		return 1
	}
	fmt.Println("ASR provider reachable")
	return 0
}

// cmdConfig prints the effective merged configuration (file values with
// defaults filled in) as YAML.
func cmdConfig(args []string) int {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return 1
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshaling config: %v\n", err)
		return 1
	}
	os.Stdout.Write(out)
	return 0
}

// cmdInit writes a default configuration file, refusing to overwrite an
// existing one.
func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to write")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil {
		fmt.Fprintf(os.Stderr, "%s already exists, refusing to overwrite\n", *configPath)
		return 1
	}

	out, err := yaml.Marshal(config.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshaling default config: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*configPath, out, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "writing %s: %v\n", *configPath, err)
		return 1
	}
	fmt.Printf("wrote default configuration to %s\n", *configPath)
	return 0
}
