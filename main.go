package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	pion "github.com/pion/webrtc/v4"

	"github.com/smazurov/hwencode/cmd"
	"github.com/smazurov/hwencode/internal/api"
	"github.com/smazurov/hwencode/internal/config"
	"github.com/smazurov/hwencode/internal/events"
	"github.com/smazurov/hwencode/internal/logging"
	"github.com/smazurov/hwencode/internal/metrics/exporters"
	"github.com/smazurov/hwencode/internal/pipeline"
	"github.com/smazurov/hwencode/internal/recorder"
	"github.com/smazurov/hwencode/internal/session"
	"github.com/smazurov/hwencode/internal/systemd"
	"github.com/smazurov/hwencode/internal/transport"
	"github.com/smazurov/hwencode/internal/version"
)

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *config.Options) {
		if loadErr := config.Load(opts, cli.Root().Flags()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"pipeline":  opts.LoggingPipeline,
				"reconfig":  opts.LoggingReconfig,
				"transport": opts.LoggingTransport,
				"api":       opts.LoggingAPI,
			},
		})
		logger := logging.GetLogger("main")
		logger.Info("Starting hwencode", "version", version.String(), "stream_id", opts.StreamID)

		eventBus := events.New()
		ctx, cancel := context.WithCancel(context.Background())

		// Downstream consumers
		sink := transport.NewSink(opts.StreamID, transport.NewPacketizer(96, rand.Uint32(), transport.DefaultMTU), nil)
		callbacks := []pipeline.Callback{sink.OnFrame}

		var rec *recorder.Recorder
		if opts.RecordDir != "" {
			if mkErr := os.MkdirAll(opts.RecordDir, 0o755); mkErr != nil {
				logger.Error("Failed to create recording directory", "dir", opts.RecordDir, "error", mkErr)
				os.Exit(1)
			}
			rec = recorder.New(recorder.Options{Dir: opts.RecordDir, Prefix: opts.StreamID})
			callbacks = append(callbacks, rec.OnFrame)
		}

		sess, err := session.New(ctx, session.Options{
			Pipeline: pipeline.Config{
				StreamID:          opts.StreamID,
				Width:             opts.Width,
				Height:            opts.Height,
				MaxFramerate:      opts.Framerate,
				TargetBitrateKbps: opts.BitrateKbps,
				MaxQP:             opts.MaxQP,
				SegmentInterval:   opts.SegmentInterval,
				LedgerCapacity:    opts.LedgerCapacity,
				DynamicScaling:    opts.DynamicScaling,
			},
			GOP:       opts.GOP,
			Realtime:  true,
			Callbacks: callbacks,
			Events:    eventBus,
		})
		if err != nil {
			logger.Error("Failed to initialize encoder", "error", err)
			os.Exit(1)
		}
		encoder := sess.Pipeline()

		rateInterval, err := time.ParseDuration(opts.RateInterval)
		if err != nil {
			logger.Warn("Invalid rate interval, using default", "value", opts.RateInterval, "error", err)
			rateInterval = transport.DefaultRateInterval
		}
		feedback := transport.NewFeedback(opts.StreamID, encoder, transport.FeedbackOptions{
			MinBitrateKbps:  opts.MinBitrateKbps,
			MaxBitrateKbps:  opts.BitrateKbps,
			RateInterval:    rateInterval,
			IgnoreEstimates: !opts.FeedbackEnabled,
			Events:          eventBus,
		})
		publisher := transport.NewPublisher(opts.StreamID, sink, feedback, transport.WebRTCConfig{
			ICEServers: iceServers(opts.ICEServers),
		}, nil)

		var ratesWatcher *config.Watcher[config.Rates]
		if opts.RatesFile != "" {
			ratesWatcher, err = config.WatchRates(opts.RatesFile, func(r config.Rates) error {
				return encoder.SetRates(r.BitrateKbps, r.Framerate)
			}, nil)
			if err != nil {
				logger.Warn("Failed to watch rates file, live rate changes disabled", "path", opts.RatesFile, "error", err)
			}
		}

		sseExporter := exporters.NewSSEExporter(eventBus)

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			StreamID:          opts.StreamID,
			Pipeline:          encoder,
			EventBus:          eventBus,
			Publisher:         publisher,
			PrometheusHandler: exporters.HTTPHandler(),
		})

		notifier := systemd.NewNotifier(nil)
		var wg sync.WaitGroup

		hooks.OnStart(func() {
			sseExporter.Start(ctx)

			wg.Add(1)
			go func() {
				defer wg.Done()
				summary, runErr := sess.Run(ctx)
				if runErr != nil {
					logger.Error("Encoding session failed", "error", runErr)
				}
				logger.Info("Encoding session ended",
					"completed", summary.Completed,
					"dropped", summary.Dropped,
					"key_frames", summary.KeyFrames)
			}()

			wg.Add(1)
			go func() {
				defer wg.Done()
				notifier.RunWatchdog(ctx, systemd.ProgressCheck(encoder))
			}()
			notifier.Status(fmt.Sprintf("encoding %s %dx%d@%d", opts.StreamID, opts.Width, opts.Height, opts.Framerate))
			notifier.Ready()

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			notifier.Stopping()
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}

			// Stop the source first so the pipeline drains and releases
			cancel()
			wg.Wait()

			publisher.Stop()
			if ratesWatcher != nil {
				_ = ratesWatcher.Stop()
			}
			if rec != nil {
				if closeErr := rec.Close(); closeErr != nil {
					logger.Error("Error finishing recording", "error", closeErr)
				}
			}
			sseExporter.Stop()
		})
	})

	cli.Root().Use = "hwencode"
	cli.Root().Short = "Adaptive H.264 encoding pipeline"
	cli.Root().AddCommand(cmd.CreateSimulateCmd())

	cli.Run()
}

func iceServers(list string) []pion.ICEServer {
	var servers []pion.ICEServer
	for _, url := range strings.Split(list, ",") {
		if url = strings.TrimSpace(url); url != "" {
			servers = append(servers, pion.ICEServer{URLs: []string{url}})
		}
	}
	return servers
}
