package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/firm/internal/announcer"
	"github.com/andresmejia3/firm/internal/cache"
	"github.com/andresmejia3/firm/internal/capture"
	"github.com/andresmejia3/firm/internal/config"
	"github.com/andresmejia3/firm/internal/persist"
	"github.com/andresmejia3/firm/internal/queue"
	"github.com/andresmejia3/firm/internal/registry"
	"github.com/andresmejia3/firm/internal/shutdown"
	"github.com/andresmejia3/firm/internal/status"
	"github.com/andresmejia3/firm/internal/utils"
	"github.com/andresmejia3/firm/internal/vision"
	"github.com/andresmejia3/firm/internal/worker"
)

// startupFailed reports a startup error in the usual box and maps it to exit status 1.
func startupFailed(context string, err error, s *utils.SafeCommand) error {
	utils.ShowError(context, err, s)
	return &utils.ExitError{Code: utils.ExitStartup}
}

func visionConfig(cfg *config.Config) vision.Config {
	return vision.Config{Command: cfg.Vision.Command, ReadTimeout: cfg.Vision.ReadTimeout.Std()}
}

// loadRegistry starts an ad-hoc engine (ID 0), encodes the registry with it and closes it.
func loadRegistry(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*registry.Matcher, error) {
	eng, err := vision.NewPythonEngine(ctx, 0, visionConfig(cfg))
	if err != nil {
		return nil, startupFailed("Failed to start vision engine", err, nil)
	}
	m, err := registry.Load(ctx, cfg.Matcher.Directory, eng, registry.LoadOptions{Progress: os.Stderr, Logger: log})
	eng.Close()
	if err != nil {
		return nil, startupFailed("Failed to load registry", err, eng.Cmd)
	}
	return m, nil
}

// runPipeline wires capture, queue, workers, cache and announcer together and
// blocks until the shutdown coordinator reaches Terminated.
func runPipeline(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	runID := uuid.NewString()
	fmt.Fprintf(os.Stderr, "👁️  %s v%s (run %s)\n", cfg.Name, cfg.Version, runID[:8])
	log.WithFields(logrus.Fields{
		"fps":       cfg.FPS,
		"device":    cfg.Camera.Device,
		"workers":   cfg.Workers.Count,
		"queue":     cfg.QueueCapacity(),
		"policy":    cfg.Queue.Policy,
		"ttl":       cfg.Cache.TTL,
		"tolerance": cfg.Matcher.Tolerance,
		"journal":   cfg.Database.URL != "",
	}).Info("Configuration loaded")

	// 1. Registry
	matcher, err := loadRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	// 2. Optional collaborators
	opts := worker.Options{
		Workers:   cfg.Workers.Count,
		Tolerance: cfg.Matcher.Tolerance,
		Greeting:  cfg.Announcer.Greeting,
	}

	persister, err := persist.New(cfg.Image, startedAt, log)
	if err != nil {
		return startupFailed("Failed to prepare image output", err, nil)
	}
	if persister != nil {
		opts.Persister = persister
		log.Infof("Saving faces to %s", persister.Dir())
	}

	if cfg.Database.URL != "" {
		db, err := openStore(ctx)
		if err != nil {
			return startupFailed("Failed to open sighting journal", err, nil)
		}
		defer db.Close()
		journal, err := db.BeginRun(ctx, runID, cfg.Version, matcher.Len())
		if err != nil {
			return startupFailed("Failed to open sighting journal", err, nil)
		}
		opts.Recorder = journal
	}

	// 3. Queue, cache, announcer, workers
	policy, err := queue.ParsePolicy(cfg.Queue.Policy)
	if err != nil {
		return startupFailed("Invalid queue policy", err, nil)
	}
	q := queue.New(cfg.QueueCapacity(), policy)
	dedup := cache.New(cfg.Cache.TTL.Std(), cfg.Cache.MaxEntries)
	ann := announcer.New(announcer.CommandSpeaker{Command: cfg.Announcer.Command}, cfg.Announcer.Buffer, log.WithField("component", "announcer"))

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", opts.Workers)
	pool := worker.New(q, vision.NewFactory(visionConfig(cfg)), matcher, dedup, ann, opts, log)
	if err := pool.Start(); err != nil {
		ann.Close(context.Background())
		return startupFailed("Worker startup failed", err, nil)
	}

	// 4. Camera, last: it starts producing as soon as it is open
	cam, err := capture.OpenFFmpeg(cfg.Camera, cfg.FPS)
	if err != nil {
		pool.Stop(cfg.Shutdown.Timeout.Std())
		ann.Close(context.Background())
		return startupFailed("Failed to open camera", err, nil)
	}

	var preview capture.Preview = capture.NopPreview{}
	if cfg.Camera.Preview {
		preview = capture.NewTerminalPreview(os.Stderr, capture.StdinKeys())
	}

	captureCtx, stopCapture := context.WithCancel(context.Background())
	defer stopCapture()

	coord := shutdown.New(shutdown.Components{
		Cancel:    stopCapture,
		Camera:    cam,
		Preview:   preview,
		Workers:   pool,
		Announcer: ann,
	}, cfg.Shutdown.Timeout.Std(), log)

	src := capture.NewSource(cam, q, preview, cfg.FrameInterval(), log.WithField("component", "capture"))

	// 5. Optional status endpoint
	var srv *status.Server
	if cfg.Status.Addr != "" {
		srv = status.New(cfg.Status.Addr, status.Info{Name: cfg.Name, Version: cfg.Version, RunID: runID}, status.Providers{
			State:     func() string { return coord.State().String() },
			Queue:     q.Stats,
			Workers:   pool.Stats,
			Capture:   src.Stats,
			Announcer: ann.Stats,
			Cache:     dedup.Identities,
			Registry:  matcher.Len(),
		}, log)
		go func() {
			if err := srv.Start(); err != nil {
				log.WithError(err).Error("Status endpoint stopped")
			}
		}()
	}

	// 6. Run until something triggers the shutdown. Children share our process
	// group and see Ctrl+C too, so their death after a signal is not a failure.
	go func() {
		err := src.Run(captureCtx)
		switch {
		case errors.Is(err, capture.ErrExitRequested):
			coord.Trigger(shutdown.ExitKey, nil)
		case err != nil && ctx.Err() != nil:
			coord.Trigger(shutdown.Interrupt, nil)
		case err != nil:
			coord.Trigger(shutdown.CaptureFailed, err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			coord.Trigger(shutdown.Interrupt, nil)
		case <-pool.Lost():
			if ctx.Err() != nil {
				coord.Trigger(shutdown.Interrupt, nil)
				return
			}
			coord.Trigger(shutdown.EnginesLost, errors.New("every vision engine exited"))
		case <-coord.Done():
		}
	}()

	fmt.Fprintln(os.Stderr, "🎥 Capturing. Press Ctrl+C to stop.")
	code := coord.Wait()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Status endpoint did not stop cleanly")
		}
		cancel()
	}

	ws := pool.Stats()
	log.WithFields(logrus.Fields{
		"frames":    src.Stats().Frames,
		"processed": ws.Frames,
		"announced": ws.Announced,
		"failed":    ws.Failed,
		"dropped":   q.Stats().Dropped,
	}).Info("Run summary")

	switch code {
	case utils.ExitOK:
		fmt.Fprintln(os.Stderr, "\n🏁 FIRM stopped.")
		return nil
	case utils.ExitRuntime:
		utils.ShowError("Pipeline failed", coord.Cause(), cam.Cmd)
		return &utils.ExitError{Code: code}
	default:
		return &utils.ExitError{Code: code, Err: errors.New("shutdown deadline passed with work still in flight")}
	}
}
