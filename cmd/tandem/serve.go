package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/tandem/internal/agent/claudecli"
	"github.com/thebtf/tandem/internal/config"
	"github.com/thebtf/tandem/internal/memory"
	"github.com/thebtf/tandem/internal/watcher"
	"github.com/thebtf/tandem/internal/worker"
	"github.com/thebtf/tandem/internal/worker/gateway"
	"github.com/thebtf/tandem/internal/worker/sdk"
	"github.com/thebtf/tandem/internal/worker/session"
)

type serveFlags struct {
	host       string
	port       int
	model      string
	claudePath string
}

func newServeCmd(global *globalFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, global)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = flags.host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = flags.port
			}
			if cmd.Flags().Changed("model") {
				cfg.Model = flags.model
			}
			if cmd.Flags().Changed("claude-path") {
				cfg.ClaudePath = flags.claudePath
			}

			ctx, stop := shutdownContext()
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&flags.host, "host", config.DefaultHost, "listen host")
	cmd.Flags().IntVar(&flags.port, "port", config.DefaultPort, "listen port")
	cmd.Flags().StringVar(&flags.model, "model", config.DefaultModel, "agent model")
	cmd.Flags().StringVar(&flags.claudePath, "claude-path", config.DefaultClaudePath, "claude executable")
	return cmd
}

// shutdownContext is cancelled by the first SIGINT or SIGTERM. Later signals
// are logged and otherwise ignored so shutdown runs once. The returned stop
// releases the signal handler.
func shutdownContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		stopping := false
		for {
			select {
			case sig := <-sigCh:
				if stopping {
					log.Info().Str("signal", sig.String()).Msg("Already shutting down")
					continue
				}
				stopping = true
				log.Info().Str("signal", sig.String()).Msg("Shutdown requested")
				cancel()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigCh)
			cancel()
			close(done)
		})
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	memWatcher, err := watcher.New(st.loader.Invalidate, st.files.Dir(), filepath.Join(st.files.Dir(), memory.JournalDir))
	if err != nil {
		log.Warn().Err(err).Msg("Memory file watcher unavailable")
	} else if err := memWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start memory file watcher")
	} else {
		defer func() { _ = memWatcher.Stop() }()
	}

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	backend := claudecli.New(claudecli.Config{
		ClaudePath:    cfg.ClaudePath,
		Model:         cfg.Model,
		GatewayURL:    "http://" + cfg.Addr(),
		BridgeCommand: []string{exe, "mcp"},
		TempDir:       filepath.Join(config.DataDir(), "mcp"),
	})
	summarizer := claudecli.NewSummarizer(cfg.ClaudePath, cfg.Model)

	matcher := memory.NewMatcher(cfg.CorrectionMatcher, cfg.CorrectionSimilarity)
	maintainer := gateway.NewMaintainer(st.memory, st.files, st.loader, matcher, cfg.CorrectionThreshold)
	if _, err := maintainer.Run(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial memory maintenance failed")
	}

	processor := sdk.NewProcessor(st.transcript, st.memory, st.files, st.loader, summarizer)
	processor.OnFlushed(maintainer.OnFlushed)

	tasks := gateway.NewTaskSet(context.Background())
	sessions := session.NewManager(session.Deps{
		Backend:    backend,
		Loader:     st.loader,
		Transcript: st.transcript,
		Processor:  processor,
		Workspace:  st.workspace,
		Memory:     st.memory,
		Journal:    st.files,
		Spawn:      tasks.Spawn,
	}, session.Config{
		Model:          cfg.Model,
		MaxTurns:       cfg.MaxTurns,
		TurnTimeout:    cfg.TurnTimeout,
		ReconnectGrace: cfg.ReconnectGrace,
		BatchThreshold: cfg.BatchThreshold,
		MemoryTools:    cfg.MemoryTools,
	})

	if pending, err := st.transcript.CountUnprocessed(ctx); err == nil && pending >= cfg.BatchThreshold {
		log.Info().Int("unprocessed", pending).Msg("Curating observations left from the last run")
		tasks.Spawn("flush:startup", func(ctx context.Context) {
			if err := processor.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("Startup curation failed")
			}
		})
	}

	svc := worker.NewService(worker.Options{
		Version:    Version,
		Config:     cfg,
		Workspace:  st.workspace,
		Memory:     st.memory,
		Sessions:   sessions,
		Maintainer: maintainer,
		Tasks:      tasks,
		ToolRoutes: backend.Registry().Routes(),
	})
	return svc.Serve(ctx)
}
