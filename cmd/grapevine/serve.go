package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mach-34/grapevine/internal/config"
	"github.com/Mach-34/grapevine/internal/ipc"
)

var (
	serveSimulate bool
	serveWatch    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a daemon exposing the store on an admin socket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, levelVar, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if serveSimulate {
			report, err := runScenarios(ctx, a, defaultPhrase)
			if err != nil {
				return fmt.Errorf("seed scenarios: %w", err)
			}
			logger.Info("seeded reference scenarios", "phrase_hash", report.PhraseHash, "steps", len(report.Outcomes))
		}

		sock := socketPath
		if sock == "" {
			sock = config.DefaultPaths().SocketPath
		}
		sock = config.ExpandPath(sock)
		if err := os.MkdirAll(filepath.Dir(sock), 0700); err != nil {
			return fmt.Errorf("create socket directory: %w", err)
		}

		server, err := ipc.NewServer(sock, a.store, cfg.Store.Backend, a.session.Stats, logger)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", sock, err)
		}
		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()

		path := resolvedConfigPath()
		if _, statErr := os.Stat(path); serveWatch && statErr == nil {
			watcher, err := config.NewWatcher(path, func(c *config.Config) {
				if logLevel != "" {
					return
				}
				levelVar.Set(parseLevel(c.Log.Level))
				logger.Info("config reloaded", "log_level", c.Log.Level)
			})
			if err != nil {
				logger.Warn("config watch disabled", "error", err)
			} else {
				watcher.SetErrorCallback(func(err error) {
					logger.Warn("config reload failed", "error", err)
				})
				defer watcher.Close()
				go watcher.Start(ctx)
			}
		}

		logger.Info("daemon started", "socket", sock, "backend", cfg.Store.Backend)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			server.Stop()
			return nil
		case err := <-errCh:
			return fmt.Errorf("admin server: %w", err)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sock := socketPath
		if sock == "" {
			sock = config.DefaultPaths().SocketPath
		}
		client, err := ipc.NewClient(config.ExpandPath(sock))
		if err != nil {
			return err
		}
		defer client.Close()

		st, err := client.Status(cmd.Context())
		if err != nil {
			printError(err.Error())
			return err
		}

		printHeader("Grapevine Daemon")
		printInfo(fmt.Sprintf("Backend:  %s", st.Backend))
		printInfo(fmt.Sprintf("Phrases:  %d", st.Phrases))
		printSection("Folding")
		fmt.Printf("   started=%d extended=%d verified=%d failed=%d\n",
			st.Started, st.Extended, st.Verified, st.Failed)
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveSimulate, "simulate", false, "seed the store with the reference scenarios on start")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "reload the log level when the config file changes")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}
