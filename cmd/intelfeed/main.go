// Command intelfeed runs the intel ingestion pipeline: as a long-running
// service with its scheduler and HTTP API, or as one-shot runs from cron.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/intelfeed/intel"
	"github.com/hazyhaar/intelfeed/intel/catalog"
	"github.com/hazyhaar/intelfeed/shield"
)

func main() {
	root := &cobra.Command{
		Use:           "intelfeed",
		Short:         "intelfeed: news and OSINT feed ingestion with geolocation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", os.Getenv("INTEL_CONFIG"), "YAML config file")

	root.AddCommand(
		serveCmd(),
		runCmd(intel.KindIngest, "Poll every eligible source once"),
		runCmd(intel.KindEnrich, "Locate one batch of pending items"),
		runCmd(intel.KindCleanup, "Apply the retention policy once"),
		runCmd(intel.KindSweep, "Check backed-off sources and reset those that answer"),
		runCmd("all", "Run ingest, enrich and cleanup in order"),
		articleCmd(),
		sourcesCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("intelfeed", "error", err)
		os.Exit(1)
	}
}

// app is the process-wide wiring shared by every subcommand.
type app struct {
	cfg    *intel.Config
	logger *slog.Logger
	svc    *intel.Service
	close  func() error
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg := &intel.Config{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		c, err := intel.LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = intel.DefaultConfig().DBPath
	}
	db, err := intel.OpenDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	svc, err := intel.New(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &app{cfg: svc.Config(), logger: logger, svc: svc, close: db.Close}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// syncCatalog loads the configured catalog, or the built-in one.
func (a *app) syncCatalog(ctx context.Context) error {
	c := catalog.Default()
	if a.cfg.SourcesPath != "" {
		loaded, err := catalog.Load(a.cfg.SourcesPath)
		if err != nil {
			return err
		}
		c = loaded
	}
	_, err := a.svc.SyncCatalog(ctx, c)
	return err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, cancel := signalContext()
			defer cancel()

			if err := a.syncCatalog(ctx); err != nil {
				return err
			}

			trusted, err := shield.ParseTrustedProxies(a.cfg.TrustedProxies)
			if err != nil {
				return err
			}
			r := chi.NewRouter()
			for _, mw := range shield.Stack(shield.Config{
				Logger:         a.logger,
				TrustedProxies: trusted,
				Limits: []shield.Limit{
					{Prefix: "/api/run/", Every: 30 * time.Second, Burst: 3},
					{Prefix: "/api/articles", Every: time.Second, Burst: 10},
				},
			}) {
				r.Use(mw)
			}
			a.svc.RegisterHTTP(r)

			srv := &http.Server{
				Addr:              ":" + a.cfg.Port,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
				WriteTimeout:      5 * time.Minute,
				IdleTimeout:       120 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				a.logger.Info("intelfeed: listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			done := make(chan struct{})
			go func() {
				a.svc.Start(ctx)
				close(done)
			}()

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					cancel()
					<-done
					return fmt.Errorf("http: %w", err)
				}
			}

			a.logger.Info("intelfeed: shutting down")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("intelfeed: shutdown", "error", err)
			}
			<-done
			a.logger.Info("intelfeed: stopped")
			return nil
		},
	}
}

func runCmd(kind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   kind,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, cancel := signalContext()
			defer cancel()

			var reports []*intel.RunReport
			switch kind {
			case intel.KindIngest:
				if err := a.syncCatalog(ctx); err != nil {
					return err
				}
				reports = append(reports, a.svc.RunIngest(ctx))
			case intel.KindEnrich:
				reports = append(reports, a.svc.RunEnrich(ctx))
			case intel.KindCleanup:
				reports = append(reports, a.svc.RunCleanup(ctx))
			case intel.KindSweep:
				reports = append(reports, a.svc.RunSweep(ctx))
			default:
				if err := a.syncCatalog(ctx); err != nil {
					return err
				}
				reports = a.svc.RunAll(ctx)
			}
			if err := printJSON(cmd, reports); err != nil {
				return err
			}
			for _, r := range reports {
				if !r.OK {
					return fmt.Errorf("%s run failed: %s", r.Kind, r.Fatal)
				}
			}
			return nil
		},
	}
}

func articleCmd() *cobra.Command {
	var a intel.Article
	var published string
	cmd := &cobra.Command{
		Use:   "article URL",
		Short: "Submit a freeform article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ap.close()
			ctx, cancel := signalContext()
			defer cancel()

			a.URL = args[0]
			if a.Content == "-" {
				data, err := readAll(cmd)
				if err != nil {
					return err
				}
				a.Content = data
			}
			if published != "" {
				t, err := time.Parse(time.RFC3339, published)
				if err != nil {
					return fmt.Errorf("--published: %w", err)
				}
				a.PublishedAt = &t
			}
			res, err := ap.svc.IngestArticle(ctx, a)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&a.Title, "title", "", "article title")
	cmd.Flags().StringVar(&a.Content, "content", "", `article body ("-" reads stdin)`)
	cmd.Flags().StringVar(&a.Author, "author", "", "author")
	cmd.Flags().StringVar(&a.SourceID, "source", "", "source id (default "+intel.ArticleSourceID+")")
	cmd.Flags().StringSliceVar(&a.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&published, "published", "", "publication time, RFC 3339")
	return cmd
}

func sourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage feed sources",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "sync",
			Short: "Upsert the catalog into the store",
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := setup(cmd)
				if err != nil {
					return err
				}
				defer a.close()
				return a.syncCatalog(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List sources and their polling state",
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := setup(cmd)
				if err != nil {
					return err
				}
				defer a.close()
				srcs, err := a.svc.ListSources(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, srcs)
			},
		},
		&cobra.Command{
			Use:   "reset ID",
			Short: "Clear the failure counter of a source",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := setup(cmd)
				if err != nil {
					return err
				}
				defer a.close()
				return a.svc.ResetSource(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}
