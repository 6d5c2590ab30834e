package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BioHazard786/Liveroom/internal/config"
	"github.com/BioHazard786/Liveroom/internal/logging"
	"github.com/BioHazard786/Liveroom/internal/relay"
	"github.com/BioHazard786/Liveroom/internal/store"
	"github.com/BioHazard786/Liveroom/internal/ui"
	"github.com/BioHazard786/Liveroom/internal/version"
)

const shutdownTimeout = 30 * time.Second

var (
	flagAddr        string
	flagStore       string
	flagRedisURL    string
	flagDatabaseURL string
	flagOrigins     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay and room REST API",
	Long: `Run the relay that course room participants connect to. It tracks who is in
each room, forwards WebRTC signaling between them, broadcasts chat and room
state changes, and persists room flags and chat history in the chosen store.

Examples:
  liveroom serve
  liveroom serve --addr :9000 --store redis --redis-url redis://localhost:6379/0
  liveroom serve --store postgres --database-url postgres://liveroom@db/liveroom`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Options{
			ConfigFile:     flagConfig,
			Addr:           flagAddr,
			StoreDriver:    flagStore,
			RedisURL:       flagRedisURL,
			DatabaseURL:    flagDatabaseURL,
			AllowedOrigins: flagOrigins,
		})
		if err != nil {
			return err
		}
		logging.Init(slog.LevelInfo)
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := slog.Default().With("component", "server")

	st, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		RedisURL:    cfg.RedisURL,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	hub := relay.NewHub(st, slog.Default())
	handler := withRequestLog(log, relay.NewRouter(hub, relay.RouterOptions{AllowedOrigins: cfg.AllowedOrigins}))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info("relay listening", "addr", cfg.Addr, "store", cfg.StoreDriver, "version", version.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("relay forced to shut down", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	ui.PrintSuccess("Relay stopped")
	return nil
}

// withRequestLog logs every REST call at debug level. Websocket upgrades are
// logged by the hub instead.
func withRequestLog(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/ws" {
			log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		}
	})
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagAddr, "addr", "a", "", "Listen address (env LIVEROOM_ADDR or PORT, default :8080)")
	serveCmd.Flags().StringVar(&flagStore, "store", "", "Room store: memory, redis or postgres (env STORE_DRIVER)")
	serveCmd.Flags().StringVar(&flagRedisURL, "redis-url", "", "Redis URL for the redis store (env REDIS_URL)")
	serveCmd.Flags().StringVar(&flagDatabaseURL, "database-url", "", "Postgres URL for the postgres store (env DATABASE_URL)")
	serveCmd.Flags().StringVar(&flagOrigins, "allowed-origins", "", "Comma-separated browser origins allowed to connect (env ALLOWED_ORIGINS)")
}
