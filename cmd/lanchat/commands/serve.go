package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lanchat/internal/service/api"
	"lanchat/internal/utils/log"
)

// serve: run headless with the HTTP/WebSocket control API.
func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections and expose the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			defer log.Sync()

			hub := api.NewHub(log.Named("ws"))
			rt, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			n := rt.start(hub)
			if err := n.Listen(); err != nil {
				return err
			}

			srv := api.NewHttpServer(n, rt.messages, rt.peers, hub)
			srv.ServeMetrics(rt.metrics.Handler())
			unregister := startDiscovery(ctx, cfg, n.Port(), srv.AddPeer)
			defer unregister()

			if cfg.APIAddr != "" {
				go func() {
					if err := srv.Run(ctx, cfg.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("api stopped", zap.Error(err))
						stop()
					}
				}()
			}

			log.Info("lanchat ready",
				zap.String("name", cfg.Name),
				zap.Int("port", n.Port()),
				zap.String("public_key", n.Identity().PublicB64()))

			err = n.Serve(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&cfg.APIAddr, "api", "127.0.0.1:7780", "control API address, empty to disable")
	return cmd
}
