package commands

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lanchat/internal/model"
	"lanchat/internal/service/app"
	"lanchat/internal/utils/log"
)

// chat [host:port]: interactive terminal client.
func chatCmd() *cobra.Command {
	var logFile string

	cmd := &cobra.Command{
		Use:   "chat [host:port]",
		Short: "Open the terminal chat",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var initial *model.Peer
			if len(args) == 1 {
				p, err := parsePeer(args[0])
				if err != nil {
					return err
				}
				initial = &p
			}

			// The UI owns the terminal, logs go to a file.
			if err := redirectLog(logFile); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			ui := app.NewApp(rt.messages, rt.peers, cfg.Name)
			n := rt.start(ui)
			if err := n.Listen(); err != nil {
				return err
			}
			go func() {
				if err := n.Serve(ctx); err != nil {
					log.Error("serve stopped", zap.Error(err))
				}
			}()

			unregister := startDiscovery(ctx, cfg, n.Port(), ui.AddPeer)
			defer unregister()

			go func() {
				<-ctx.Done()
				ui.Stop()
			}()

			return ui.Run(n, initial)
		},
	}
	cmd.Flags().StringVar(&logFile, "log-file", filepath.Join(os.TempDir(), "lanchat.log"), "where logs go while the UI runs")
	return cmd
}

func redirectLog(path string) error {
	zc := zap.NewProductionConfig()
	if cfg.LogDev {
		zc = zap.NewDevelopmentConfig()
	}
	if err := zc.Level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return err
	}
	zc.OutputPaths = []string{path}
	zc.ErrorOutputPaths = []string{path}

	l, err := zc.Build()
	if err != nil {
		return err
	}
	log.SetLogger(l)
	return nil
}
