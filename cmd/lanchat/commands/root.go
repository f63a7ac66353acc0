package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"lanchat/internal/config"
	"lanchat/internal/utils/log"
)

var cfg = config.Default()

func Execute() error {
	root := &cobra.Command{
		Use:           "lanchat",
		Short:         "Encrypted peer-to-peer chat and file transfer on the local network",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return log.Init(cfg.LogLevel, cfg.LogDev)
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&cfg.Name, "name", "n", cfg.Name, "display name advertised to peers")
	f.IntVarP(&cfg.Port, "port", "p", cfg.Port, "TCP port to listen on")
	f.StringVar(&cfg.Listen, "listen", cfg.Listen, "address to bind (default all interfaces)")
	f.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "connect and handshake timeout")
	f.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "per read timeout during transfers")
	f.DurationVar(&cfg.ReplyTimeout, "reply-timeout", cfg.ReplyTimeout, "how long a file offer waits for a decision")
	f.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "file chunk size in bytes")
	f.StringVar(&cfg.DownloadDir, "download-dir", cfg.DownloadDir, "where accepted files are saved")
	f.StringVar(&cfg.IdentityFile, "identity-file", "", "keep the key pair in this file instead of a fresh one per run")
	f.StringVar(&cfg.RedisAddr, "redis", "", "redis address for the message log (default in memory)")
	f.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	f.StringVar(&cfg.MongoURI, "mongo", "", "mongodb uri for block list and nicknames (default in memory)")
	f.StringVar(&cfg.MongoDB, "mongo-db", cfg.MongoDB, "mongodb database name")
	f.BoolVar(&cfg.Discovery, "discovery", cfg.Discovery, "advertise and browse peers over mDNS")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.BoolVar(&cfg.LogDev, "log-dev", false, "human readable development logs")

	root.AddCommand(serveCmd(), chatCmd(), sendCmd(), sendFileCmd(), keyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
		return err
	}
	return nil
}
