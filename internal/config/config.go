package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	DefaultPort         = 7777
	DefaultDialTimeout  = 8 * time.Second
	DefaultIdleTimeout  = 30 * time.Second
	DefaultReplyTimeout = 2 * time.Minute
	DefaultChunkSize    = 128 << 10

	maxChunkSize = 1 << 20
)

type Config struct {
	Name   string
	Port   int
	Listen string

	DialTimeout  time.Duration
	IdleTimeout  time.Duration
	ReplyTimeout time.Duration
	ChunkSize    int

	DownloadDir  string
	IdentityFile string

	RedisAddr string
	RedisDB   int

	MongoURI string
	MongoDB  string

	APIAddr   string
	Discovery bool

	LogLevel string
	LogDev   bool
}

func Default() Config {
	dl := "downloads"
	if home, err := os.UserHomeDir(); err == nil {
		dl = filepath.Join(home, "Downloads", "lanchat")
	}
	return Config{
		Name:         defaultName(),
		Port:         DefaultPort,
		DialTimeout:  DefaultDialTimeout,
		IdleTimeout:  DefaultIdleTimeout,
		ReplyTimeout: DefaultReplyTimeout,
		ChunkSize:    DefaultChunkSize,
		DownloadDir:  dl,
		MongoDB:      "lanchat",
		Discovery:    true,
		LogLevel:     "info",
	}
}

func defaultName() string {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "lanchat"
	}
	return "lanchat-" + hex.EncodeToString(b[:])
}

// ListenAddr is the TCP address the dispatcher binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen, c.Port)
}

func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, errors.New("dial timeout must be positive"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle timeout must be positive"))
	}
	if c.ReplyTimeout <= 0 {
		errs = append(errs, errors.New("reply timeout must be positive"))
	}
	if c.ChunkSize <= 0 || c.ChunkSize > maxChunkSize {
		errs = append(errs, fmt.Errorf("chunk size must be in (0, %d]", maxChunkSize))
	}
	if c.DownloadDir == "" {
		errs = append(errs, errors.New("download dir is required"))
	}
	if c.MongoURI != "" && c.MongoDB == "" {
		errs = append(errs, errors.New("mongo database is required with a mongo uri"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
