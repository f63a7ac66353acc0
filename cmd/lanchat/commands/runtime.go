package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"lanchat/internal/config"
	"lanchat/internal/cryptographic/dh"
	"lanchat/internal/model"
	"lanchat/internal/repository/chatlog"
	"lanchat/internal/repository/peer"
	transferRepo "lanchat/internal/repository/transfer"
	"lanchat/internal/service/discovery"
	"lanchat/internal/service/metrics"
	"lanchat/internal/service/node"
	redisSvc "lanchat/internal/service/redis"
	"lanchat/internal/service/transfer"
	"lanchat/internal/utils/log"
)

// runtime is a node with its stores, built from the flags.
type runtime struct {
	cfg      config.Config
	identity *dh.Identity
	node     *node.Node
	metrics  *metrics.Metrics
	messages chatlog.Store
	peers    peer.Repo

	closers []func()
}

// openRuntime loads the identity and connects the stores. start builds the
// node once the notifiers exist.
func openRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	identity, err := loadIdentity(cfg.IdentityFile)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, identity: identity, metrics: metrics.New()}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		svc := redisSvc.NewRedis(rdb)
		if err := svc.Ping(ctx); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		rt.messages = chatlog.NewRedisStore(svc)
		rt.closers = append(rt.closers, func() { rdb.Close() })
	} else {
		rt.messages = chatlog.NewMemoryStore()
	}

	if cfg.MongoURI != "" {
		client, err := initMongo(ctx, cfg.MongoURI)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		rt.peers = peer.NewMongoRepo(client.Database(cfg.MongoDB))
		rt.closers = append(rt.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(ctx)
		})
	} else {
		rt.peers = peer.NewStaticBlockList()
	}
	return rt, nil
}

func (rt *runtime) start(notifiers ...node.Notifier) *node.Node {
	cfg := rt.cfg
	registry := transferRepo.NewRegistry(
		transferRepo.WithObserver(logTransition),
		transferRepo.WithObserver(rt.metrics.ObserveTransfer),
	)
	engine := transfer.NewEngine(registry, transfer.Options{
		ChunkSize:    cfg.ChunkSize,
		IdleTimeout:  cfg.IdleTimeout,
		ReplyTimeout: cfg.ReplyTimeout,
	})

	rt.node = node.NewNode(rt.identity, engine, rt.messages, rt.peers, node.Notifiers(notifiers), node.Options{
		ListenAddr:   cfg.ListenAddr(),
		DialTimeout:  cfg.DialTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		OfferTimeout: cfg.ReplyTimeout,
		DownloadDir:  cfg.DownloadDir,
		Stats:        rt.metrics,
	})
	rt.closers = append([]func(){func() { _ = rt.node.Close() }}, rt.closers...)
	return rt.node
}

func (rt *runtime) Close() {
	for _, c := range rt.closers {
		c()
	}
	rt.closers = nil
}

func loadIdentity(path string) (*dh.Identity, error) {
	if path == "" {
		return dh.NewIdentity()
	}
	id, err := dh.LoadOrCreate(path)
	if err != nil {
		return nil, fmt.Errorf("load identity %s: %w", path, err)
	}
	return id, nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func logTransition(s model.TransferSnapshot) {
	if !s.Status.Terminal() && s.Status != model.StatusWaiting {
		return
	}
	fields := []zap.Field{
		zap.String("transfer_id", s.ID),
		zap.String("direction", string(s.Direction)),
		zap.String("peer", s.Peer.Key()),
		zap.String("status", string(s.Status)),
		zap.Int64("bytes", s.BytesTransferred),
	}
	if s.Error != "" {
		fields = append(fields, zap.String("error", s.Error))
	}
	log.Named("transfers").Info("transfer", fields...)
}

// startDiscovery advertises this node and hands every browsed peer to add.
// The returned func unregisters.
func startDiscovery(ctx context.Context, cfg config.Config, port int, add func(model.PeerInfo)) func() {
	if !cfg.Discovery {
		return func() {}
	}

	d := discovery.New(discovery.Any(
		discovery.SameEndpoint(cfg.Name, port),
		discovery.LocalAddresses(port),
	))
	if err := d.Register(cfg.Name, port); err != nil {
		log.Warn("mdns advertisement failed", zap.Error(err))
	}

	peers, err := d.Browse(ctx)
	if err != nil {
		log.Warn("mdns browse failed", zap.Error(err))
		return d.Shutdown
	}
	go func() {
		for p := range peers {
			add(p)
		}
	}()
	return d.Shutdown
}

func parsePeer(s string) (model.Peer, error) {
	p, err := model.ParsePeer(s)
	if err != nil {
		return model.Peer{}, fmt.Errorf("peer must be host:port, got %q: %w", s, err)
	}
	return p, nil
}
