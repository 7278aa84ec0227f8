package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/soundtime-net/soundtime-node/config"
	"github.com/soundtime-net/soundtime-node/internal/blobstore"
	"github.com/soundtime-net/soundtime-node/internal/catalog"
	"github.com/soundtime-net/soundtime-node/internal/health"
	"github.com/soundtime-net/soundtime-node/internal/httpapi"
	"github.com/soundtime-net/soundtime-node/internal/identity"
	"github.com/soundtime-net/soundtime-node/internal/p2p"
	"github.com/soundtime-net/soundtime-node/internal/peer"
	"github.com/soundtime-net/soundtime-node/internal/plugin"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()

	id, err := identity.LoadOrGenerate(cfg.SecretKeyPath)
	if err != nil {
		logger.Error("loading node identity", "error", err)
		os.Exit(1)
	}
	logger.Info("node identity ready", "node_id", id.NodeID())

	blobs, err := blobstore.Open(cfg.BlobsDir)
	if err != nil {
		logger.Error("opening blob store", "error", err)
		os.Exit(1)
	}

	db, err := catalog.Open(cfg.CatalogDSN)
	if err != nil {
		logger.Error("opening catalog", "error", err)
		os.Exit(1)
	}

	peers := peer.NewRegistry()

	manager := health.NewManager(health.Config{
		MaxConcurrentRecoveries: cfg.MaxConcurrentRecovery,
		MonitorInterval:         cfg.HealthMonitorInterval,
		MaxRetryAttempts:        cfg.MaxRetryAttempts,
		BatchSize:               cfg.HealthBatchSize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := p2p.Start(ctx, p2p.Config{
		BindAddr:         cfg.BindAddr,
		SeedPeers:        cfg.SeedPeers,
		RelayWaitTimeout: cfg.RelayWaitTimeout,
		BootstrapDelay:   cfg.BootstrapDelay,
		PexInterval:      cfg.PexInterval,
	}, id, blobs, db, peers, logger)
	if err != nil {
		logger.Error("starting p2p node", "error", err)
		os.Exit(1)
	}

	onlineChecker := registryOnlineChecker{peers: peers}
	monitor := health.NewMonitor(manager, catalogRemoteSource{db: db}, blobPresence{store: blobs}, onlineChecker, cfg.HealthMonitorInterval, logger)
	go monitor.Run(ctx)

	plugins := plugin.NewRegistry(db, cfg.PluginDir, string(id.NodeID()), true, cfg.PluginHTTPTimeout, plugin.DefaultSandboxConfig(), logger)
	plugins.LoadEnabledPlugins(ctx)
	plugins.Dispatch(ctx, "on_instance_startup", nil)

	httpServer := httpapi.NewServer(httpapi.Deps{
		Catalog:  db,
		Blobs:    blobPresence{store: blobs},
		Importer: blobImporter{store: blobs},
		Peers:    peers,
		Health:   manager,
		Plugins:  plugins,
		Node:     node,
		Logger:   logger,
		Addr:     ":" + cfg.Port,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Start(ctx); err != nil {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	node.Shutdown()
	wg.Wait()
	if err := blobs.Shutdown(); err != nil {
		logger.Warn("blob store shutdown", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.Warn("catalog close", "error", err)
	}

	// Give in-flight goroutines a moment to unwind, the way the teacher's
	// original shutdown sequence did.
	time.Sleep(200 * time.Millisecond)
	logger.Info("stopped")
}

// blobPresence adapts *blobstore.Store's Hash-typed methods to the
// plain-string interfaces used by the resolver, health, and httpapi
// packages (blobstore.Hash is a distinct named type from those
// packages' own string-based narrow interfaces).
type blobPresence struct {
	store *blobstore.Store
}

func (b blobPresence) Has(hash string) bool {
	return b.store.Has(blobstore.Hash(hash))
}

func (b blobPresence) Size(hash string) int64 {
	return b.store.Size(blobstore.Hash(hash))
}

func (b blobPresence) ReadRange(hash string, offset, length int64) ([]byte, error) {
	return b.store.ReadRange(blobstore.Hash(hash), offset, length)
}

// blobImporter adapts *blobstore.Store to health.BlobImporter /
// httpapi.BlobImporter for the lazy on-demand recovery path.
type blobImporter struct {
	store *blobstore.Store
}

func (b blobImporter) Has(hash string) bool {
	return b.store.Has(blobstore.Hash(hash))
}

func (b blobImporter) Put(data []byte) (string, error) {
	h, _, err := b.store.Put(data)
	return string(h), err
}

// registryOnlineChecker adapts *peer.Registry to health.OnlineChecker, which
// takes a plain string node id rather than peer.NodeID.
type registryOnlineChecker struct {
	peers *peer.Registry
}

func (r registryOnlineChecker) IsOnline(nodeID string) bool {
	return r.peers.IsOnline(peer.NodeID(nodeID))
}

// catalogRemoteSource adapts *catalog.DB to health.RemoteSource, converting
// between catalog.RemoteTrack rows and the monitor's narrower RemoteTrackRef.
type catalogRemoteSource struct {
	db *catalog.DB
}

func (c catalogRemoteSource) AllRemoteTracks() ([]health.RemoteTrackRef, error) {
	rows, err := c.db.AllRemoteTracks()
	if err != nil {
		return nil, err
	}
	refs := make([]health.RemoteTrackRef, 0, len(rows))
	for _, rt := range rows {
		refs = append(refs, health.RemoteTrackRef{
			ContentHash: rt.ContentHash,
			RemoteURI:   rt.RemoteURI,
		})
	}
	return refs, nil
}

func (c catalogRemoteSource) SetRemoteTrackAvailability(hash string, available bool, checkedAt time.Time) error {
	return c.db.SetRemoteTrackAvailability(hash, available, checkedAt)
}
