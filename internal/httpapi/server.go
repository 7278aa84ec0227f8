// Package httpapi exposes the P2P node's catalog, peer, and streaming
// surfaces over HTTP. This is deliberately a thin external-collaborator
// boundary: the transport, catalog, health, and plugin subsystems never
// import this package, only the reverse (spec.md §1's "headless core, no
// required UI").
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soundtime-net/soundtime-node/internal/catalog"
	"github.com/soundtime-net/soundtime-node/internal/health"
	"github.com/soundtime-net/soundtime-node/internal/peer"
	"github.com/soundtime-net/soundtime-node/internal/plugin"
)

// BlobReader is the narrow interface the streaming and resolve endpoints
// need from BlobStore.
type BlobReader interface {
	Has(h string) bool
	Size(h string) int64
	ReadRange(h string, offset, length int64) ([]byte, error)
}

// UploadNode is the narrow interface the upload endpoint needs from the
// P2P node: import bytes into the blob store and fan the resulting track
// out to peers. Nil disables POST /api/tracks.
type UploadNode interface {
	PublishTrack(data []byte) (string, error)
	AnnounceLocalTrack(t *catalog.Track)
	Fetch(ctx context.Context, peerNodeID, contentHash string) ([]byte, error)
}

// BlobImporter lets the streaming endpoint persist bytes recovered from a
// peer during lazy auto-repair (health.BlobImporter).
type BlobImporter interface {
	Has(hash string) bool
	Put(data []byte) (string, error)
}

// Server wires the catalog, blob store, peer registry, health manager, and
// plugin registry onto a gin router, the way internal/radio/server.go wires
// its own handlers (SPEC_FULL.md's DOMAIN STACK table).
type Server struct {
	router *gin.Engine
	http   *http.Server
}

// Deps carries every collaborator the HTTP edge touches.
type Deps struct {
	Catalog *catalog.DB
	Blobs   BlobReader
	Importer BlobImporter
	Peers   *peer.Registry
	Health  *health.Manager
	Plugins *plugin.Registry
	Node    UploadNode
	Logger  *slog.Logger
	Addr    string
}

// NewServer builds the gin engine and registers every route.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(securityHeaders())

	h := &handlers{deps: d}

	r.GET("/health", h.health)
	r.GET("/api/stream/p2p/:hash", h.streamBlob)

	r.GET("/api/tracks", h.listTracks)
	r.GET("/api/tracks/search", h.searchTracks)
	r.GET("/api/tracks/:id", h.getTrack)
	r.GET("/api/tracks/:id/resolve", h.resolveTrack)
	r.POST("/api/tracks", h.uploadTrack)

	r.GET("/api/peers", h.listPeers)
	r.GET("/api/health/:hash", h.healthRecord)

	return &Server{
		router: r,
		http: &http.Server{
			Addr:         d.Addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // streaming responses must not be cut off
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully, mirroring internal/radio/server.go's Start lifecycle.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
