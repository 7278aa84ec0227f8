package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/soundtime-net/soundtime-node/internal/audiotag"
	"github.com/soundtime-net/soundtime-node/internal/catalog"
	"github.com/soundtime-net/soundtime-node/internal/health"
	"github.com/soundtime-net/soundtime-node/internal/peer"
	"github.com/soundtime-net/soundtime-node/internal/resolver"
	"github.com/soundtime-net/soundtime-node/internal/sterr"
)

type handlers struct {
	deps Deps
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// streamBlob serves GET /api/stream/p2p/:hash, honoring HTTP Range
// requests the way a real audio player issues them (spec.md §4.1's
// ReadRange primitive exists for exactly this).
func (h *handlers) streamBlob(c *gin.Context) {
	hash := c.Param("hash")
	if !h.deps.Blobs.Has(hash) {
		if !h.attemptLazyRecovery(c, hash) {
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "blob not found"})
			return
		}
	}

	size := h.deps.Blobs.Size(hash)
	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", "application/octet-stream")

	rangeHeader := c.GetHeader("Range")
	if rangeHeader == "" {
		data, err := h.deps.Blobs.ReadRange(hash, 0, size)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/octet-stream", data)
		return
	}

	start, end, ok := parseRange(rangeHeader, size)
	if !ok {
		c.Header("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
		c.Status(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	data, err := h.deps.Blobs.ReadRange(hash, start, end-start+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.Header("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(size, 10))
	c.Data(http.StatusPartialContent, "application/octet-stream", data)
}

// attemptLazyRecovery tries to fetch a locally-missing blob from a remote
// peer on demand, the lazy-fetch path in SPEC_FULL.md §4.4: a streaming
// request is itself the trigger, not just the periodic monitor sweep.
// Returns true once the blob has been imported and is ready to serve.
func (h *handlers) attemptLazyRecovery(c *gin.Context, hash string) bool {
	if h.deps.Node == nil || h.deps.Importer == nil {
		return false
	}
	remotes, err := h.deps.Catalog.RemoteTracksByContentHash(hash)
	if err != nil || len(remotes) == 0 {
		return false
	}

	originNode, _, ok := catalog.ParseP2PRemoteURI(remotes[0].RemoteURI)
	if !ok {
		return false
	}

	alternatives := make([]health.Candidate, 0, len(remotes)-1)
	for _, rt := range remotes[1:] {
		altNode, _, ok := catalog.ParseP2PRemoteURI(rt.RemoteURI)
		if !ok {
			continue
		}
		alternatives = append(alternatives, health.Candidate{
			PeerNodeID:   altNode,
			Online:       h.deps.Peers.IsOnline(peer.NodeID(altNode)),
			Format:       rt.Format,
			BitrateBps:   rt.Bitrate,
			SampleRateHz: 0,
		})
	}

	result := h.deps.Health.AutoRepair(c.Request.Context(), hash, originNode, h.deps.Node, h.deps.Importer, alternatives)
	return result.Success
}

// parseRange parses a single "bytes=start-end" Range header value.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.SplitN(strings.TrimPrefix(header, prefix), "-", 2)
	if len(spec) != 2 {
		return 0, 0, false
	}
	if spec[0] == "" {
		// Suffix range: last N bytes.
		n, err := strconv.ParseInt(spec[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}
	start, err := strconv.ParseInt(spec[0], 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	if spec[1] == "" {
		return start, size - 1, true
	}
	end, err = strconv.ParseInt(spec[1], 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true
}

func trackJSON(t *catalog.Track) gin.H {
	return gin.H{
		"id":            t.ID,
		"title":         t.Title,
		"artist_id":     t.ArtistID,
		"album_id":      t.AlbumID,
		"duration_secs": t.DurationSecs,
		"format":        t.Format,
		"bitrate":       t.Bitrate,
		"sample_rate":   t.SampleRate,
		"genre":         t.Genre,
		"year":          t.Year,
		"content_hash":  t.ContentHash,
		"origin":        t.Origin,
		"origin_node":   t.OriginNode,
		"lyrics":        t.Lyrics,
		"stream_url":    catalog.StreamURLForHash(t.ContentHash),
	}
}

func (h *handlers) listTracks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	tracks, err := h.deps.Catalog.ListTracks(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, trackJSON(t))
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tracks": out})
}

func (h *handlers) searchTracks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	tracks, err := h.deps.Catalog.SearchTracks(c.Query("q"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, trackJSON(t))
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tracks": out})
}

func (h *handlers) getTrack(c *gin.Context) {
	t, err := h.deps.Catalog.TrackByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "track not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "track": trackJSON(t)})
}

// resolveTrack handles GET /api/tracks/:id/resolve, returning the best
// currently-reachable source per resolver.Resolve (spec.md §4.3).
func (h *handlers) resolveTrack(c *gin.Context) {
	id := c.Param("id")
	track, err := h.deps.Catalog.TrackByID(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "track not found"})
		return
	}
	remotes, err := h.deps.Catalog.RemoteTracksByLocalRef(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	best, err := resolver.Resolve(track, remotes, h.deps.Blobs, h.deps.Peers)
	if err != nil {
		status := http.StatusInternalServerError
		if err == sterr.NotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"status": "error", "error": "no reachable source"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"source":     best.Source,
		"stream_url": best.StreamURL,
		"bitrate":    best.Bitrate,
		"format":     best.Format,
	})
}

const maxUploadSize = 200 << 20 // 200 MiB

// uploadTrack handles POST /api/tracks: a local multipart audio upload.
// It imports the bytes into the blob store, reads embedded tags for
// catalog metadata, inserts the track row, and announces it to peers.
func (h *handlers) uploadTrack(c *gin.Context) {
	if h.deps.Node == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "uploads are disabled on this node"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "missing file field"})
		return
	}
	defer file.Close()

	data := make([]byte, 0, header.Size)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := file.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}

	hash, err := h.deps.Node.PublishTrack(data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	info, _ := audiotag.Read(data)
	title := header.Filename
	var artistName, albumName, genre string
	var year int
	if info != nil {
		if info.Title != "" {
			title = info.Title
		}
		artistName = info.Artist
		albumName = info.Album
		genre = info.Genre
		year = info.Year
	}
	artist, err := h.deps.Catalog.ResolveOrCreateArtist(orDefault(artistName, "Unknown Artist"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	var albumID string
	if albumName != "" {
		album, err := h.deps.Catalog.ResolveOrCreateAlbum(albumName, artist.ID)
		if err == nil {
			albumID = album.ID
		}
	}

	track := &catalog.Track{
		Title:       title,
		ArtistID:    artist.ID,
		AlbumID:     albumID,
		Format:      formatFromFilename(header.Filename),
		FileSize:    int64(len(data)),
		Genre:       genre,
		Year:        year,
		ContentHash: hash,
		Origin:      catalog.OriginLocal,
	}
	if err := h.deps.Catalog.InsertTrack(track); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	h.deps.Node.AnnounceLocalTrack(track)
	if h.deps.Plugins != nil {
		h.deps.Plugins.Dispatch(c.Request.Context(), "on_track_added", track)
	}

	c.JSON(http.StatusCreated, gin.H{"status": "ok", "track": trackJSON(track)})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func formatFromFilename(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 && i+1 < len(name) {
		return strings.ToLower(name[i+1:])
	}
	return ""
}

func (h *handlers) listPeers(c *gin.Context) {
	peers := h.deps.Peers.ListPeers()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": peers})
}

func (h *handlers) healthRecord(c *gin.Context) {
	rec, ok := h.deps.Health.Get(c.Param("hash"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "no health record for this hash"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"content_hash":    rec.ContentHash,
		"origin_node":     rec.OriginNode,
		"failed_attempts": rec.FailedAttempts,
		"health_status":   rec.Status.String(),
	})
}
