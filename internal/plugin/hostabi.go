package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/soundtime-net/soundtime-node/internal/catalog"
	"github.com/soundtime-net/soundtime-node/internal/netguard"
	"github.com/soundtime-net/soundtime-node/internal/sterr"
)

// maxHTTPResponseBytes caps what a plugin's http_get/http_post call can read
// back, grounded in host_functions.rs's response size limit.
const maxHTTPResponseBytes = 10 * 1024 * 1024

// hostRequest is the JSON envelope a plugin's event handler emits to ask
// the host to perform a side effect on its behalf: {"function": "...",
// "args": {...}}, one entry per host_requests item in the handler's
// returned PluginResponse (see registry.go).
type hostRequest struct {
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args"`
}

type hostResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// HostContext mediates every call a plugin makes back into the node. One
// HostContext is constructed per loaded plugin, scoped to that plugin's
// permissions (SPEC_FULL.md §4.7).
type HostContext struct {
	PluginID    string
	PluginName  string
	Permissions catalog.PluginPermissions
	Catalog     *catalog.DB
	InstanceID  string
	Logger      *slog.Logger
	HTTPTimeout time.Duration

	// Emit re-enters Dispatch for a plugin-triggered event. It is only ever
	// invoked from host_requests post-processing, which runs after the
	// registry's dispatch lock has been released (see registry.go), so this
	// never deadlocks against the lock held across the originating VM call.
	Emit func(ctx context.Context, name string, payload interface{})
}

// Handle interprets a single host_call(payload) -> result round-trip. It
// never panics: every failure mode is folded into a hostResponse so plugin
// code always gets a well-formed reply, even for a call it has no
// permission to make.
func (h *HostContext) Handle(ctx context.Context, payload []byte) []byte {
	var req hostRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return encodeError(fmt.Sprintf("malformed host call: %v", err))
	}

	data, err := h.dispatch(ctx, req.Function, req.Args)
	if err != nil {
		h.logEvent(req.Function, "error", err)
		return encodeError(err.Error())
	}
	h.logEvent(req.Function, "ok", nil)
	resp := hostResponse{OK: true, Data: data}
	out, _ := json.Marshal(resp)
	return out
}

func (h *HostContext) dispatch(ctx context.Context, fn string, args json.RawMessage) (json.RawMessage, error) {
	switch fn {
	case "get_track":
		return h.getTrack(args)
	case "search_tracks":
		return h.searchTracks(args)
	case "list_tracks":
		return h.listTracks(args)
	case "set_track_metadata":
		return h.setTrackMetadata(args)
	case "set_track_lyrics":
		return h.setTrackLyrics(args)
	case "get_instance_info":
		return h.getInstanceInfo()
	case "get_current_timestamp":
		return json.Marshal(map[string]int64{"unix_seconds": currentTimestamp()})
	case "get_config":
		return h.getConfig(args)
	case "set_config":
		return h.setConfig(args)
	case "get_user_info":
		return h.getUserInfo(args)
	case "http_get":
		return h.httpGet(ctx, args)
	case "http_post":
		return h.httpPost(ctx, args)
	case "log_info", "log_warn", "log_error":
		return h.log(fn, args)
	case "emit_event":
		return h.emitEvent(ctx, args)
	default:
		return nil, fmt.Errorf("%w: unknown host function %q", errValidation, fn)
	}
}

func currentTimestamp() int64 { return time.Now().Unix() }

func encodeError(msg string) []byte {
	out, _ := json.Marshal(hostResponse{OK: false, Error: msg})
	return out
}

func (h *HostContext) logEvent(fn, result string, err error) {
	msg := ""
	if err != nil {
		msg = sanitizeLogMessage(err.Error())
	}
	if dbErr := h.Catalog.LogPluginEvent(h.PluginID, fn, result, 0, msg); dbErr != nil {
		h.Logger.Warn("plugin event log write failed", "plugin", h.PluginName, "fn", fn, "error", dbErr)
	}
}

// sanitizeLogMessage strips control characters and caps length so a plugin
// cannot use error text (or log_info/log_warn/log_error payloads) to inject
// bogus lines into the node's structured log stream.
func sanitizeLogMessage(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	const maxLen = 2048
	if len(out) > maxLen {
		out = out[:maxLen] + "...(truncated)"
	}
	return out
}

type trackView struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	ArtistID    string `json:"artist_id"`
	AlbumID     string `json:"album_id,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	Format      string `json:"format"`
	Bitrate     int    `json:"bitrate"`
	SampleRate  int    `json:"sample_rate"`
	Genre       string `json:"genre,omitempty"`
	Year        int    `json:"year,omitempty"`
	Lyrics      string `json:"lyrics,omitempty"`
}

func trackToView(t *catalog.Track) trackView {
	return trackView{
		ID: t.ID, Title: t.Title, ArtistID: t.ArtistID, AlbumID: t.AlbumID,
		ContentHash: t.ContentHash, Format: t.Format, Bitrate: t.Bitrate,
		SampleRate: t.SampleRate, Genre: t.Genre, Year: t.Year, Lyrics: t.Lyrics,
	}
}

func (h *HostContext) getTrack(args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.ID == "" {
		return nil, fmt.Errorf("%w: get_track requires {\"id\": ...}", errValidation)
	}
	t, err := h.Catalog.TrackByID(req.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sterr.NotFound, err)
	}
	return json.Marshal(trackToView(t))
}

func (h *HostContext) searchTracks(args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	_ = json.Unmarshal(args, &req)
	tracks, err := h.Catalog.SearchTracks(req.Query, req.Limit)
	if err != nil {
		return nil, err
	}
	views := make([]trackView, 0, len(tracks))
	for _, t := range tracks {
		views = append(views, trackToView(t))
	}
	return json.Marshal(views)
}

func (h *HostContext) listTracks(args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	_ = json.Unmarshal(args, &req)
	tracks, err := h.Catalog.ListTracks(req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}
	views := make([]trackView, 0, len(tracks))
	for _, t := range tracks {
		views = append(views, trackToView(t))
	}
	return json.Marshal(views)
}

func (h *HostContext) setTrackMetadata(args json.RawMessage) (json.RawMessage, error) {
	if !h.Permissions.WriteTracks {
		return nil, fmt.Errorf("%w: plugin %s lacks write_tracks permission", errPermission, h.PluginName)
	}
	var req struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Genre string `json:"genre"`
		Year  int    `json:"year"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.ID == "" {
		return nil, fmt.Errorf("%w: set_track_metadata requires id, title, genre, year", errValidation)
	}
	if err := h.Catalog.UpdateTrackMetadata(req.ID, req.Title, req.Genre, req.Year); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]bool{"updated": true})
}

func (h *HostContext) setTrackLyrics(args json.RawMessage) (json.RawMessage, error) {
	if !h.Permissions.WriteTracks {
		return nil, fmt.Errorf("%w: plugin %s lacks write_tracks permission", errPermission, h.PluginName)
	}
	var req struct {
		ID     string `json:"id"`
		Lyrics string `json:"lyrics"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.ID == "" {
		return nil, fmt.Errorf("%w: set_track_lyrics requires id, lyrics", errValidation)
	}
	if err := h.Catalog.UpdateTrackLyrics(req.ID, req.Lyrics); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]bool{"updated": true})
}

func (h *HostContext) getInstanceInfo() (json.RawMessage, error) {
	return json.Marshal(map[string]string{
		"instance_id": h.InstanceID,
		"plugin_name": h.PluginName,
	})
}

func (h *HostContext) getConfig(args json.RawMessage) (json.RawMessage, error) {
	if !h.Permissions.ConfigAccess {
		return nil, fmt.Errorf("%w: plugin %s lacks config_access permission", errPermission, h.PluginName)
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.Key == "" {
		return nil, fmt.Errorf("%w: get_config requires {\"key\": ...}", errValidation)
	}
	value, found, err := h.Catalog.GetPluginConfig(h.PluginID, req.Key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{"value": value, "found": found})
}

func (h *HostContext) setConfig(args json.RawMessage) (json.RawMessage, error) {
	if !h.Permissions.ConfigAccess {
		return nil, fmt.Errorf("%w: plugin %s lacks config_access permission", errPermission, h.PluginName)
	}
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.Key == "" {
		return nil, fmt.Errorf("%w: set_config requires key, value", errValidation)
	}
	if err := h.Catalog.SetPluginConfig(h.PluginID, req.Key, req.Value); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]bool{"set": true})
}

// getUserInfo is gated on read_users. This node has no multi-account user
// subsystem of its own (account management is an out-of-scope external
// collaborator); it exposes only the single owner identity recorded in
// instance settings.
func (h *HostContext) getUserInfo(args json.RawMessage) (json.RawMessage, error) {
	if !h.Permissions.ReadUsers {
		return nil, fmt.Errorf("%w: plugin %s lacks read_users permission", errPermission, h.PluginName)
	}
	displayName, _, err := h.Catalog.GetSetting("owner_display_name")
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"owner_display_name": displayName})
}

func (h *HostContext) httpGet(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.URL == "" {
		return nil, fmt.Errorf("%w: http_get requires {\"url\": ...}", errValidation)
	}
	return h.doHTTP(ctx, http.MethodGet, req.URL, nil)
}

func (h *HostContext) httpPost(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		URL  string `json:"url"`
		Body string `json:"body"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.URL == "" {
		return nil, fmt.Errorf("%w: http_post requires {\"url\": ...}", errValidation)
	}
	return h.doHTTP(ctx, http.MethodPost, req.URL, strings.NewReader(req.Body))
}

// doHTTP enforces the http_hosts allow-list and then the private-IP/cloud
// metadata block unconditionally — the latter check runs even for a
// wildcard "*" permission, per spec.md §4.7's "always blocked" rule.
func (h *HostContext) doHTTP(ctx context.Context, method, rawURL string, body io.Reader) (json.RawMessage, error) {
	if !netguard.MatchesHostPattern(hostOf(rawURL), h.Permissions.HTTPHosts) {
		return nil, fmt.Errorf("%w: plugin %s is not permitted to reach %s", errPermission, h.PluginName, rawURL)
	}
	if netguard.IsBlockedURL(rawURL) {
		return nil, fmt.Errorf("%w: %s targets a blocked private/cloud-metadata address", errPermission, rawURL)
	}

	timeout := h.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", errValidation, err)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("plugin http call failed: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxHTTPResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("plugin http call: reading response: %w", err)
	}
	if len(data) > maxHTTPResponseBytes {
		return nil, fmt.Errorf("plugin http call: response exceeds %d byte cap", maxHTTPResponseBytes)
	}
	return json.Marshal(map[string]interface{}{
		"status": resp.StatusCode,
		"body":   string(data),
	})
}

func hostOf(rawURL string) string {
	const schemeSep = "://"
	i := strings.Index(rawURL, schemeSep)
	if i < 0 {
		return rawURL
	}
	rest := rawURL[i+len(schemeSep):]
	end := strings.IndexAny(rest, "/:?#")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

// emitEvent implements the emit_event host call (spec.md §6): name must be
// non-empty. The re-dispatch runs synchronously inline; since this is only
// ever reached from post-call host_requests processing, Registry.Dispatch
// is free to take its write-lock again without deadlocking.
func (h *HostContext) emitEvent(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.Name == "" {
		return nil, fmt.Errorf("%w: emit_event requires a non-empty name", errValidation)
	}
	if h.Emit != nil {
		var payload interface{} = req.Payload
		h.Emit(ctx, req.Name, payload)
	}
	return json.Marshal(map[string]bool{"accepted": true})
}

func (h *HostContext) log(fn string, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(args, &req)
	msg := sanitizeLogMessage(req.Message)
	switch fn {
	case "log_warn":
		h.Logger.Warn(msg, "plugin", h.PluginName)
	case "log_error":
		h.Logger.Error(msg, "plugin", h.PluginName)
	default:
		h.Logger.Info(msg, "plugin", h.PluginName)
	}
	return json.Marshal(map[string]bool{"logged": true})
}
