// Package catalog is the SQL-backed shared mutable store crossing every
// other component: tracks, artists, albums, remote_tracks, the peer
// blocklist, plugins, plugin config, the plugin event log, and instance
// settings. All writers MUST tolerate unique-constraint races by re-reading
// (SPEC_FULL.md §5, "Shared-resource policy").
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/soundtime-net/soundtime-node/internal/sterr"
)

// DB wraps a *sql.DB opened against the SQLite catalog, following the same
// embedding pattern anyuan-chen-splitter/server/db/db.go uses.
type DB struct {
	*sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS artists (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	UNIQUE(name)
);

CREATE TABLE IF NOT EXISTS albums (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	artist_id TEXT NOT NULL REFERENCES artists(id),
	UNIQUE(artist_id, title)
);

CREATE TABLE IF NOT EXISTS tracks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	artist_id TEXT NOT NULL REFERENCES artists(id),
	album_id TEXT REFERENCES albums(id),
	duration_secs INTEGER NOT NULL DEFAULT 0,
	format TEXT NOT NULL,
	file_size INTEGER NOT NULL DEFAULT 0,
	bitrate INTEGER,
	sample_rate INTEGER,
	genre TEXT,
	year INTEGER,
	track_number INTEGER,
	disc_number INTEGER,
	content_hash TEXT,
	origin TEXT NOT NULL DEFAULT 'local',
	origin_node TEXT,
	uploaded_by TEXT,
	play_count INTEGER NOT NULL DEFAULT 0,
	lyrics TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(content_hash)
);
CREATE INDEX IF NOT EXISTS idx_tracks_origin ON tracks(origin);
CREATE INDEX IF NOT EXISTS idx_tracks_content_hash ON tracks(content_hash);

CREATE TABLE IF NOT EXISTS remote_tracks (
	id TEXT PRIMARY KEY,
	local_track_ref TEXT,
	content_hash TEXT NOT NULL,
	title TEXT NOT NULL,
	artist_name TEXT NOT NULL,
	album_title TEXT,
	instance_domain TEXT,
	remote_uri TEXT NOT NULL,
	remote_stream_url TEXT,
	bitrate INTEGER,
	sample_rate INTEGER,
	format TEXT,
	is_available INTEGER NOT NULL DEFAULT 1,
	last_checked_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_remote_tracks_content_hash ON remote_tracks(content_hash);
CREATE INDEX IF NOT EXISTS idx_remote_tracks_local_ref ON remote_tracks(local_track_ref);

CREATE TABLE IF NOT EXISTS peers_blocklist (
	node_id TEXT PRIMARY KEY,
	reason TEXT,
	blocked_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plugins (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	git_url TEXT,
	wasm_path TEXT NOT NULL,
	http_hosts TEXT NOT NULL DEFAULT '[]',
	events TEXT NOT NULL DEFAULT '[]',
	write_tracks INTEGER NOT NULL DEFAULT 0,
	config_access INTEGER NOT NULL DEFAULT 0,
	read_users INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'installed',
	error_message TEXT,
	installed_by TEXT,
	UNIQUE(name, version)
);

CREATE TABLE IF NOT EXISTS plugin_config (
	plugin_id TEXT NOT NULL REFERENCES plugins(id),
	key TEXT NOT NULL,
	value TEXT,
	PRIMARY KEY (plugin_id, key)
);

CREATE TABLE IF NOT EXISTS plugin_events_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plugin_id TEXT NOT NULL,
	event TEXT NOT NULL,
	result TEXT NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	error_message TEXT,
	logged_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS instance_settings (
	key TEXT PRIMARY KEY,
	value TEXT
);
`

// Open creates (if necessary) the schema and returns a DB handle.
func Open(dsn string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		return nil, fmt.Errorf("catalog: creating schema: %w", err)
	}

	// Best-effort migrations for columns added after the initial schema.
	// Errors (column already exists) are ignored, matching the pattern in
	// anyuan-chen-splitter/server/db/db.go.
	migrations := []string{
		`ALTER TABLE tracks ADD COLUMN uploaded_by TEXT`,
		`ALTER TABLE tracks ADD COLUMN lyrics TEXT`,
	}
	for _, m := range migrations {
		sqlDB.Exec(m)
	}

	return &DB{sqlDB}, nil
}

// --- artists ---------------------------------------------------------------

// ResolveOrCreateArtist returns the artist with the given name, creating it
// if absent. On a unique-constraint race, it re-reads the winning row
// (SPEC_FULL.md §9, "Catalog race at replication").
func (db *DB) ResolveOrCreateArtist(name string) (*Artist, error) {
	if a, err := db.getArtistByName(name); err == nil {
		return a, nil
	}

	id := uuid.NewString()
	_, err := db.Exec(`INSERT INTO artists (id, name) VALUES (?, ?)`, id, name)
	if err != nil {
		// Likely a unique-constraint race with a concurrent announcement;
		// re-read the row that won.
		if a, rerr := db.getArtistByName(name); rerr == nil {
			return a, nil
		}
		return nil, fmt.Errorf("catalog: creating artist %q: %w", name, err)
	}
	return &Artist{ID: id, Name: name}, nil
}

func (db *DB) getArtistByName(name string) (*Artist, error) {
	var a Artist
	err := db.QueryRow(`SELECT id, name FROM artists WHERE name = ?`, name).Scan(&a.ID, &a.Name)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ArtistByID returns the artist row with the given id, used to resolve a
// display name for outgoing TrackAnnouncement/CatalogSync messages.
func (db *DB) ArtistByID(id string) (*Artist, error) {
	var a Artist
	err := db.QueryRow(`SELECT id, name FROM artists WHERE id = ?`, id).Scan(&a.ID, &a.Name)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- albums ------------------------------------------------------------------

// ResolveOrCreateAlbum returns the album with the given (title, artistID),
// creating it if absent, with the same race-tolerant re-read as artists.
func (db *DB) ResolveOrCreateAlbum(title, artistID string) (*Album, error) {
	if title == "" {
		return nil, nil
	}
	if a, err := db.getAlbum(title, artistID); err == nil {
		return a, nil
	}

	id := uuid.NewString()
	_, err := db.Exec(`INSERT INTO albums (id, title, artist_id) VALUES (?, ?, ?)`, id, title, artistID)
	if err != nil {
		if a, rerr := db.getAlbum(title, artistID); rerr == nil {
			return a, nil
		}
		return nil, fmt.Errorf("catalog: creating album %q: %w", title, err)
	}
	return &Album{ID: id, Title: title, ArtistID: artistID}, nil
}

func (db *DB) getAlbum(title, artistID string) (*Album, error) {
	var a Album
	err := db.QueryRow(`SELECT id, title, artist_id FROM albums WHERE title = ? AND artist_id = ?`,
		title, artistID).Scan(&a.ID, &a.Title, &a.ArtistID)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AlbumByID returns the album row with the given id, used alongside
// ArtistByID when building outgoing announcements.
func (db *DB) AlbumByID(id string) (*Album, error) {
	var a Album
	err := db.QueryRow(`SELECT id, title, artist_id FROM albums WHERE id = ?`, id).Scan(&a.ID, &a.Title, &a.ArtistID)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- tracks ------------------------------------------------------------------

// TrackByContentHash returns the local track row with the given content
// hash, if any. Used for idempotent-dedup of incoming announcements.
func (db *DB) TrackByContentHash(hash string) (*Track, error) {
	row := db.QueryRow(`
		SELECT id, title, artist_id, IFNULL(album_id, ''), duration_secs, format, file_size,
		       IFNULL(bitrate, 0), IFNULL(sample_rate, 0), IFNULL(genre, ''), IFNULL(year, 0),
		       IFNULL(track_number, 0), IFNULL(disc_number, 0), IFNULL(content_hash, ''),
		       origin, IFNULL(origin_node, ''), IFNULL(uploaded_by, ''), play_count, IFNULL(lyrics, ''), created_at
		FROM tracks WHERE content_hash = ?`, hash)
	return scanTrack(row)
}

func scanTrack(row *sql.Row) (*Track, error) {
	var t Track
	var origin string
	if err := row.Scan(&t.ID, &t.Title, &t.ArtistID, &t.AlbumID, &t.DurationSecs, &t.Format, &t.FileSize,
		&t.Bitrate, &t.SampleRate, &t.Genre, &t.Year, &t.TrackNumber, &t.DiscNumber, &t.ContentHash,
		&origin, &t.OriginNode, &t.UploadedBy, &t.PlayCount, &t.Lyrics, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Origin = Origin(origin)
	return &t, nil
}

// InsertTrack inserts a new track row. Callers (process_track_announcement,
// local uploads) are responsible for resolving artist/album first.
func (db *DB) InsertTrack(t *Track) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	var albumID interface{}
	if t.AlbumID != "" {
		albumID = t.AlbumID
	}
	var originNode interface{}
	if t.OriginNode != "" {
		originNode = t.OriginNode
	}
	_, err := db.Exec(`
		INSERT INTO tracks (id, title, artist_id, album_id, duration_secs, format, file_size,
			bitrate, sample_rate, genre, year, track_number, disc_number, content_hash,
			origin, origin_node, uploaded_by, play_count, lyrics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.ArtistID, albumID, t.DurationSecs, t.Format, t.FileSize,
		nullableInt(t.Bitrate), nullableInt(t.SampleRate), t.Genre, nullableInt(t.Year),
		nullableInt(t.TrackNumber), nullableInt(t.DiscNumber), nullableString(t.ContentHash),
		string(t.Origin), originNode, t.UploadedBy, t.PlayCount, nullableString(t.Lyrics), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("catalog: inserting track: %w", err)
	}
	return nil
}

// TrackByID returns the track row with the given id.
func (db *DB) TrackByID(id string) (*Track, error) {
	row := db.QueryRow(`
		SELECT id, title, artist_id, IFNULL(album_id, ''), duration_secs, format, file_size,
		       IFNULL(bitrate, 0), IFNULL(sample_rate, 0), IFNULL(genre, ''), IFNULL(year, 0),
		       IFNULL(track_number, 0), IFNULL(disc_number, 0), IFNULL(content_hash, ''),
		       origin, IFNULL(origin_node, ''), IFNULL(uploaded_by, ''), play_count, IFNULL(lyrics, ''), created_at
		FROM tracks WHERE id = ?`, id)
	return scanTrack(row)
}

// LocalOriginTracks returns every track with origin=local and a non-empty
// content hash, used to build a CatalogSync message.
func (db *DB) LocalOriginTracks() ([]*Track, error) {
	rows, err := db.Query(`
		SELECT id, title, artist_id, IFNULL(album_id, ''), duration_secs, format, file_size,
		       IFNULL(bitrate, 0), IFNULL(sample_rate, 0), IFNULL(genre, ''), IFNULL(year, 0),
		       IFNULL(track_number, 0), IFNULL(disc_number, 0), IFNULL(content_hash, ''),
		       origin, IFNULL(origin_node, ''), IFNULL(uploaded_by, ''), play_count, IFNULL(lyrics, ''), created_at
		FROM tracks WHERE origin = 'local' AND content_hash IS NOT NULL AND content_hash != ''`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing local tracks: %w", err)
	}
	defer rows.Close()

	var out []*Track
	for rows.Next() {
		var t Track
		var origin string
		if err := rows.Scan(&t.ID, &t.Title, &t.ArtistID, &t.AlbumID, &t.DurationSecs, &t.Format, &t.FileSize,
			&t.Bitrate, &t.SampleRate, &t.Genre, &t.Year, &t.TrackNumber, &t.DiscNumber, &t.ContentHash,
			&origin, &t.OriginNode, &t.UploadedBy, &t.PlayCount, &t.Lyrics, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Origin = Origin(origin)
		out = append(out, &t)
	}
	return out, nil
}

// ListTracks returns up to limit tracks ordered by creation time, for
// paging catalog browse requests (including the plugin host ABI's
// list_tracks call).
func (db *DB) ListTracks(limit, offset int) ([]*Track, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, title, artist_id, IFNULL(album_id, ''), duration_secs, format, file_size,
		       IFNULL(bitrate, 0), IFNULL(sample_rate, 0), IFNULL(genre, ''), IFNULL(year, 0),
		       IFNULL(track_number, 0), IFNULL(disc_number, 0), IFNULL(content_hash, ''),
		       origin, IFNULL(origin_node, ''), IFNULL(uploaded_by, ''), play_count, IFNULL(lyrics, ''), created_at
		FROM tracks ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing tracks: %w", err)
	}
	defer rows.Close()
	return scanTrackRows(rows)
}

// SearchTracks matches title/artist/album by substring, case-insensitively.
// Used by the plugin host ABI's search_tracks call.
func (db *DB) SearchTracks(query string, limit int) ([]*Track, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	like := "%" + query + "%"
	rows, err := db.Query(`
		SELECT t.id, t.title, t.artist_id, IFNULL(t.album_id, ''), t.duration_secs, t.format, t.file_size,
		       IFNULL(t.bitrate, 0), IFNULL(t.sample_rate, 0), IFNULL(t.genre, ''), IFNULL(t.year, 0),
		       IFNULL(t.track_number, 0), IFNULL(t.disc_number, 0), IFNULL(t.content_hash, ''),
		       t.origin, IFNULL(t.origin_node, ''), IFNULL(t.uploaded_by, ''), t.play_count, IFNULL(t.lyrics, ''), t.created_at
		FROM tracks t
		LEFT JOIN artists a ON a.id = t.artist_id
		LEFT JOIN albums al ON al.id = t.album_id
		WHERE t.title LIKE ? COLLATE NOCASE OR a.name LIKE ? COLLATE NOCASE OR al.title LIKE ? COLLATE NOCASE
		ORDER BY t.created_at DESC LIMIT ?`, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: searching tracks: %w", err)
	}
	defer rows.Close()
	return scanTrackRows(rows)
}

func scanTrackRows(rows *sql.Rows) ([]*Track, error) {
	var out []*Track
	for rows.Next() {
		var t Track
		var origin string
		if err := rows.Scan(&t.ID, &t.Title, &t.ArtistID, &t.AlbumID, &t.DurationSecs, &t.Format, &t.FileSize,
			&t.Bitrate, &t.SampleRate, &t.Genre, &t.Year, &t.TrackNumber, &t.DiscNumber, &t.ContentHash,
			&origin, &t.OriginNode, &t.UploadedBy, &t.PlayCount, &t.Lyrics, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Origin = Origin(origin)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// UpdateTrackMetadata overwrites the editable metadata fields of a track.
// Used by local uploads and by the plugin host ABI's set_track_metadata
// call (gated on the write_tracks permission).
func (db *DB) UpdateTrackMetadata(id, title, genre string, year int) error {
	res, err := db.Exec(`UPDATE tracks SET title = ?, genre = ?, year = ? WHERE id = ?`,
		title, genre, nullableInt(year), id)
	if err != nil {
		return fmt.Errorf("catalog: updating track %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: updating track %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("catalog: track %s: %w", id, sterr.NotFound)
	}
	return nil
}

// UpdateTrackLyrics overwrites a track's lyrics text. Used by the plugin
// host ABI's set_track_lyrics call (gated on the write_tracks permission).
func (db *DB) UpdateTrackLyrics(id, lyrics string) error {
	res, err := db.Exec(`UPDATE tracks SET lyrics = ? WHERE id = ?`, nullableString(lyrics), id)
	if err != nil {
		return fmt.Errorf("catalog: updating track %s lyrics: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: updating track %s lyrics: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("catalog: track %s: %w", id, sterr.NotFound)
	}
	return nil
}

func nullableInt(v int) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// --- remote_tracks -------------------------------------------------------------

// InsertRemoteTrack inserts a RemoteTrack row.
func (db *DB) InsertRemoteTrack(rt *RemoteTrack) error {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	_, err := db.Exec(`
		INSERT INTO remote_tracks (id, local_track_ref, content_hash, title, artist_name, album_title,
			instance_domain, remote_uri, remote_stream_url, bitrate, sample_rate, format, is_available, last_checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rt.ID, nullableString(rt.LocalTrackRef), rt.ContentHash, rt.Title, rt.ArtistName,
		nullableString(rt.AlbumTitle), nullableString(rt.InstanceDomain), rt.RemoteURI,
		nullableString(rt.RemoteStreamURL), nullableInt(rt.Bitrate), nullableInt(rt.SampleRate),
		nullableString(rt.Format), boolToInt(rt.IsAvailable), rt.LastCheckedAt)
	if err != nil {
		return fmt.Errorf("catalog: inserting remote track: %w", err)
	}
	return nil
}

// RemoteTracksByContentHash returns every RemoteTrack row sharing hash,
// used by the Resolver to collect remote candidates.
func (db *DB) RemoteTracksByContentHash(hash string) ([]*RemoteTrack, error) {
	rows, err := db.Query(`
		SELECT id, IFNULL(local_track_ref, ''), content_hash, title, artist_name, IFNULL(album_title, ''),
		       IFNULL(instance_domain, ''), remote_uri, IFNULL(remote_stream_url, ''),
		       IFNULL(bitrate, 0), IFNULL(sample_rate, 0), IFNULL(format, ''), is_available, last_checked_at
		FROM remote_tracks WHERE content_hash = ?`, hash)
	if err != nil {
		return nil, fmt.Errorf("catalog: querying remote tracks: %w", err)
	}
	defer rows.Close()
	return scanRemoteTracks(rows)
}

// RemoteTracksByLocalRef returns every RemoteTrack row mirroring localTrackID.
func (db *DB) RemoteTracksByLocalRef(localTrackID string) ([]*RemoteTrack, error) {
	rows, err := db.Query(`
		SELECT id, IFNULL(local_track_ref, ''), content_hash, title, artist_name, IFNULL(album_title, ''),
		       IFNULL(instance_domain, ''), remote_uri, IFNULL(remote_stream_url, ''),
		       IFNULL(bitrate, 0), IFNULL(sample_rate, 0), IFNULL(format, ''), is_available, last_checked_at
		FROM remote_tracks WHERE local_track_ref = ?`, localTrackID)
	if err != nil {
		return nil, fmt.Errorf("catalog: querying remote tracks by ref: %w", err)
	}
	defer rows.Close()
	return scanRemoteTracks(rows)
}

func scanRemoteTracks(rows *sql.Rows) ([]*RemoteTrack, error) {
	var out []*RemoteTrack
	for rows.Next() {
		var rt RemoteTrack
		var available int
		if err := rows.Scan(&rt.ID, &rt.LocalTrackRef, &rt.ContentHash, &rt.Title, &rt.ArtistName,
			&rt.AlbumTitle, &rt.InstanceDomain, &rt.RemoteURI, &rt.RemoteStreamURL, &rt.Bitrate,
			&rt.SampleRate, &rt.Format, &available, &rt.LastCheckedAt); err != nil {
			return nil, err
		}
		rt.IsAvailable = available != 0
		out = append(out, &rt)
	}
	return out, nil
}

// SetRemoteTrackAvailability updates is_available and last_checked_at for
// every RemoteTrack row sharing hash, as the health monitor does at the end
// of each batch sweep.
func (db *DB) SetRemoteTrackAvailability(hash string, available bool, checkedAt time.Time) error {
	_, err := db.Exec(`UPDATE remote_tracks SET is_available = ?, last_checked_at = ? WHERE content_hash = ?`,
		boolToInt(available), checkedAt, hash)
	return err
}

// AllRemoteTracks returns every remote_tracks row, used to seed health sweeps.
func (db *DB) AllRemoteTracks() ([]*RemoteTrack, error) {
	rows, err := db.Query(`
		SELECT id, IFNULL(local_track_ref, ''), content_hash, title, artist_name, IFNULL(album_title, ''),
		       IFNULL(instance_domain, ''), remote_uri, IFNULL(remote_stream_url, ''),
		       IFNULL(bitrate, 0), IFNULL(sample_rate, 0), IFNULL(format, ''), is_available, last_checked_at
		FROM remote_tracks`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing remote tracks: %w", err)
	}
	defer rows.Close()
	return scanRemoteTracks(rows)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- peers blocklist -----------------------------------------------------------

// IsPeerBlocked reports whether nodeID is in the persistent blocklist.
func (db *DB) IsPeerBlocked(nodeID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(1) FROM peers_blocklist WHERE node_id = ?`, nodeID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BlockPeer adds nodeID to the persistent blocklist.
func (db *DB) BlockPeer(nodeID, reason string) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO peers_blocklist (node_id, reason) VALUES (?, ?)`, nodeID, reason)
	return err
}

// UnblockPeer removes nodeID from the blocklist. Per SPEC_FULL.md's decided
// Open Question (b), this does not attempt to re-establish any prior
// connection.
func (db *DB) UnblockPeer(nodeID string) error {
	_, err := db.Exec(`DELETE FROM peers_blocklist WHERE node_id = ?`, nodeID)
	return err
}

// --- plugins ---------------------------------------------------------------

// InsertPlugin inserts a new plugin row with status=disabled, as required
// at the end of installation (SPEC_FULL.md §4.7).
func (db *DB) InsertPlugin(p *Plugin) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	hostsJSON, _ := json.Marshal(p.Permissions.HTTPHosts)
	eventsJSON, _ := json.Marshal(p.Permissions.Events)
	_, err := db.Exec(`
		INSERT INTO plugins (id, name, version, git_url, wasm_path, http_hosts, events,
			write_tracks, config_access, read_users, status, installed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Version, p.GitURL, p.WASMPath, string(hostsJSON), string(eventsJSON),
		boolToInt(p.Permissions.WriteTracks), boolToInt(p.Permissions.ConfigAccess),
		boolToInt(p.Permissions.ReadUsers), string(PluginDisabled), p.InstalledBy)
	if err != nil {
		return fmt.Errorf("catalog: inserting plugin: %w", err)
	}
	return nil
}

// SetPluginStatus updates a plugin's lifecycle status and optional error
// message.
func (db *DB) SetPluginStatus(id string, status PluginStatus, errMsg string) error {
	_, err := db.Exec(`UPDATE plugins SET status = ?, error_message = ? WHERE id = ?`,
		string(status), nullableString(errMsg), id)
	return err
}

// ListPlugins returns every installed plugin row.
func (db *DB) ListPlugins() ([]*Plugin, error) {
	rows, err := db.Query(`
		SELECT id, name, version, IFNULL(git_url, ''), wasm_path, http_hosts, events,
		       write_tracks, config_access, read_users, status, IFNULL(error_message, ''), IFNULL(installed_by, '')
		FROM plugins`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing plugins: %w", err)
	}
	defer rows.Close()

	var out []*Plugin
	for rows.Next() {
		var p Plugin
		var hostsJSON, eventsJSON string
		var writeTracks, configAccess, readUsers int
		var status string
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &p.GitURL, &p.WASMPath, &hostsJSON, &eventsJSON,
			&writeTracks, &configAccess, &readUsers, &status, &p.ErrorMessage, &p.InstalledBy); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(hostsJSON), &p.Permissions.HTTPHosts)
		json.Unmarshal([]byte(eventsJSON), &p.Permissions.Events)
		p.Permissions.WriteTracks = writeTracks != 0
		p.Permissions.ConfigAccess = configAccess != 0
		p.Permissions.ReadUsers = readUsers != 0
		p.Status = PluginStatus(status)
		out = append(out, &p)
	}
	return out, nil
}

// --- plugin_config -----------------------------------------------------------

// GetPluginConfig returns a single config value for a plugin.
func (db *DB) GetPluginConfig(pluginID, key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM plugin_config WHERE plugin_id = ? AND key = ?`, pluginID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetPluginConfig upserts a single config value for a plugin.
func (db *DB) SetPluginConfig(pluginID, key, value string) error {
	_, err := db.Exec(`INSERT INTO plugin_config (plugin_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(plugin_id, key) DO UPDATE SET value = excluded.value`, pluginID, key, value)
	return err
}

// --- plugin_events_log --------------------------------------------------------

// LogPluginEvent records one dispatch outcome, matching the
// {elapsed_ms, result kind} contract in SPEC_FULL.md §4.7.
func (db *DB) LogPluginEvent(pluginID, event, result string, elapsedMs int64, errMsg string) error {
	_, err := db.Exec(`
		INSERT INTO plugin_events_log (plugin_id, event, result, elapsed_ms, error_message)
		VALUES (?, ?, ?, ?, ?)`, pluginID, event, result, elapsedMs, nullableString(errMsg))
	return err
}

// --- instance_settings ---------------------------------------------------------

// GetSetting returns a single instance setting value (e.g. "active_theme_id",
// "setup_complete", "tos_content").
func (db *DB) GetSetting(key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM instance_settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetSetting upserts a single instance setting.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`INSERT INTO instance_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// StreamURLForHash builds the HTTP stream path named in SPEC_FULL.md §6.
func StreamURLForHash(hash string) string {
	return fmt.Sprintf("/api/stream/p2p/%s", hash)
}

// P2PRemoteURI builds the canonical p2p:// URI for a given origin node and
// content hash.
func P2PRemoteURI(originNode, hash string) string {
	return fmt.Sprintf("p2p://%s/%s", originNode, hash)
}

// ParseP2PRemoteURI extracts origin_node and content_hash from the
// canonical form P2PRemoteURI builds.
func ParseP2PRemoteURI(uri string) (originNode, hash string, ok bool) {
	const prefix = "p2p://"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := uri[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
