package catalog

import "time"

// Origin distinguishes a track uploaded to this instance from one
// replicated from a federated peer. Tracks with Origin=P2P MUST NOT be
// re-announced by this node (SPEC_FULL.md §3).
type Origin string

const (
	OriginLocal Origin = "local"
	OriginP2P   Origin = "p2p"
)

// Track is a catalog entry. ContentHash is present iff the blob has been
// successfully published or imported.
type Track struct {
	ID           string
	Title        string
	ArtistID     string
	AlbumID      string // empty if none
	DurationSecs int
	Format       string
	FileSize     int64
	Bitrate      int // 0 means unknown
	SampleRate   int // 0 means unknown
	Genre        string
	Year         int
	TrackNumber  int
	DiscNumber   int
	ContentHash  string // empty until published/imported
	Origin       Origin
	OriginNode   string // set iff Origin == OriginP2P
	UploadedBy   string
	PlayCount    int
	Lyrics       string // plain-text lyrics, settable by plugins with WriteTracks
	CreatedAt    time.Time
}

// Artist is a catalog entry resolved-or-created by name.
type Artist struct {
	ID   string
	Name string
}

// Album is a catalog entry resolved-or-created by (title, artist).
type Album struct {
	ID       string
	Title    string
	ArtistID string
}

// RemoteTrack mirrors a federated track.
type RemoteTrack struct {
	ID               string
	LocalTrackRef    string // empty if none
	ContentHash      string
	Title            string
	ArtistName       string
	AlbumTitle       string
	InstanceDomain   string
	RemoteURI        string // p2p://<origin_node_id>/<content_hash>
	RemoteStreamURL  string
	Bitrate          int
	SampleRate       int
	Format           string
	IsAvailable      bool
	LastCheckedAt    *time.Time
}

// PluginStatus is the lifecycle state of an installed plugin.
type PluginStatus string

const (
	PluginInstalled PluginStatus = "installed"
	PluginEnabled   PluginStatus = "enabled"
	PluginDisabled  PluginStatus = "disabled"
	PluginError     PluginStatus = "error"
)

// PluginPermissions gates sensitive host calls (SPEC_FULL.md §4.7).
type PluginPermissions struct {
	HTTPHosts    []string
	Events       []string
	WriteTracks  bool
	ConfigAccess bool
	ReadUsers    bool
}

// Plugin is an installed plugin's catalog row.
type Plugin struct {
	ID           string
	Name         string
	Version      string
	GitURL       string
	WASMPath     string
	Permissions  PluginPermissions
	Status       PluginStatus
	ErrorMessage string
	InstalledBy  string
}
