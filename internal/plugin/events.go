package plugin

// KnownEvents is the allow-list of event names a plugin may subscribe to.
// Manifest validation rejects any `permissions.events` entry outside this
// set (SPEC_FULL.md §4.7 installer validation detail).
var KnownEvents = []string{
	"on_track_added",
	"on_track_played",
	"on_track_updated",
	"on_track_deleted",
	"on_album_added",
	"on_artist_added",
	"on_user_registered",
	"on_playlist_created",
	"on_instance_startup",
}

func isKnownEvent(name string) bool {
	for _, e := range KnownEvents {
		if e == name {
			return true
		}
	}
	return false
}

// ValidUISlots lists the frontend panel slots a plugin's `[ui]` section may
// target.
var ValidUISlots = []string{
	"track-detail-sidebar",
	"player-extra-controls",
	"library-toolbar",
	"settings-panel",
}

func isValidUISlot(slot string) bool {
	for _, s := range ValidUISlots {
		if s == slot {
			return true
		}
	}
	return false
}
