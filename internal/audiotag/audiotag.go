// Package audiotag reads embedded metadata off uploaded audio bytes so the
// catalog has a title/artist/album/genre/year/track number/file type to
// populate before a track is published. Bitrate and sample rate are not
// read. Full audio-format decoding is out of scope (spec.md §1); this
// is limited to the container-tag read the teacher's
// internal/playlist/track.go already does with the same library.
package audiotag

import (
	"bytes"

	"github.com/dhowden/tag"
)

// Info holds the subset of container metadata this node cares about.
type Info struct {
	Title    string
	Artist   string
	Album    string
	Genre    string
	Year     int
	Track    int
	Format   string
}

// Read extracts tag metadata from raw audio bytes. A read failure is not
// fatal to the caller — callers fall back to filename-derived defaults, the
// same way extractTrackMetadata in the teacher does.
func Read(data []byte) (*Info, error) {
	m, err := tag.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	num, _ := m.Track()
	return &Info{
		Title:  m.Title(),
		Artist: m.Artist(),
		Album:  m.Album(),
		Genre:  m.Genre(),
		Year:   m.Year(),
		Track:  num,
		Format: string(m.FileType()),
	}, nil
}
