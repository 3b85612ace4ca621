package domain

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const DefaultSource = "user"

// Request is what a user or the recommender asks for.
type Request struct {
	Title      string
	Artist     string
	Album      string
	ExternalID string
	Source     string
}

// Validate checks the minimum needed to search for a release.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Artist) == "" {
		return errors.New("artist is required")
	}
	if strings.TrimSpace(r.Album) == "" && strings.TrimSpace(r.Title) == "" {
		return errors.New("album or title is required")
	}
	return nil
}

// DedupKey normalises (artist, album|track, source) so trivially different
// spellings of the same request collapse onto one job.
func (r Request) DedupKey() string {
	target := "album:" + normalizeKeyPart(r.Album)
	if strings.TrimSpace(r.Album) == "" {
		target = "track:" + normalizeKeyPart(r.Title)
	}
	source := normalizeKeyPart(r.Source)
	if source == "" {
		source = DefaultSource
	}
	return normalizeKeyPart(r.Artist) + "|" + target + "|" + source
}

// Descriptor is the search input handed to the indexer.
func (r Request) Descriptor(release ReleaseRef) ReleaseDescriptor {
	d := ReleaseDescriptor{
		Artist: r.Artist,
		Album:  r.Album,
		Track:  r.Title,
		Year:   release.Year,
	}
	if release.Artist != "" {
		d.Artist = release.Artist
	}
	if release.Album != "" {
		d.Album = release.Album
	}
	return d
}

var stripMarks = runes.Remove(runes.In(unicode.Mn))

func normalizeKeyPart(s string) string {
	decomposed, _, err := transform.String(transform.Chain(norm.NFKD, stripMarks, norm.NFC), s)
	if err != nil {
		decomposed = s
	}
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(decomposed) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// ReleaseRef identifies a release entry inside the library manager.
type ReleaseRef struct {
	ID     string
	Artist string
	Album  string
	Year   int
}

// ReleaseDescriptor is what the indexer searches for.
type ReleaseDescriptor struct {
	Artist string
	Album  string
	Track  string
	Year   int
}

// Query renders the descriptor as a free-text search string.
func (d ReleaseDescriptor) Query() string {
	parts := []string{strings.TrimSpace(d.Artist)}
	if album := strings.TrimSpace(d.Album); album != "" {
		parts = append(parts, album)
	} else if track := strings.TrimSpace(d.Track); track != "" {
		parts = append(parts, track)
	}
	return strings.Join(parts, " ")
}

// Candidate is one ranked search result from the indexer.
type Candidate struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	URI      string `json:"uri"`
	Size     int64  `json:"size"`
	Seeders  int    `json:"seeders"`
	Leechers int    `json:"leechers"`
	Quality  string `json:"quality"`
	Indexer  string `json:"indexer,omitempty"`
}

type TransferHandle string

type TransferState string

const (
	TransferQueued      TransferState = "queued"
	TransferDownloading TransferState = "downloading"
	TransferPaused      TransferState = "paused"
	TransferCompleted   TransferState = "completed"
	TransferErrored     TransferState = "errored"
)

// TransferStatus is what the download client reports for a handle.
type TransferStatus struct {
	State       TransferState
	Progress    Progress
	ContentPath string
	Files       []TrackFile
	Message     string
}

// Done reports a finished transfer: all bytes present and no error.
func (s TransferStatus) Done() bool {
	if s.State == TransferErrored {
		return false
	}
	return s.Progress.TotalBytes > 0 && s.Progress.DownloadedBytes >= s.Progress.TotalBytes
}
