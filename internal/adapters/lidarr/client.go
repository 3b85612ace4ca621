package lidarr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tunefetch/internal/adapters"
	"tunefetch/internal/domain"
)

// Config points the client at a Lidarr-compatible library manager.
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RootFolder        string
	QualityProfileID  int
	MetadataProfileID int
	HTTPClient        *http.Client
}

// Client implements adapters.LibraryManager.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.QualityProfileID == 0 {
		cfg.QualityProfileID = 1
	}
	if cfg.MetadataProfileID == 0 {
		cfg.MetadataProfileID = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

type album struct {
	ID             int         `json:"id,omitempty"`
	Title          string      `json:"title"`
	ForeignAlbumID string      `json:"foreignAlbumId"`
	ReleaseDate    string      `json:"releaseDate,omitempty"`
	Monitored      bool        `json:"monitored"`
	Artist         artist      `json:"artist"`
	AddOptions     *addOptions `json:"addOptions,omitempty"`
}

type artist struct {
	ID                int    `json:"id,omitempty"`
	ArtistName        string `json:"artistName"`
	ForeignArtistID   string `json:"foreignArtistId"`
	QualityProfileID  int    `json:"qualityProfileId,omitempty"`
	MetadataProfileID int    `json:"metadataProfileId,omitempty"`
	RootFolderPath    string `json:"rootFolderPath,omitempty"`
	Monitored         bool   `json:"monitored"`
}

type addOptions struct {
	SearchForNewAlbum bool `json:"searchForNewAlbum"`
}

// FindOrCreateRelease looks the album up and adds it to the library when it is
// not tracked yet. A track-only request looks up the artist's name alone.
func (c *Client) FindOrCreateRelease(ctx context.Context, artistName, albumTitle string) (domain.ReleaseRef, error) {
	const op = "lidarr.find_or_create"

	term := strings.TrimSpace(artistName + " " + albumTitle)
	var results []album
	if err := c.do(ctx, op, http.MethodGet, "/api/v1/album/lookup?term="+url.QueryEscape(term), nil, &results); err != nil {
		return domain.ReleaseRef{}, err
	}

	match, ok := pickAlbum(results, artistName, albumTitle)
	if !ok {
		return domain.ReleaseRef{}, domain.Errorf(domain.KindNotFound, op, "no release for %q", term)
	}

	if match.ID == 0 {
		match.Monitored = true
		match.Artist.Monitored = true
		match.Artist.QualityProfileID = c.cfg.QualityProfileID
		match.Artist.MetadataProfileID = c.cfg.MetadataProfileID
		match.Artist.RootFolderPath = c.cfg.RootFolder
		// searching is ours to do, not the library manager's
		match.AddOptions = &addOptions{SearchForNewAlbum: false}

		var created album
		if err := c.do(ctx, op, http.MethodPost, "/api/v1/album", match, &created); err != nil {
			return domain.ReleaseRef{}, err
		}
		match = created
	}

	return toRef(match), nil
}

// pickAlbum prefers an exact artist and title match, then any album by the
// artist. A result from another artist is never a match.
func pickAlbum(results []album, artistName, albumTitle string) (album, bool) {
	for _, a := range results {
		if !strings.EqualFold(a.Artist.ArtistName, artistName) {
			continue
		}
		if albumTitle == "" || strings.EqualFold(a.Title, albumTitle) {
			return a, true
		}
	}
	for _, a := range results {
		if strings.EqualFold(a.Artist.ArtistName, artistName) {
			return a, true
		}
	}
	return album{}, false
}

func toRef(a album) domain.ReleaseRef {
	ref := domain.ReleaseRef{
		ID:     strconv.Itoa(a.ID),
		Artist: a.Artist.ArtistName,
		Album:  a.Title,
	}
	if len(a.ReleaseDate) >= 4 {
		if year, err := strconv.Atoi(a.ReleaseDate[:4]); err == nil {
			ref.Year = year
		}
	}
	return ref
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return adapters.ClassifyTransport(op, err)
	}
	defer resp.Body.Close()

	if err := adapters.ClassifyHTTP(op, resp.StatusCode); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewError(domain.KindServiceUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

var _ adapters.LibraryManager = (*Client)(nil)
