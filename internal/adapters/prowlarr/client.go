package prowlarr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tunefetch/internal/adapters"
	"tunefetch/internal/domain"
)

// audioCategory is the newznab category for music.
const audioCategory = "3000"

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MinSeeders int
	HTTPClient *http.Client
}

// Client implements adapters.IndexerProxy.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

type result struct {
	GUID        string `json:"guid"`
	Title       string `json:"title"`
	Size        int64  `json:"size"`
	Seeders     int    `json:"seeders"`
	Leechers    int    `json:"leechers"`
	DownloadURL string `json:"downloadUrl"`
	MagnetURL   string `json:"magnetUrl"`
	InfoHash    string `json:"infoHash"`
	Indexer     string `json:"indexer"`
}

// Search queries every configured indexer. The order of the response is kept
// as the ranking; results without a usable link are dropped.
func (c *Client) Search(ctx context.Context, release domain.ReleaseDescriptor) ([]domain.Candidate, error) {
	const op = "prowlarr.search"

	query := release.Query()
	params := url.Values{}
	params.Set("query", query)
	params.Set("type", "search")
	params.Set("categories", audioCategory)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/v1/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, adapters.ClassifyTransport(op, err)
	}
	defer resp.Body.Close()

	if err := adapters.ClassifyHTTP(op, resp.StatusCode); err != nil {
		return nil, err
	}

	var results []result
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, domain.NewError(domain.KindServiceUnavailable, op, fmt.Errorf("decode response: %w", err))
	}

	candidates := make([]domain.Candidate, 0, len(results))
	for _, r := range results {
		uri := r.MagnetURL
		if uri == "" {
			uri = r.DownloadURL
		}
		if uri == "" || r.Seeders < c.cfg.MinSeeders {
			continue
		}
		id := r.GUID
		if id == "" {
			id = r.InfoHash
		}
		if id == "" {
			id = uri
		}
		candidates = append(candidates, domain.Candidate{
			ID:       id,
			Title:    r.Title,
			URI:      uri,
			Size:     r.Size,
			Seeders:  r.Seeders,
			Leechers: r.Leechers,
			Quality:  QualityFromTitle(r.Title),
			Indexer:  r.Indexer,
		})
	}
	if len(candidates) == 0 {
		return nil, domain.Errorf(domain.KindNoCandidates, op, "nothing found for %q", query)
	}
	return candidates, nil
}

// QualityFromTitle derives a coarse quality label from a release title.
func QualityFromTitle(title string) string {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "flac") && (strings.Contains(t, "24bit") || strings.Contains(t, "24-bit") || strings.Contains(t, "24 bit")):
		return "FLAC 24bit"
	case strings.Contains(t, "flac"):
		return "FLAC"
	case strings.Contains(t, "320"):
		return "MP3 320"
	case strings.Contains(t, "v0"):
		return "MP3 V0"
	case strings.Contains(t, "mp3"):
		return "MP3"
	case strings.Contains(t, "aac") || strings.Contains(t, "m4a"):
		return "AAC"
	case strings.Contains(t, "opus") || strings.Contains(t, "ogg"):
		return "Opus/Vorbis"
	default:
		return "unknown"
	}
}

var _ adapters.IndexerProxy = (*Client)(nil)
