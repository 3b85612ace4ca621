package prowlarr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunefetch/internal/domain"
)

func TestSearchKeepsIndexerOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/search", r.URL.Path)
		assert.Equal(t, "Boards of Canada Geogaddi", r.URL.Query().Get("query"))
		assert.Equal(t, "3000", r.URL.Query().Get("categories"))
		_ = json.NewEncoder(w).Encode([]result{
			{GUID: "b", Title: "Boards of Canada - Geogaddi [MP3 320]", MagnetURL: "magnet:?xt=b", Seeders: 2, Size: 100},
			{GUID: "a", Title: "Boards of Canada - Geogaddi (2002) [FLAC 24bit]", MagnetURL: "magnet:?xt=a", Seeders: 40, Size: 900},
			{GUID: "c", Title: "no link", Seeders: 99},
			{GUID: "d", Title: "Boards of Canada - Geogaddi FLAC", DownloadURL: "http://idx/d.torrent", Seeders: 5},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	got, err := c.Search(context.Background(), domain.ReleaseDescriptor{Artist: "Boards of Canada", Album: "Geogaddi"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"b", "a", "d"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, "MP3 320", got[0].Quality)
	assert.Equal(t, "FLAC 24bit", got[1].Quality)
	assert.Equal(t, "http://idx/d.torrent", got[2].URI)
}

func TestSearchEmptyIsNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]result{{GUID: "x", MagnetURL: "magnet:?xt=x", Seeders: 0}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MinSeeders: 1})
	_, err := c.Search(context.Background(), domain.ReleaseDescriptor{Artist: "A", Album: "B"})
	assert.Equal(t, domain.KindNoCandidates, domain.KindOf(err))
}

func TestSearchUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Search(context.Background(), domain.ReleaseDescriptor{Artist: "A", Album: "B"})
	assert.Equal(t, domain.KindServiceUnavailable, domain.KindOf(err))
}

func TestQualityFromTitle(t *testing.T) {
	assert.Equal(t, "FLAC", QualityFromTitle("Artist - Album [FLAC]"))
	assert.Equal(t, "MP3 V0", QualityFromTitle("Artist - Album (V0)"))
	assert.Equal(t, "unknown", QualityFromTitle("Artist - Album"))
}
