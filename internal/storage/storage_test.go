package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunefetch/internal/domain"
)

func TestLibraryKey(t *testing.T) {
	cases := []struct {
		name string
		req  domain.Request
		want string
	}{
		{"album", domain.Request{Artist: "Boards of Canada", Album: "Geogaddi"}, "Boards of Canada/Geogaddi"},
		{"title fallback", domain.Request{Artist: "Aphex Twin", Title: "Windowlicker"}, "Aphex Twin/Windowlicker"},
		{"separators", domain.Request{Artist: "AC/DC", Album: "Who Made Who?"}, "AC_DC/Who Made Who_"},
		{"empty", domain.Request{Artist: " .. ", Album: ""}, "Unknown/Unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, LibraryKey(domain.Job{Request: tc.req}))
		})
	}
}

func TestDisambiguate(t *testing.T) {
	assert.Equal(t, "A/B [0123abcd]", disambiguate("A/B", "0123abcd-4567"))
	assert.Equal(t, "A/B [x]", disambiguate("A/B", "x"))
}

func TestLocalStoreOffload(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewLocalStore(filepath.Join(root, "library"), 0)

	src := filepath.Join(root, "processing", "job-1")
	writeTree(t, src, map[string]string{"01 - Alpha.flac": "alpha", "02 - Beta.flac": "beta"})

	exists, err := store.Exists(ctx, "Artist/Album")
	require.NoError(t, err)
	assert.False(t, exists)

	location, err := store.Offload(ctx, src, "Artist/Album")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "library", "Artist", "Album"), location)
	assert.NoDirExists(t, src)

	exists, err = store.Exists(ctx, "Artist/Album")
	require.NoError(t, err)
	assert.True(t, exists)

	objects, err := store.ListObjects(ctx, "Artist")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "Artist/Album/01 - Alpha.flac", objects[0].Key)
	assert.EqualValues(t, 5, objects[0].Size)

	none, err := store.ListObjects(ctx, "Nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLocalStoreStaysInsideRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewLocalStore(filepath.Join(root, "library"), 0)
	writeTree(t, filepath.Join(root, "secret"), map[string]string{"key.pem": "private"})

	for _, prefix := range []string{"..", "../secret", "/../..", "Artist/../../secret"} {
		objects, err := store.ListObjects(ctx, prefix)
		assert.ErrorIs(t, err, ErrInvalidKey, prefix)
		assert.Empty(t, objects, prefix)
	}

	_, err := store.Exists(ctx, "../secret")
	assert.ErrorIs(t, err, ErrInvalidKey)

	src := filepath.Join(root, "processing", "job-1")
	writeTree(t, src, map[string]string{"a.flac": "a"})
	_, err = store.Offload(ctx, src, "../escaped")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.DirExists(t, src)

	objects, err := store.ListObjects(ctx, "Artist/..")
	require.NoError(t, err, "a prefix that resolves back to the root is allowed")
	assert.Empty(t, objects)
}

func TestValidKey(t *testing.T) {
	assert.True(t, validKey(""))
	assert.True(t, validKey("Artist/Album..Deluxe"))
	assert.False(t, validKey(".."))
	assert.False(t, validKey("Artist/../other"))
}

func TestVerifyUpload(t *testing.T) {
	files := []localFile{{rel: "01.flac", size: 10}, {rel: "CD2/01.flac", size: 20}}

	ok := []ObjectInfo{{Key: "lib/A/B/01.flac", Size: 10}, {Key: "lib/A/B/CD2/01.flac", Size: 20}}
	assert.NoError(t, verifyUpload("lib/A/B", files, ok))

	short := []ObjectInfo{{Key: "lib/A/B/01.flac", Size: 10}, {Key: "lib/A/B/CD2/01.flac", Size: 19}}
	assert.Error(t, verifyUpload("lib/A/B", files, short))

	missing := ok[:1]
	assert.Error(t, verifyUpload("lib/A/B", files, missing))
}

func TestCollectFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a/01.flac": "12345"})

	files, err := collectFiles(root)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a/01.flac", files[0].rel)
	assert.EqualValues(t, 5, files[0].size)

	single := filepath.Join(root, "a", "01.flac")
	files, err = collectFiles(single)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "01.flac", files[0].rel)

	_, err = collectFiles(filepath.Join(root, "missing"))
	assert.Error(t, err)
	_ = os.Remove(single)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}
