package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dhowden/tag"
	"github.com/sirupsen/logrus"

	"tunefetch/internal/domain"
)

const op = "import"

var defaultAudioExtensions = []string{".flac", ".mp3", ".m4a", ".ogg", ".opus", ".wav"}

type Config struct {
	// SizeTolerance is the accepted relative difference between the bytes on
	// disk and the candidate's advertised size when no file list is known.
	SizeTolerance   float64
	AudioExtensions []string
	Logger          *logrus.Logger
}

// Verifier checks a completed transfer on disk and extracts track metadata.
type Verifier struct {
	cfg   Config
	audio map[string]bool
}

func New(cfg Config) *Verifier {
	if cfg.SizeTolerance <= 0 {
		cfg.SizeTolerance = 0.02
	}
	if len(cfg.AudioExtensions) == 0 {
		cfg.AudioExtensions = defaultAudioExtensions
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	audio := make(map[string]bool, len(cfg.AudioExtensions))
	for _, ext := range cfg.AudioExtensions {
		audio[strings.ToLower(ext)] = true
	}
	return &Verifier{cfg: cfg, audio: audio}
}

// Verify checks every expected file exists with its exact size, hashes it and
// reads its tags. Mismatches are classified ImportMismatch; plain I/O errors
// are returned as they are so the caller may retry them.
func (v *Verifier) Verify(ctx context.Context, job domain.Job) ([]domain.TrackFile, error) {
	root := job.ContentPath
	if root == "" {
		return nil, domain.Errorf(domain.KindImportMismatch, op, "job has no content path")
	}
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.Errorf(domain.KindImportMismatch, op, "content %s is missing", root)
	}
	if err != nil {
		return nil, fmt.Errorf("stat content: %w", err)
	}

	var files []domain.TrackFile
	if !info.IsDir() {
		files = []domain.TrackFile{{Path: filepath.Base(root), Size: info.Size()}}
		root = filepath.Dir(root)
	} else if len(job.Files) > 0 {
		files, err = v.checkExpected(root, job.Files)
	} else {
		files, err = v.checkAgainstCandidate(root, job)
	}
	if err != nil {
		return nil, err
	}

	logger := v.cfg.Logger.WithField("job_id", job.ID)
	audioCount := 0
	for i := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(root, files[i].Path)
		sum, err := hashFile(path)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", files[i].Path, err)
		}
		files[i].SHA256 = sum

		if !v.audio[strings.ToLower(filepath.Ext(path))] {
			continue
		}
		audioCount++
		v.readTags(&files[i], path, job.Request, logger)
	}
	if audioCount == 0 {
		return nil, domain.Errorf(domain.KindImportMismatch, op, "no audio files among %d files", len(files))
	}

	logger.Infof("verified %d files (%d audio)", len(files), audioCount)
	return files, nil
}

func (v *Verifier) checkExpected(root string, expected []domain.TrackFile) ([]domain.TrackFile, error) {
	out := make([]domain.TrackFile, 0, len(expected))
	for _, want := range expected {
		rel := filepath.Clean(want.Path)
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, domain.Errorf(domain.KindImportMismatch, op, "file path %q escapes the content root", want.Path)
		}
		info, err := os.Stat(filepath.Join(root, rel))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.Errorf(domain.KindImportMismatch, op, "expected file %s is missing", rel)
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", rel, err)
		}
		if info.Size() != want.Size {
			return nil, domain.Errorf(domain.KindImportMismatch, op, "%s has %d bytes, expected %d", rel, info.Size(), want.Size)
		}
		out = append(out, domain.TrackFile{Path: rel, Size: want.Size})
	}
	return out, nil
}

// checkAgainstCandidate is used when the client reported no file list: every
// file under root is taken and the total compared with the advertised size.
func (v *Verifier) checkAgainstCandidate(root string, job domain.Job) ([]domain.TrackFile, error) {
	var (
		files []domain.TrackFile
		total int64
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, domain.TrackFile{Path: rel, Size: info.Size()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk content: %w", err)
	}

	if cand, ok := job.CurrentCandidate(); ok && cand.Size > 0 {
		diff := math.Abs(float64(total-cand.Size)) / float64(cand.Size)
		if diff > v.cfg.SizeTolerance {
			return nil, domain.Errorf(domain.KindImportMismatch, op, "content is %d bytes, candidate advertised %d", total, cand.Size)
		}
	}
	return files, nil
}

// readTags fills track metadata from the file's tags, falling back to the
// Artist/Album/NN - Title path layout and finally to the request.
func (v *Verifier) readTags(file *domain.TrackFile, path string, req domain.Request, logger *logrus.Entry) {
	fallback := metadataFromPath(file.Path)
	if fallback.Artist == "" {
		fallback.Artist = req.Artist
	}
	if fallback.Album == "" {
		fallback.Album = req.Album
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Warnf("open %s for tags: %v", file.Path, err)
		mergeMetadata(file, fallback)
		return
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		logger.Debugf("no readable tags in %s: %v", file.Path, err)
		mergeMetadata(file, fallback)
		return
	}
	file.Title = meta.Title()
	file.Artist = meta.Artist()
	file.Album = meta.Album()
	file.TrackNumber, _ = meta.Track()
	mergeMetadata(file, fallback)
}

func mergeMetadata(file *domain.TrackFile, fallback domain.TrackFile) {
	if file.Title == "" {
		file.Title = fallback.Title
	}
	if file.Artist == "" {
		file.Artist = fallback.Artist
	}
	if file.Album == "" {
		file.Album = fallback.Album
	}
	if file.TrackNumber == 0 {
		file.TrackNumber = fallback.TrackNumber
	}
}

var trackPrefix = regexp.MustCompile(`^(\d+)[.\-\s]+(.+)`)

func metadataFromPath(rel string) domain.TrackFile {
	var meta domain.TrackFile
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) >= 3 {
		meta.Artist = parts[len(parts)-3]
	}
	if len(parts) >= 2 {
		meta.Album = parts[len(parts)-2]
	}

	name := parts[len(parts)-1]
	title := strings.TrimSuffix(name, filepath.Ext(name))
	if m := trackPrefix.FindStringSubmatch(title); len(m) > 2 {
		title = m[2]
		if n, err := strconv.Atoi(m[1]); err == nil {
			meta.TrackNumber = n
		}
	}
	meta.Title = title
	return meta
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
