package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

type S3Config struct {
	Bucket    string
	KeyPrefix string
	Logger    *logrus.Logger
}

// S3Store offloads releases to Amazon S3 or a compatible API. Every object
// is uploaded with a SHA-256 checksum and the listing is compared with the
// local files before the staged copy is removed.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      *logrus.Logger
}

func NewS3Store(client *s3.Client, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.KeyPrefix, "/"),
		log:      logger,
	}, nil
}

func (s *S3Store) Name() string { return "s3" }

func (s *S3Store) objectKey(key string) string {
	key = strings.Trim(key, "/")
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.objectKey(key) + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("list objects: %w", err)
	}
	return len(out.Contents) > 0, nil
}

type localFile struct {
	path string
	rel  string
	size int64
}

func collectFiles(root string) ([]localFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat local path: %w", err)
	}
	if !info.IsDir() {
		return []localFile{{path: root, rel: filepath.Base(root), size: info.Size()}}, nil
	}
	var files []localFile
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", p, err)
		}
		files = append(files, localFile{path: p, rel: filepath.ToSlash(rel), size: fi.Size()})
		return nil
	})
	return files, err
}

func (s *S3Store) Offload(ctx context.Context, srcDir, key string) (string, error) {
	files, err := collectFiles(filepath.Clean(srcDir))
	if err != nil {
		return "", err
	}
	base := s.objectKey(key)

	var total int64
	for _, f := range files {
		total += f.size
	}
	entry := s.log.WithFields(logrus.Fields{"bucket": s.bucket, "key": base})
	progress := newProgressReporter(total, func(done, total int64) {
		entry.Debugf("offload progress %s / %s", formatBytes(done), formatBytes(total))
	})

	for _, f := range files {
		if err := s.upload(ctx, f, base+"/"+f.rel, progress); err != nil {
			_ = s.DeletePrefix(ctx, base+"/")
			return "", err
		}
	}
	progress.flush()

	listed, err := s.listRaw(ctx, base+"/")
	if err != nil {
		return "", err
	}
	if err := verifyUpload(base, files, listed); err != nil {
		if delErr := s.DeletePrefix(ctx, base+"/"); delErr != nil {
			entry.WithError(delErr).Warn("remove partial upload")
		}
		return "", err
	}

	if err := os.RemoveAll(srcDir); err != nil {
		return "", fmt.Errorf("remove staged copy: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, base), nil
}

func (s *S3Store) upload(ctx context.Context, f localFile, key string, progress *progressReporter) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open file %s: %w", f.path, err)
	}
	defer file.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		Body:              io.TeeReader(file, progress),
		ACL:               types.ObjectCannedACLPrivate,
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", f.path, err)
	}
	return nil
}

// verifyUpload checks that every local file is listed under base with its size.
func verifyUpload(base string, files []localFile, listed []ObjectInfo) error {
	sizes := make(map[string]int64, len(listed))
	for _, obj := range listed {
		sizes[obj.Key] = obj.Size
	}
	for _, f := range files {
		key := base + "/" + f.rel
		size, ok := sizes[key]
		if !ok {
			return fmt.Errorf("object %s missing after upload", key)
		}
		if size != f.size {
			return fmt.Errorf("object %s has %d bytes, expected %d", key, size, f.size)
		}
	}
	return nil
}

// ListObjects lists objects under prefix, relative to the configured key prefix.
func (s *S3Store) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if !validKey(prefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, prefix)
	}
	full := s.prefix
	if p := strings.TrimSpace(prefix); p != "" {
		full = s.objectKey(p)
	}
	return s.listRaw(ctx, full)
}

func (s *S3Store) listRaw(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}
	}
	return objects, nil
}

func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	if strings.Trim(prefix, "/ ") == "" {
		return fmt.Errorf("prefix is required")
	}
	objects, err := s.listRaw(ctx, prefix)
	if err != nil {
		return err
	}
	for start := 0; start < len(objects); start += 1000 {
		end := min(start+1000, len(objects))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, obj := range objects[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(obj.Key)})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
	}
	return nil
}

var (
	_ ColdStore    = (*S3Store)(nil)
	_ ObjectLister = (*S3Store)(nil)
)

// progressReporter throttles byte counts from concurrent readers into cb.
type progressReporter struct {
	total    int64
	done     int64
	cb       func(done, total int64)
	mu       sync.Mutex
	lastFire time.Time
}

func newProgressReporter(total int64, cb func(done, total int64)) *progressReporter {
	return &progressReporter{total: total, cb: cb}
}

func (p *progressReporter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += int64(len(b))
	now := time.Now()
	if now.Sub(p.lastFire) >= 2*time.Second {
		p.lastFire = now
		p.cb(p.done, p.total)
	}
	return len(b), nil
}

func (p *progressReporter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb(p.done, p.total)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
