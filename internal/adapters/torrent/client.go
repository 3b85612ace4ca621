package torrent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"

	"tunefetch/internal/adapters"
	"tunefetch/internal/domain"
)

type Config struct {
	DataDir         string
	MetadataTimeout time.Duration
	Trackers        []string
	ListenPort      int
	NoDHT           bool
	Seed            bool
	HTTPClient      *http.Client
	Logger          *logrus.Logger
}

// Client is a DownloadClient backed by an embedded anacrolix/torrent client.
// Finished transfers are dropped from the swarm and their final status kept
// so later polls still report completion.
type Client struct {
	cfg    Config
	client *torrent.Client
	closed chan struct{}

	mu       sync.Mutex
	active   map[domain.TransferHandle]*transfer
	finished map[domain.TransferHandle]domain.TransferStatus
}

type transfer struct {
	t         *torrent.Torrent
	paused    bool
	lastBytes int64
	lastAt    time.Time
}

func New(cfg Config) *Client {
	if cfg.MetadataTimeout == 0 {
		cfg.MetadataTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Trackers == nil {
		cfg.Trackers = defaultTrackers()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		cfg:      cfg,
		closed:   make(chan struct{}),
		active:   make(map[domain.TransferHandle]*transfer),
		finished: make(map[domain.TransferHandle]domain.TransferStatus),
	}
}

func (c *Client) Start(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = c.cfg.DataDir
	clientConfig.Seed = c.cfg.Seed
	clientConfig.ListenPort = c.cfg.ListenPort
	clientConfig.NoDHT = c.cfg.NoDHT
	if c.cfg.ListenPort == 0 {
		clientConfig.NoDefaultPortForwarding = true
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return fmt.Errorf("create torrent client: %w", err)
	}
	c.client = client
	c.cfg.Logger.Infof("torrent client started, data dir: %s", c.cfg.DataDir)
	return nil
}

func (c *Client) Shutdown() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	if c.client != nil {
		c.client.Close()
	}
	c.cfg.Logger.Info("torrent client stopped")
}

// Submit adds the candidate and waits, bounded by MetadataTimeout, for the
// torrent's metadata. A candidate whose metadata never arrives is stalled.
func (c *Client) Submit(ctx context.Context, candidate domain.Candidate) (domain.TransferHandle, error) {
	const op = "torrent.submit"

	t, err := c.add(ctx, candidate.URI)
	if err != nil {
		return "", err
	}

	wait := metadataWait(ctx, c.cfg.MetadataTimeout)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-t.GotInfo():
	case <-timer.C:
		t.Drop()
		return "", domain.Errorf(domain.KindTransferStalled, op, "no metadata for %s after %s", candidate.ID, wait)
	case <-ctx.Done():
		t.Drop()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", domain.Errorf(domain.KindTransferStalled, op, "no metadata for %s before the call deadline", candidate.ID)
		}
		return "", adapters.ClassifyTransport(op, ctx.Err())
	case <-c.closed:
		t.Drop()
		return "", domain.Errorf(domain.KindServiceUnavailable, op, "client shutting down")
	}

	t.DownloadAll()
	handle := domain.TransferHandle(t.InfoHash().HexString())

	c.mu.Lock()
	delete(c.finished, handle)
	c.active[handle] = &transfer{t: t, lastAt: time.Now()}
	c.mu.Unlock()

	c.cfg.Logger.WithField("handle", handle).Infof("transfer started: %s", t.Info().BestName())
	return handle, nil
}

// metadataWait is MetadataTimeout, shortened to expire just before the
// caller's deadline so an unresolvable candidate reports TransferStalled.
func metadataWait(ctx context.Context, limit time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit
	}
	remaining := time.Until(deadline)
	remaining -= min(remaining/10, time.Second)
	if remaining <= 0 {
		return time.Millisecond
	}
	return min(limit, remaining)
}

// Reattach picks a transfer back up after a restart. It does not wait for metadata.
func (c *Client) Reattach(ctx context.Context, handle domain.TransferHandle, uri string) error {
	if _, err := ParseHandle(string(handle)); err != nil {
		return domain.NewError(domain.KindTransferStalled, "torrent.reattach", err)
	}

	c.mu.Lock()
	_, running := c.active[handle]
	_, done := c.finished[handle]
	c.mu.Unlock()
	if running || done {
		return nil
	}

	t, err := c.add(ctx, uri)
	if err != nil {
		return err
	}
	if got := domain.TransferHandle(t.InfoHash().HexString()); got != handle {
		t.Drop()
		return domain.Errorf(domain.KindTransferStalled, "torrent.reattach", "uri resolves to %s, expected %s", got, handle)
	}

	c.mu.Lock()
	c.active[handle] = &transfer{t: t, lastAt: time.Now()}
	c.mu.Unlock()

	go func() {
		select {
		case <-t.GotInfo():
			t.DownloadAll()
		case <-c.closed:
		}
	}()
	return nil
}

func (c *Client) Poll(ctx context.Context, handle domain.TransferHandle) (domain.TransferStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status, ok := c.finished[handle]; ok {
		return status, nil
	}
	tr, ok := c.active[handle]
	if !ok {
		return domain.TransferStatus{}, domain.Errorf(domain.KindTransferStalled, "torrent.poll", "unknown transfer %s", handle)
	}

	t := tr.t
	info := t.Info()
	if info == nil {
		return domain.TransferStatus{State: domain.TransferQueued, Message: "waiting for metadata"}, nil
	}

	now := time.Now()
	completed := t.BytesCompleted()
	stats := t.Stats()
	speed := int64(0)
	if elapsed := now.Sub(tr.lastAt).Seconds(); elapsed > 0 {
		speed = int64(float64(completed-tr.lastBytes) / elapsed)
	}
	tr.lastBytes = completed
	tr.lastAt = now

	status := domain.TransferStatus{
		State: domain.TransferDownloading,
		Progress: domain.Progress{
			DownloadedBytes: completed,
			TotalBytes:      info.TotalLength(),
			Peers:           stats.ActivePeers,
			Speed:           speed,
		},
	}
	if tr.paused {
		status.State = domain.TransferPaused
	}
	if t.BytesMissing() > 0 {
		return status, nil
	}

	finished, err := c.finish(handle, tr)
	if err != nil {
		return domain.TransferStatus{State: domain.TransferErrored, Message: err.Error()}, nil
	}
	finished.Progress = status.Progress
	finished.Progress.Speed = 0
	c.finished[handle] = finished
	return finished, nil
}

// finish drops a complete torrent and lays its content out as a directory.
// Single-file torrents are moved into a directory named after the handle.
// Must be called with c.mu held.
func (c *Client) finish(handle domain.TransferHandle, tr *transfer) (domain.TransferStatus, error) {
	t := tr.t
	info := t.Info()
	name := info.BestName()

	files := make([]domain.TrackFile, 0, len(t.Files()))
	for _, f := range t.Files() {
		files = append(files, domain.TrackFile{Path: filepath.FromSlash(f.DisplayPath()), Size: f.Length()})
	}

	if !c.cfg.Seed {
		t.Drop()
	}
	delete(c.active, handle)

	contentPath := filepath.Join(c.cfg.DataDir, name)
	if len(info.Files) == 0 && !c.cfg.Seed {
		dir := filepath.Join(c.cfg.DataDir, string(handle))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return domain.TransferStatus{}, fmt.Errorf("create content dir: %w", err)
		}
		if err := os.Rename(contentPath, filepath.Join(dir, name)); err != nil {
			return domain.TransferStatus{}, fmt.Errorf("move single file: %w", err)
		}
		contentPath = dir
	}

	c.cfg.Logger.WithField("handle", handle).Infof("transfer completed: %s", contentPath)
	return domain.TransferStatus{
		State:       domain.TransferCompleted,
		ContentPath: contentPath,
		Files:       files,
	}, nil
}

// Cancel drops the transfer and removes its partial data. Unknown handles are a no-op.
func (c *Client) Cancel(ctx context.Context, handle domain.TransferHandle) error {
	c.mu.Lock()
	tr, ok := c.active[handle]
	delete(c.active, handle)
	delete(c.finished, handle)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	var name string
	if info := tr.t.Info(); info != nil {
		name = info.BestName()
	}
	tr.t.Drop()

	if name != "" && !strings.ContainsAny(name, `/\`) {
		if err := os.RemoveAll(filepath.Join(c.cfg.DataDir, name)); err != nil {
			c.cfg.Logger.WithField("handle", handle).Warnf("remove partial data: %v", err)
		}
	}
	c.cfg.Logger.WithField("handle", handle).Info("transfer cancelled")
	return nil
}

func (c *Client) Pause(ctx context.Context, handle domain.TransferHandle) error {
	return c.setPaused(handle, true)
}

func (c *Client) Resume(ctx context.Context, handle domain.TransferHandle) error {
	return c.setPaused(handle, false)
}

func (c *Client) setPaused(handle domain.TransferHandle, paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.active[handle]
	if !ok {
		return domain.Errorf(domain.KindNotFound, "torrent.pause", "unknown transfer %s", handle)
	}
	if paused {
		tr.t.DisallowDataDownload()
	} else {
		tr.t.AllowDataDownload()
		tr.lastAt = time.Now()
		tr.lastBytes = tr.t.BytesCompleted()
	}
	tr.paused = paused
	return nil
}

func (c *Client) add(ctx context.Context, uri string) (*torrent.Torrent, error) {
	const op = "torrent.add"
	if c.client == nil {
		return nil, domain.Errorf(domain.KindServiceUnavailable, op, "client not started")
	}

	var (
		t   *torrent.Torrent
		err error
	)
	switch {
	case strings.HasPrefix(uri, "magnet:"):
		t, err = c.client.AddMagnet(uri)
	case strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://"):
		var mi *metainfo.MetaInfo
		mi, err = c.fetchMetaInfo(ctx, uri)
		if err != nil {
			return nil, err
		}
		t, err = c.client.AddTorrent(mi)
	case strings.HasSuffix(uri, ".torrent"):
		var mi *metainfo.MetaInfo
		mi, err = metainfo.LoadFromFile(uri)
		if err != nil {
			return nil, domain.Errorf(domain.KindTransferStalled, op, "load %s: %v", uri, err)
		}
		t, err = c.client.AddTorrent(mi)
	default:
		return nil, domain.Errorf(domain.KindTransferStalled, op, "unsupported uri %q", uri)
	}
	if err != nil {
		return nil, domain.Errorf(domain.KindTransferStalled, op, "add %s: %v", uri, err)
	}

	for _, tracker := range c.cfg.Trackers {
		t.AddTrackers([][]string{{tracker}})
	}
	return t, nil
}

func (c *Client) fetchMetaInfo(ctx context.Context, uri string) (*metainfo.MetaInfo, error) {
	const op = "torrent.fetch"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, domain.Errorf(domain.KindTransferStalled, op, "build request: %v", err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, adapters.ClassifyTransport(op, err)
	}
	defer resp.Body.Close()
	if err := adapters.ClassifyHTTP(op, resp.StatusCode); err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, domain.NewError(domain.KindTransferStalled, op, err)
		}
		return nil, err
	}
	mi, err := metainfo.Load(resp.Body)
	if err != nil {
		return nil, domain.NewError(domain.KindTransferStalled, op, fmt.Errorf("parse torrent file: %w", err))
	}
	return mi, nil
}

// ParseHandle validates a handle as an info-hash.
func ParseHandle(s string) (metainfo.Hash, error) {
	var h metainfo.Hash
	if len(s) != 40 {
		return h, errors.New("handle must be a 40 character info-hash")
	}
	if err := h.FromHexString(s); err != nil {
		return h, fmt.Errorf("parse handle: %w", err)
	}
	return h, nil
}

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"http://tracker.opentrackr.org:1337/announce",
	}
}

var (
	_ adapters.DownloadClient = (*Client)(nil)
	_ adapters.Pauser         = (*Client)(nil)
	_ adapters.Reattacher     = (*Client)(nil)
)
