package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/media"
)

// Publisher moves a finished capture from the cache directory to its target.
type Publisher struct {
	objects      ObjectStore
	index        MediaIndex
	logger       capturelog.Logger
	minFreeBytes uint64
	freeSpace    func(dir string) (uint64, error)
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithObjectStore enables MediaIndexTarget uploads.
func WithObjectStore(s ObjectStore) PublisherOption {
	return func(p *Publisher) { p.objects = s }
}

// WithMediaIndex records every upload in a catalog.
func WithMediaIndex(idx MediaIndex) PublisherOption {
	return func(p *Publisher) { p.index = idx }
}

// WithMinFreeSpace refuses filesystem publishing when the target volume has
// fewer than n free bytes after the file is written.
func WithMinFreeSpace(n uint64) PublisherOption {
	return func(p *Publisher) { p.minFreeBytes = n }
}

func WithPublisherLogger(l capturelog.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewPublisher(opts ...PublisherOption) *Publisher {
	p := &Publisher{
		logger:    capturelog.L().Named("publisher"),
		freeSpace: diskFree,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers meta.Path to target and returns the metadata describing
// the published copy. The cache file is gone afterwards on success.
func (p *Publisher) Publish(ctx context.Context, target Target, meta media.FileMetaData) (media.FileMetaData, error) {
	if meta.Path == "" {
		return meta, errors.New("capture has no local file to publish")
	}
	switch t := target.(type) {
	case FilesystemTarget:
		return p.publishFile(t, meta)
	case MediaIndexTarget:
		return p.publishIndexed(ctx, t, meta)
	default:
		return meta, fmt.Errorf("unsupported store target %T", target)
	}
}

func (p *Publisher) publishFile(t FilesystemTarget, meta media.FileMetaData) (media.FileMetaData, error) {
	if err := os.MkdirAll(t.ParentPath, 0o755); err != nil {
		return meta, fmt.Errorf("failed to create target directory: %w", err)
	}

	if p.minFreeBytes > 0 {
		free, err := p.freeSpace(t.ParentPath)
		if err != nil {
			p.logger.Warn("Free space check failed", capturelog.String("dir", t.ParentPath), capturelog.Error(err))
		} else if free < p.minFreeBytes+uint64(meta.SizeBytes) {
			return meta, fmt.Errorf("%w: %d bytes free in %s", ErrInsufficientSpace, free, t.ParentPath)
		}
	}

	dst := filepath.Join(t.ParentPath, filepath.Base(meta.Path))
	if filepath.Clean(dst) != filepath.Clean(meta.Path) {
		if err := moveFile(meta.Path, dst); err != nil {
			return meta, fmt.Errorf("failed to move capture into %s: %w", t.ParentPath, err)
		}
	}

	meta.Path = dst
	meta.URI = (&url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}).String()
	p.logger.Debug("Capture published to filesystem",
		capturelog.String("id", meta.ID),
		capturelog.String("path", dst))
	return meta, nil
}

func (p *Publisher) publishIndexed(ctx context.Context, t MediaIndexTarget, meta media.FileMetaData) (media.FileMetaData, error) {
	if p.objects == nil {
		return meta, ErrNoObjectStore
	}

	key := ObjectKey(t.CollectionURI, meta)
	contentType := meta.ContentType
	if contentType == "" {
		contentType = meta.Kind.ContentType()
	}
	err := p.objects.PutFile(ctx, key, meta.Path,
		WithContentType(contentType),
		WithMetadata(map[string]string{
			"capture-id":  meta.ID,
			"captured-at": meta.CapturedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		}))
	if err != nil {
		return meta, fmt.Errorf("failed to upload capture: %w", err)
	}

	if p.index != nil {
		if err := p.index.Insert(ctx, NewIndexEntry(t.CollectionURI, key, meta)); err != nil {
			if delErr := p.objects.Delete(ctx, key); delErr != nil {
				p.logger.Warn("Failed to remove orphaned object", capturelog.String("key", key), capturelog.Error(delErr))
			}
			return meta, fmt.Errorf("failed to index capture: %w", err)
		}
	}

	if err := os.Remove(meta.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("Failed to remove cached capture", capturelog.String("path", meta.Path), capturelog.Error(err))
	}

	meta.Path = ""
	meta.URI = strings.TrimSuffix(t.CollectionURI, "/") + "/" + meta.ID
	p.logger.Debug("Capture published to media index",
		capturelog.String("id", meta.ID),
		capturelog.String("key", key))
	return meta, nil
}

// ObjectKey derives the object key of a capture inside a collection, e.g.
// "external/images/2026/10/18/<file>" for "media://external/images".
func ObjectKey(collectionURI string, meta media.FileMetaData) string {
	prefix := collectionURI
	if u, err := url.Parse(collectionURI); err == nil && u.Scheme != "" {
		prefix = path.Join(u.Host, u.Path)
	}
	prefix = strings.Trim(prefix, "/")

	name := filepath.Base(meta.Path)
	if meta.Path == "" {
		name = meta.ID + meta.Kind.Extension()
	}
	return path.Join(prefix, meta.CapturedAt.UTC().Format("2006/01/02"), name)
}

func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	// different volumes: copy then remove
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
