// Package storage decides where finished captures go and moves them there:
// a directory on the local filesystem, or a media index backed by an object
// store and a catalog database.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mikeyg42/capturekit/internal/media"
)

// Target is where a media kind is published. It is either a
// FilesystemTarget or a MediaIndexTarget.
type Target interface {
	fmt.Stringer
	isTarget()
}

// FilesystemTarget publishes files into a directory.
type FilesystemTarget struct {
	ParentPath string
}

func (FilesystemTarget) isTarget() {}

func (t FilesystemTarget) String() string { return "file://" + filepath.ToSlash(t.ParentPath) }

// MediaIndexTarget publishes files into an indexed media collection.
type MediaIndexTarget struct {
	CollectionURI string
}

func (MediaIndexTarget) isTarget() {}

func (t MediaIndexTarget) String() string { return t.CollectionURI }

// Platform says which kind of store a host offers.
type Platform int

const (
	// PlatformLegacy only has a shared camera directory.
	PlatformLegacy Platform = iota
	// PlatformModern has an indexed media collection.
	PlatformModern
)

func (p Platform) String() string {
	if p == PlatformModern {
		return "modern"
	}
	return "legacy"
}

const (
	DefaultImageCollection = "media://external/images"
	DefaultVideoCollection = "media://external/video"
)

// Capability is what a platform probe reports.
type Capability struct {
	Platform        Platform
	PublicMediaDir  string
	ImageCollection string
	VideoCollection string
}

// Probe inspects the platform once, on first use of a Router.
type Probe func() Capability

// StaticProbe always reports c.
func StaticProbe(c Capability) Probe {
	return func() Capability { return c }
}

// DefaultProbe reports a legacy platform whose public directory is DCIM in the
// user's home, or in the working directory when no home is known.
func DefaultProbe() Capability {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return Capability{
		Platform:       PlatformLegacy,
		PublicMediaDir: filepath.Join(home, "DCIM"),
	}
}

// Router maps media kinds to targets. It is safe for concurrent use.
type Router struct {
	probe Probe
	once  sync.Once

	mu        sync.RWMutex
	cap       Capability
	defaults  map[media.Kind]Target
	overrides map[media.Kind]Target
}

// NewRouter returns a router that runs probe lazily. A nil probe means DefaultProbe.
func NewRouter(probe Probe) *Router {
	if probe == nil {
		probe = DefaultProbe
	}
	return &Router{
		probe:     probe,
		overrides: make(map[media.Kind]Target),
	}
}

func (r *Router) init() {
	r.once.Do(func() {
		c := r.probe()
		if c.ImageCollection == "" {
			c.ImageCollection = DefaultImageCollection
		}
		if c.VideoCollection == "" {
			c.VideoCollection = DefaultVideoCollection
		}

		defaults := make(map[media.Kind]Target, 2)
		switch c.Platform {
		case PlatformModern:
			defaults[media.KindImage] = MediaIndexTarget{CollectionURI: c.ImageCollection}
			defaults[media.KindVideo] = MediaIndexTarget{CollectionURI: c.VideoCollection}
		default:
			dir := c.PublicMediaDir
			if dir == "" {
				dir = DefaultProbe().PublicMediaDir
			}
			defaults[media.KindImage] = FilesystemTarget{ParentPath: dir}
			defaults[media.KindVideo] = FilesystemTarget{ParentPath: dir}
		}

		r.mu.Lock()
		r.cap = c
		r.defaults = defaults
		r.mu.Unlock()
	})
}

// Resolve returns the target for kind: an override if one was configured,
// otherwise the platform default.
func (r *Router) Resolve(kind media.Kind) Target {
	r.init()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.overrides[kind]; ok {
		return t
	}
	if t, ok := r.defaults[kind]; ok {
		return t
	}
	return r.defaults[media.KindImage]
}

// Configure overrides the target for one kind. A nil target clears it.
func (r *Router) Configure(kind media.Kind, target Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target == nil {
		delete(r.overrides, kind)
		return
	}
	r.overrides[kind] = target
}

// Capability returns what the probe reported.
func (r *Router) Capability() Capability {
	r.init()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cap
}

var (
	defaultRouterOnce sync.Once
	defaultRouter     *Router
)

// Default is the process-wide router using DefaultProbe.
func Default() *Router {
	defaultRouterOnce.Do(func() {
		defaultRouter = NewRouter(DefaultProbe)
	})
	return defaultRouter
}
