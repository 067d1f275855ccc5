package inspector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/peel/internal/logging"
	"github.com/bibin-skaria/peel/internal/types"
	"github.com/bibin-skaria/peel/layers"
	"github.com/bibin-skaria/peel/probe"
)

// Backend names a source of layer data.
type Backend string

const (
	BackendOverlay Backend = "overlay"
	BackendArchive Backend = "archive"
	BackendExport  Backend = "export"
)

// Selector names the image to inspect: a reference, an image ID, or for the
// archive backend a path.
type Selector struct {
	Image string
}

// Listing is what a backend produces: identifying metadata and the layers,
// oldest first, each holding only its own changes.
type Listing struct {
	Name         string
	Tag          string
	Architecture string
	Layers       []layers.LayerInfo
}

// Inspector is implemented by every backend. Errors are *errors.SourceError
// values naming the backend and, where known, the layer and path.
type Inspector interface {
	Name() Backend
	ListLayers(ctx context.Context, sel Selector) (*Listing, error)
}

// LayerEvent reports progress while a backend enumerates layers. Total is 0
// while the layer count is not yet known.
type LayerEvent struct {
	Backend Backend
	Index   int
	Total   int
	Digest  string
	Files   int
}

// Options are shared by all backends.
type Options struct {
	Logger              *logrus.Logger
	Parallelism         int
	MaxMetadataSize     int64
	ExportTimeout       time.Duration
	ContainerdNamespace string
	PodmanArchiveFormat string
	Platform            types.Platform
	OnLayer             func(LayerEvent)

	command commandFunc
}

// Option configures a backend.
type Option func(*Options)

func WithLogger(logger *logrus.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithParallelism bounds concurrent layer walks.
func WithParallelism(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Parallelism = n
		}
	}
}

// WithMaxMetadataSize bounds each JSON document buffered from an archive.
func WithMaxMetadataSize(n int64) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxMetadataSize = n
		}
	}
}

// WithExportTimeout bounds the runtime save subprocess. Zero disables it.
func WithExportTimeout(d time.Duration) Option {
	return func(o *Options) { o.ExportTimeout = d }
}

func WithContainerdNamespace(ns string) Option {
	return func(o *Options) {
		if ns != "" {
			o.ContainerdNamespace = ns
		}
	}
}

// WithPodmanArchiveFormat selects oci-archive or docker-archive.
func WithPodmanArchiveFormat(format string) Option {
	return func(o *Options) {
		if format != "" {
			o.PodmanArchiveFormat = format
		}
	}
}

// WithPlatform selects the manifest of a multi-platform index.
func WithPlatform(p types.Platform) Option {
	return func(o *Options) { o.Platform = p }
}

// WithLayerCallback receives a LayerEvent per finished layer. It may be
// called from several goroutines.
func WithLayerCallback(fn func(LayerEvent)) Option {
	return func(o *Options) { o.OnLayer = fn }
}

func defaultOptions() Options {
	return Options{
		Parallelism:         4,
		MaxMetadataSize:     16 << 20,
		ExportTimeout:       10 * time.Minute,
		ContainerdNamespace: "default",
		PodmanArchiveFormat: "oci-archive",
		Platform:            types.GetHostPlatform(),
		command:             execCommand,
	}
}

func buildOptions(opts []Option) Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o Options) entry(backend Backend) *logrus.Entry {
	return logging.Component(o.Logger, "inspector").WithField("backend", backend)
}

func (o Options) emit(ev LayerEvent) {
	if o.OnLayer != nil {
		o.OnLayer(ev)
	}
}

// Factory builds a backend for a selected runtime.
type Factory func(rt probe.RuntimeInfo, opts ...Option) (Inspector, error)

var factories = make(map[Backend]Factory)

// RegisterBackend makes a backend available to New.
func RegisterBackend(name Backend, factory Factory) {
	factories[name] = factory
}

// New builds the backend chosen by Select.
func New(d Decision, opts ...Option) (Inspector, error) {
	factory, exists := factories[d.Backend]
	if !exists {
		return nil, fmt.Errorf("backend %s not found", d.Backend)
	}
	return factory(d.Runtime, opts...)
}

// ListBackends returns the registered backend names, sorted.
func ListBackends() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}
