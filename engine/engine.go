package engine

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/peel/inspector"
	"github.com/bibin-skaria/peel/internal/config"
	perrors "github.com/bibin-skaria/peel/internal/errors"
	"github.com/bibin-skaria/peel/internal/logging"
	"github.com/bibin-skaria/peel/internal/types"
	"github.com/bibin-skaria/peel/layers"
	"github.com/bibin-skaria/peel/probe"
)

// Engine runs probe, selection, layer listing and merge for one image at a
// time. An Engine holds no state between inspections.
type Engine struct {
	config      config.Config
	logger      *logrus.Logger
	prober      *probe.Prober
	progressOut io.Writer
	verbose     bool
	extra       []inspector.Option
}

// Option configures an Engine.
type Option func(*Engine)

// WithProber replaces the host prober, mainly for tests.
func WithProber(p *probe.Prober) Option {
	return func(e *Engine) { e.prober = p }
}

// WithProgress prints stage progress to w.
func WithProgress(w io.Writer, verbose bool) Option {
	return func(e *Engine) {
		e.progressOut = w
		e.verbose = verbose
	}
}

// WithInspectorOptions appends options passed to every backend.
func WithInspectorOptions(opts ...inspector.Option) Option {
	return func(e *Engine) { e.extra = append(e.extra, opts...) }
}

// Result is everything one inspection produced.
type Result struct {
	Info     *layers.ImageInfo
	Decision inspector.Decision
	Probe    probe.ProbeResult
	Progress ProgressSummary
}

func NewEngine(cfg config.Config, logger *logrus.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}

	e := &Engine{config: cfg, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	if e.prober == nil {
		probeOpts := []probe.Option{probe.WithLogger(logger)}
		if cfg.StorageRoot != "" && cfg.Runtime != "" {
			if kind, err := probe.ParseKind(cfg.Runtime); err == nil {
				probeOpts = append(probeOpts, probe.WithStorageRoot(kind, cfg.StorageRoot))
			}
		}
		e.prober = probe.New(probeOpts...)
	}
	return e, nil
}

// Probe detects the installed runtimes.
func (e *Engine) Probe(ctx context.Context) probe.ProbeResult {
	result := e.prober.Probe(ctx)
	for _, r := range result.Runtimes {
		logging.NewInspectionLogger(e.logger, "").LogProbe(ctx, string(r.Kind), string(r.StorageDriver), r.StorageRoot, r.CanRead, r.Incomplete)
	}
	return result
}

// Inspect lists and merges the layers of image. On failure the returned
// Result still carries the probe and the decision made so far.
func (e *Engine) Inspect(ctx context.Context, image string) (*Result, error) {
	start := time.Now()
	log := logging.NewInspectionLogger(e.logger, image)
	tracker := NewProgressTracker(image, e.progressOut, e.verbose)
	result := &Result{}
	defer func() { result.Progress = tracker.GetSummary() }()

	req, err := e.request(image)
	if err != nil {
		return result, err
	}

	if req.Backend == inspector.BackendArchive || (req.Backend == inspector.BackendAuto && inspector.LooksLikeArchive(image)) {
		tracker.SkipStage(StageProbe, "archive input")
		result.Probe = probe.ProbeResult{Default: -1}
	} else {
		tracker.StartStage(StageProbe, len(probe.Kinds))
		result.Probe = e.Probe(ctx)
		tracker.CompleteStage(StageProbe, nil)
	}

	tracker.StartStage(StageSelect, 1)
	decision, err := inspector.Select(req, result.Probe)
	tracker.CompleteStage(StageSelect, err)
	if err != nil {
		log.LogError(ctx, err, "select")
		return result, err
	}
	result.Decision = decision
	log.LogBackendSelected(ctx, string(decision.Backend), string(decision.Runtime.Kind), decision.Reason)

	insp, err := inspector.New(decision, e.inspectorOptions(tracker)...)
	if err != nil {
		log.LogError(ctx, err, "backend")
		return result, err
	}

	tracker.StartStage(StageLayers, 0)
	listing, err := insp.ListLayers(ctx, inspector.Selector{Image: image})
	tracker.CompleteStage(StageLayers, err)
	if err != nil {
		log.LogError(ctx, err, "list_layers")
		return result, err
	}

	tracker.StartStage(StageMerge, len(listing.Layers))
	info, err := layers.NewImageInfo(layers.ImageMeta{
		Name:         listing.Name,
		Tag:          listing.Tag,
		Architecture: listing.Architecture,
		Source:       string(decision.Backend),
	}, listing.Layers)
	tracker.CompleteStage(StageMerge, err)
	if err != nil {
		log.LogError(ctx, err, "merge")
		return result, err
	}
	result.Info = info

	for i, l := range info.Layers() {
		log.LogLayer(ctx, i, l.Digest, len(l.Files), l.Size())
	}
	log.LogInspectComplete(ctx, string(decision.Backend), info.LayerCount(), info.TotalSize(), time.Since(start))
	return result, nil
}

func (e *Engine) request(image string) (inspector.Request, error) {
	backend, err := inspector.ParseBackend(e.config.Backend)
	if err != nil {
		return inspector.Request{}, err
	}
	req := inspector.Request{Image: image, Backend: backend}
	if e.config.Runtime != "" {
		kind, err := probe.ParseKind(e.config.Runtime)
		if err != nil {
			return inspector.Request{}, perrors.NewErrorBuilder(perrors.KindProbeIncomplete).
				Message(err.Error()).
				Build()
		}
		req.Runtime = kind
	}
	return req, nil
}

func (e *Engine) inspectorOptions(tracker *ProgressTracker) []inspector.Option {
	opts := []inspector.Option{
		inspector.WithLogger(e.logger),
		inspector.WithParallelism(e.config.Parallelism),
		inspector.WithMaxMetadataSize(e.config.MaxMetadataSize),
		inspector.WithExportTimeout(e.config.ExportTimeout),
		inspector.WithContainerdNamespace(e.config.ContainerdNamespace),
		inspector.WithPodmanArchiveFormat(e.config.PodmanArchiveFormat),
	}
	if e.config.Platform != "" {
		opts = append(opts, inspector.WithPlatform(types.ParsePlatform(e.config.Platform)))
	}
	opts = append(opts, e.extra...)

	// A caller callback still sees every event after the tracker.
	var caller inspector.Options
	for _, opt := range e.extra {
		opt(&caller)
	}
	onLayer := tracker.LayerDone
	if next := caller.OnLayer; next != nil {
		onLayer = func(ev inspector.LayerEvent) {
			tracker.LayerDone(ev)
			next(ev)
		}
	}
	return append(opts, inspector.WithLayerCallback(onLayer))
}
