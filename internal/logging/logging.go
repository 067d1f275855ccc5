package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Format selects the log encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Options configures New.
type Options struct {
	Level  string
	Format Format
	Output io.Writer
}

type traceKey struct{}

// WithTraceID attaches an identifier that every entry derived from ctx carries.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// New builds a logrus logger. An empty level falls back to $LOG_LEVEL, then
// info. Output defaults to stderr so stdout stays free for exported data.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	switch Format(strings.ToLower(string(opts.Format))) {
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case FormatText, "":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	level := opts.Level
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		logger.SetLevel(logrus.InfoLevel)
		return logger, nil
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(parsed)
	return logger, nil
}

// Discard returns a logger that drops everything, for tests and library use.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// Component returns an entry tagged with the component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", name)
}

// InspectionLogger emits the structured events of one inspection run.
type InspectionLogger struct {
	entry *logrus.Entry
	image string
}

// NewInspectionLogger scopes events to an image reference.
func NewInspectionLogger(logger *logrus.Logger, image string) *InspectionLogger {
	return &InspectionLogger{
		entry: Component(logger, "engine"),
		image: image,
	}
}

// WithContext adds the image and any trace ID carried by ctx.
func (l *InspectionLogger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.entry.WithField("image", l.image)
	if ctx == nil {
		return entry
	}
	if traceID, ok := ctx.Value(traceKey{}).(string); ok && traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// LogProbe records a runtime found by the probe.
func (l *InspectionLogger) LogProbe(ctx context.Context, kind, driver, root string, canRead bool, incomplete []string) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"event":    "probe",
		"runtime":  kind,
		"driver":   driver,
		"root":     root,
		"can_read": canRead,
	})
	if len(incomplete) > 0 {
		entry = entry.WithField("incomplete", incomplete)
	}
	entry.Debug(fmt.Sprintf("Detected runtime: %s", kind))
}

// LogBackendSelected records the selection decision.
func (l *InspectionLogger) LogBackendSelected(ctx context.Context, backend, runtime, reason string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"event":   "backend_selected",
		"backend": backend,
		"runtime": runtime,
		"reason":  reason,
	}).Info(fmt.Sprintf("Using %s backend", backend))
}

// LogLayer records one enumerated layer.
func (l *InspectionLogger) LogLayer(ctx context.Context, index int, digest string, files int, size int64) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"event":  "layer",
		"index":  index,
		"digest": digest,
		"files":  files,
		"size":   size,
	}).Debug("Layer listed")
}

// LogInspectComplete records the end of a run.
func (l *InspectionLogger) LogInspectComplete(ctx context.Context, backend string, layerCount int, totalSize int64, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"event":      "inspect_complete",
		"backend":    backend,
		"layers":     layerCount,
		"total_size": totalSize,
		"duration":   duration.String(),
	}).Info("Inspection completed")
}

// LogError records a failed operation.
func (l *InspectionLogger) LogError(ctx context.Context, err error, operation string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"event":     "error",
		"operation": operation,
		"error":     err.Error(),
	}).Error(fmt.Sprintf("Operation failed: %s", operation))
}
