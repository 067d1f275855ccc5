package inspector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/sirupsen/logrus"

	perrors "github.com/bibin-skaria/peel/internal/errors"
	"github.com/bibin-skaria/peel/probe"
)

// maxStderr bounds the diagnostics kept from a save subprocess.
const maxStderr = 64 * 1024

type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

func execCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

func init() {
	RegisterBackend(BackendExport, func(rt probe.RuntimeInfo, opts ...Option) (Inspector, error) {
		return NewExportInspector(rt, opts...)
	})
}

// ExportInspector streams `<runtime> save` output through the archive parser.
// Nothing is written to disk.
type ExportInspector struct {
	runtime probe.RuntimeInfo
	binary  string
	opts    Options
	log     *logrus.Entry
}

// NewExportInspector uses the runtime's binary, or its default name on PATH
// when the probe did not find one.
func NewExportInspector(rt probe.RuntimeInfo, opts ...Option) (*ExportInspector, error) {
	o := buildOptions(opts)
	bin := rt.BinaryPath
	if bin == "" {
		switch rt.Kind {
		case probe.Docker, probe.Podman:
			bin = string(rt.Kind)
		case probe.Containerd:
			bin = "ctr"
		default:
			return nil, fmt.Errorf("export is not supported for runtime %q", rt.Kind)
		}
	}
	return &ExportInspector{
		runtime: rt,
		binary:  bin,
		opts:    o,
		log:     o.entry(BackendExport).WithField("runtime", rt.Kind),
	}, nil
}

func (e *ExportInspector) Name() Backend { return BackendExport }

// Args returns the save command arguments for ref.
func (e *ExportInspector) Args(ref string) []string {
	switch e.runtime.Kind {
	case probe.Podman:
		return []string{"image", "save", "--format", e.opts.PodmanArchiveFormat, ref}
	case probe.Containerd:
		return []string{"-n", e.opts.ContainerdNamespace, "images", "export", "/dev/stdout", containerdReference(ref)}
	default:
		return []string{"image", "save", ref}
	}
}

func (e *ExportInspector) ListLayers(ctx context.Context, sel Selector) (*Listing, error) {
	if sel.Image == "" {
		return nil, perrors.NewSubprocessError(string(BackendExport), e.binary, "no image reference given", nil)
	}

	runCtx := ctx
	if e.opts.ExportTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.ExportTimeout)
		defer cancel()
	}

	args := e.Args(sel.Image)
	cmdline := e.binary + " " + strings.Join(args, " ")
	cmd := e.opts.command(runCtx, e.binary, args...)
	cmd.WaitDelay = 5 * time.Second

	stderr := &boundedBuffer{max: maxStderr}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, perrors.NewSubprocessError(string(BackendExport), cmdline, "cannot attach to stdout", err)
	}

	e.log.WithField("command", cmdline).Debug("Starting image export")
	if err := cmd.Start(); err != nil {
		return nil, perrors.NewSubprocessError(string(BackendExport), cmdline, "cannot start runtime CLI", err)
	}

	counted := &countingReader{r: stdout}
	archive := &ArchiveInspector{opts: e.opts, log: e.log, backend: BackendExport}
	listing, parseErr := archive.readStream(runCtx, counted, sel.Image, "")

	// The pipe is drained so the process can exit on its own before it is
	// reaped; a cancelled context kills it instead.
	io.Copy(io.Discard, counted)
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case runCtx.Err() != nil:
		return nil, perrors.NewSubprocessError(string(BackendExport), cmdline,
			fmt.Sprintf("export did not finish within %s", e.opts.ExportTimeout), runCtx.Err())
	case waitErr != nil:
		return nil, perrors.NewSubprocessError(string(BackendExport), cmdline,
			exitMessage(waitErr, stderr.String()), waitErr)
	case counted.n == 0:
		return nil, perrors.NewSubprocessError(string(BackendExport), cmdline,
			exitMessage(errors.New("no output"), stderr.String()), nil)
	case parseErr != nil:
		return nil, perrors.WithBackend(parseErr, string(BackendExport))
	}

	e.log.WithFields(logrus.Fields{"bytes": counted.n, "layers": len(listing.Layers)}).Debug("Image export parsed")
	return listing, nil
}

func exitMessage(err error, stderr string) string {
	msg := "runtime CLI failed"
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg = fmt.Sprintf("runtime CLI exited with status %d", exitErr.ExitCode())
	} else if err != nil {
		msg = fmt.Sprintf("runtime CLI failed: %v", err)
	}
	if s := strings.TrimSpace(stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// containerdReference expands short names the way ctr expects them.
func containerdReference(ref string) string {
	if isImageID(ref) {
		return ref
	}
	r, err := name.ParseReference(ref, name.WeakValidation)
	if err != nil {
		return ref
	}
	full := r.Name()
	if strings.HasPrefix(full, name.DefaultRegistry+"/") {
		full = "docker.io/" + strings.TrimPrefix(full, name.DefaultRegistry+"/")
	}
	return full
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// boundedBuffer keeps the first max bytes written and discards the rest.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "..."
	}
	return b.buf.String()
}
