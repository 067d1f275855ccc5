package inspector

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	perrors "github.com/bibin-skaria/peel/internal/errors"
	"github.com/bibin-skaria/peel/manifest"
	"github.com/bibin-skaria/peel/probe"
)

// BackendAuto lets Select choose.
const BackendAuto Backend = "auto"

// ParseBackend accepts a backend name as given on the command line.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case "", BackendAuto:
		return BackendAuto, nil
	case BackendOverlay, BackendArchive, BackendExport:
		return b, nil
	}
	return "", fmt.Errorf("unknown backend %q (expected auto, overlay, export or archive)", s)
}

// Request is what the caller asks Select for.
type Request struct {
	Image   string
	Backend Backend
	// Runtime overrides the probe's default runtime when set.
	Runtime probe.Kind
}

// Decision is the backend Select picked and why.
type Decision struct {
	Backend Backend
	Runtime probe.RuntimeInfo
	Reason  string
}

// Select applies the backend policy. It never falls back after a backend
// has been chosen; the chosen backend's failure is the caller's to report.
func Select(req Request, result probe.ProbeResult) (Decision, error) {
	backend := req.Backend
	if backend == "" {
		backend = BackendAuto
	}

	if backend == BackendArchive || (backend == BackendAuto && LooksLikeArchive(req.Image)) {
		return Decision{Backend: BackendArchive, Reason: "image is an archive or OCI layout"}, nil
	}

	rt, err := chooseRuntime(req, result)
	if err != nil {
		return Decision{}, err
	}

	switch backend {
	case BackendOverlay:
		if err := overlayUsable(rt); err != nil {
			return Decision{}, err
		}
		return Decision{Backend: BackendOverlay, Runtime: rt, Reason: "overlay backend requested"}, nil
	case BackendExport:
		if err := exportUsable(rt); err != nil {
			return Decision{}, err
		}
		return Decision{Backend: BackendExport, Runtime: rt, Reason: "export backend requested"}, nil
	}

	if overlayUsable(rt) == nil {
		return Decision{
			Backend: BackendOverlay,
			Runtime: rt,
			Reason:  fmt.Sprintf("%s storage at %s is readable (%s)", rt.Kind, rt.StorageRoot, rt.StorageDriver),
		}, nil
	}
	if err := exportUsable(rt); err != nil {
		return Decision{}, err
	}
	return Decision{Backend: BackendExport, Runtime: rt, Reason: exportReason(rt)}, nil
}

// chooseRuntime returns the requested runtime, else the default, else the
// highest priority runtime that has a binary.
func chooseRuntime(req Request, result probe.ProbeResult) (probe.RuntimeInfo, error) {
	if req.Runtime != "" {
		rt, ok := result.Find(req.Runtime)
		if !ok {
			return probe.RuntimeInfo{}, perrors.NewErrorBuilder(perrors.KindProbeIncomplete).
				Messagef("runtime %s was not detected", req.Runtime).
				Build()
		}
		return rt, nil
	}
	if rt, ok := result.DefaultRuntime(); ok {
		return rt, nil
	}
	for _, kind := range probe.Kinds {
		if rt, ok := result.Find(kind); ok && rt.BinaryPath != "" {
			return rt, nil
		}
	}
	return probe.RuntimeInfo{}, perrors.NewErrorBuilder(perrors.KindProbeIncomplete).
		Message("no usable container runtime detected").
		Build()
}

func overlayUsable(rt probe.RuntimeInfo) error {
	switch {
	case rt.Kind == probe.Containerd:
		return perrors.NewErrorBuilder(perrors.KindProbeIncomplete).
			Backend(string(BackendOverlay)).
			Message("containerd storage cannot be walked directly").
			Suggestion("Use --backend export for containerd images").
			Build()
	case rt.StorageRoot == "":
		return perrors.NewErrorBuilder(perrors.KindProbeIncomplete).
			Backend(string(BackendOverlay)).
			Messagef("no storage root found for %s", rt.Kind).
			Suggestion("Pass --storage-root").
			Build()
	case !rt.CanRead:
		return perrors.NewErrorBuilder(perrors.KindPermissionDenied).
			Backend(string(BackendOverlay)).
			Path(rt.StorageRoot).
			Messagef("%s storage is not readable", rt.Kind).
			Build()
	case !rt.StorageDriver.Walkable():
		return perrors.NewErrorBuilder(perrors.KindProbeIncomplete).
			Backend(string(BackendOverlay)).
			Messagef("storage driver %s cannot be walked", rt.StorageDriver).
			Suggestion("Use --backend export").
			Build()
	}
	return nil
}

func exportUsable(rt probe.RuntimeInfo) error {
	if rt.BinaryPath == "" {
		return perrors.NewErrorBuilder(perrors.KindProbeIncomplete).
			Backend(string(BackendExport)).
			Messagef("%s CLI not found on PATH", rt.Kind).
			Build()
	}
	return nil
}

func exportReason(rt probe.RuntimeInfo) string {
	switch {
	case rt.Kind == probe.Containerd:
		return "containerd images are read through ctr export"
	case !rt.CanRead:
		return fmt.Sprintf("%s storage is not readable", rt.Kind)
	default:
		return fmt.Sprintf("%s storage driver %s cannot be walked", rt.Kind, rt.StorageDriver)
	}
}

// LooksLikeArchive reports whether image names a tar archive or an OCI
// layout directory rather than an image reference.
func LooksLikeArchive(image string) bool {
	if image == "" {
		return false
	}
	lower := strings.ToLower(image)
	for _, ext := range []string{".tar", ".tar.gz", ".tgz", ".tar.zst", ".tar.zstd"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}

	fi, err := os.Stat(image)
	if err != nil {
		return false
	}
	if fi.Mode().IsRegular() {
		return true
	}
	if fi.IsDir() {
		_, err := os.Stat(filepath.Join(image, manifest.OCILayoutFile))
		return err == nil
	}
	return false
}
