package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/identity"

	perrors "github.com/bibin-skaria/peel/internal/errors"
	itypes "github.com/bibin-skaria/peel/internal/types"
)

// maxIndexDepth bounds index -> index nesting.
const maxIndexDepth = 4

// ResolveOptions narrows which image of an archive is resolved.
type ResolveOptions struct {
	// Reference selects among several images by tag or ref-name annotation.
	Reference string
	// Platform selects among multi-platform index entries.
	Platform itypes.Platform
}

func formatError(entry, message string, cause error) error {
	return perrors.NewFormatError("", entry, message, cause)
}

// CleanEntry normalizes an archive entry name for use as a Documents key.
func CleanEntry(entry string) string {
	return strings.TrimPrefix(path.Clean("/"+entry), "/")
}

// ParseDockerManifest decodes a docker-save manifest.json.
func ParseDockerManifest(data []byte) (tarball.Manifest, error) {
	var m tarball.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, formatError(DockerManifestFile, "malformed manifest.json", err)
	}
	if len(m) == 0 {
		return nil, formatError(DockerManifestFile, "manifest.json lists no images", nil)
	}
	return m, nil
}

// ParseConfig decodes an image config blob.
func ParseConfig(entry string, data []byte) (*v1.ConfigFile, error) {
	cfg, err := v1.ParseConfigFile(bytes.NewReader(data))
	if err != nil {
		return nil, formatError(entry, "malformed image config", err)
	}
	return cfg, nil
}

// ParseIndex decodes and validates an OCI image index.
func ParseIndex(entry string, data []byte) (*v1.IndexManifest, error) {
	idx, err := v1.ParseIndexManifest(bytes.NewReader(data))
	if err != nil {
		return nil, formatError(entry, "malformed image index", err)
	}
	if err := ValidateIndex(entry, idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// ParseManifest decodes and validates an image manifest.
func ParseManifest(entry string, data []byte) (*v1.Manifest, error) {
	m, err := v1.ParseManifest(bytes.NewReader(data))
	if err != nil {
		return nil, formatError(entry, "malformed image manifest", err)
	}
	if err := ValidateManifest(entry, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ResolveDocker resolves a docker-save archive from its manifest.json.
func ResolveDocker(docs Documents, opts ResolveOptions) (*Image, error) {
	data, ok := docs.Document(DockerManifestFile)
	if !ok {
		return nil, formatError(DockerManifestFile, "no manifest.json in archive", nil)
	}
	m, err := ParseDockerManifest(data)
	if err != nil {
		return nil, err
	}

	desc, err := pickDockerImage(m, opts.Reference)
	if err != nil {
		return nil, err
	}

	img := &Image{}
	if len(desc.RepoTags) > 0 {
		img.Name, img.Tag = SplitReference(desc.RepoTags[0])
	}

	var cfg *v1.ConfigFile
	if desc.Config != "" {
		entry := CleanEntry(desc.Config)
		raw, ok := docs.Document(entry)
		if !ok {
			return nil, formatError(entry, "config referenced by manifest.json is missing", nil)
		}
		if cfg, err = ParseConfig(entry, raw); err != nil {
			return nil, err
		}
	}

	for _, l := range desc.Layers {
		img.Layers = append(img.Layers, LayerRef{Blob: CleanEntry(l)})
	}
	if err := applyConfig(img, cfg, desc.Config); err != nil {
		return nil, err
	}
	return img, nil
}

func pickDockerImage(m tarball.Manifest, ref string) (tarball.Descriptor, error) {
	if ref == "" || len(m) == 1 {
		return m[0], nil
	}
	for _, d := range m {
		for _, t := range d.RepoTags {
			if SameImage(t, ref) {
				return d, nil
			}
		}
	}
	return tarball.Descriptor{}, formatError(DockerManifestFile, fmt.Sprintf("archive holds %d images, none tagged %s", len(m), ref), nil)
}

// ResolveOCI resolves an OCI image layout from its index.json, following
// nested indexes down to a single image manifest.
func ResolveOCI(docs Documents, opts ResolveOptions) (*Image, error) {
	data, ok := docs.Document(OCIIndexFile)
	if !ok {
		return nil, formatError(OCIIndexFile, "no index.json in layout", nil)
	}
	idx, err := ParseIndex(OCIIndexFile, data)
	if err != nil {
		return nil, err
	}

	top, err := pickByReference(idx.Manifests, opts)
	if err != nil {
		return nil, err
	}

	img := &Image{}
	img.Name, img.Tag = referenceFromAnnotations(top.Annotations)

	m, manifestEntry, err := resolveDescriptor(docs, top, opts.Platform, 0)
	if err != nil {
		return nil, err
	}

	cfgEntry := BlobPath(m.Config.Digest)
	raw, ok := docs.Document(cfgEntry)
	if !ok {
		return nil, formatError(cfgEntry, fmt.Sprintf("config referenced by %s is missing", manifestEntry), nil)
	}
	cfg, err := ParseConfig(cfgEntry, raw)
	if err != nil {
		return nil, err
	}

	for _, l := range m.Layers {
		img.Layers = append(img.Layers, LayerRef{Blob: BlobPath(l.Digest), MediaType: l.MediaType})
	}
	if err := applyConfig(img, cfg, cfgEntry); err != nil {
		return nil, err
	}
	return img, nil
}

func pickByReference(descs []v1.Descriptor, opts ResolveOptions) (v1.Descriptor, error) {
	if opts.Reference != "" {
		for _, d := range descs {
			for _, key := range []string{AnnotationContainerdName, AnnotationRefName} {
				v := d.Annotations[key]
				if v == "" {
					continue
				}
				if v == opts.Reference || SameImage(v, opts.Reference) {
					return d, nil
				}
			}
		}
	}
	return SelectDescriptor(descs, opts.Platform)
}

func resolveDescriptor(docs Documents, desc v1.Descriptor, want itypes.Platform, depth int) (*v1.Manifest, string, error) {
	entry := BlobPath(desc.Digest)
	if depth > maxIndexDepth {
		return nil, "", formatError(entry, "image index nesting too deep", nil)
	}
	raw, ok := docs.Document(entry)
	if !ok {
		return nil, "", formatError(entry, "blob referenced by index is missing", nil)
	}

	if !isIndex(desc.MediaType, raw) {
		m, err := ParseManifest(entry, raw)
		return m, entry, err
	}

	idx, err := ParseIndex(entry, raw)
	if err != nil {
		return nil, "", err
	}
	child, err := SelectDescriptor(idx.Manifests, want)
	if err != nil {
		return nil, "", err
	}
	return resolveDescriptor(docs, child, want, depth+1)
}

// isIndex decides from the descriptor media type, falling back to the
// document itself when the descriptor omits it.
func isIndex(mt types.MediaType, raw []byte) bool {
	if mt != "" {
		return mt.IsIndex()
	}
	var probe struct {
		MediaType types.MediaType `json:"mediaType"`
		Manifests json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	if probe.MediaType != "" {
		return probe.MediaType.IsIndex()
	}
	return len(probe.Manifests) > 0
}

// SelectDescriptor picks the entry matching want, else the first entry that
// is an image rather than an attestation.
func SelectDescriptor(descs []v1.Descriptor, want itypes.Platform) (v1.Descriptor, error) {
	var candidates []v1.Descriptor
	for _, d := range descs {
		if isAttestation(d) {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return v1.Descriptor{}, formatError(OCIIndexFile, "index lists no image manifests", nil)
	}

	if want.OS != "" {
		for _, d := range candidates {
			if d.Platform == nil {
				continue
			}
			got := itypes.Platform{OS: d.Platform.OS, Architecture: d.Platform.Architecture, Variant: d.Platform.Variant}
			if got.Matches(want) {
				return d, nil
			}
		}
	}
	return candidates[0], nil
}

func isAttestation(d v1.Descriptor) bool {
	if d.Annotations["vnd.docker.reference.type"] == "attestation-manifest" {
		return true
	}
	return d.Platform != nil && d.Platform.OS == "unknown" && d.Platform.Architecture == "unknown"
}

func referenceFromAnnotations(annotations map[string]string) (string, string) {
	if full := annotations[AnnotationContainerdName]; full != "" {
		return SplitReference(full)
	}
	ref := annotations[AnnotationRefName]
	if ref == "" {
		return "", ""
	}
	if strings.ContainsAny(ref, "/:@") {
		return SplitReference(ref)
	}
	// A bare ref.name is a tag within the layout.
	return "", ref
}

// applyConfig attaches diff IDs, platform and history from cfg. A nil cfg
// leaves diff IDs empty.
func applyConfig(img *Image, cfg *v1.ConfigFile, entry string) error {
	if cfg == nil {
		return nil
	}
	img.Architecture = cfg.Architecture
	img.OS = cfg.OS

	if len(cfg.RootFS.DiffIDs) != len(img.Layers) {
		return formatError(entry, fmt.Sprintf("config lists %d diff IDs for %d layers", len(cfg.RootFS.DiffIDs), len(img.Layers)), nil)
	}
	history := MapHistory(cfg, len(img.Layers))
	for i := range img.Layers {
		img.Layers[i].DiffID = cfg.RootFS.DiffIDs[i].String()
		img.Layers[i].HistoryEntry = history[i]
	}
	return nil
}

// MapHistory assigns the config's non-empty history entries to layers in
// order. Layers beyond the recorded history get zero entries.
func MapHistory(cfg *v1.ConfigFile, layerCount int) []HistoryEntry {
	out := make([]HistoryEntry, layerCount)
	if cfg == nil {
		return out
	}
	i := 0
	for _, h := range cfg.History {
		if h.EmptyLayer {
			continue
		}
		if i >= layerCount {
			break
		}
		out[i] = HistoryEntry{CreatedBy: h.CreatedBy, Created: h.Created.Time}
		i++
	}
	return out
}

// ChainIDs computes layer chain IDs from diff IDs:
// chain[0] = diff[0], chain[i] = sha256(chain[i-1] + " " + diff[i]).
func ChainIDs(diffIDs []string) ([]string, error) {
	dgsts := make([]digest.Digest, len(diffIDs))
	for i, d := range diffIDs {
		parsed, err := digest.Parse(d)
		if err != nil {
			return nil, fmt.Errorf("invalid diff ID %q: %w", d, err)
		}
		dgsts[i] = parsed
	}
	identity.ChainIDs(dgsts)

	out := make([]string, len(dgsts))
	for i, d := range dgsts {
		out[i] = d.String()
	}
	return out, nil
}

// SplitReference splits an image reference into repository and tag. A
// digest-only reference yields an empty tag.
func SplitReference(ref string) (string, string) {
	if at := strings.Index(ref, "@"); at >= 0 {
		ref = ref[:at]
	}
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, ""
}

// SameImage reports whether two references name the same repository and tag
// once registry and library defaults are applied, so "nginx" matches
// "docker.io/library/nginx:latest".
func SameImage(a, b string) bool {
	if a == b {
		return true
	}
	ra, err := name.ParseReference(a, name.WeakValidation)
	if err != nil {
		return false
	}
	rb, err := name.ParseReference(b, name.WeakValidation)
	if err != nil {
		return false
	}
	return ra.Name() == rb.Name()
}
