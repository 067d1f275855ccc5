package manifest

import (
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
)

// SchemaVersion is the only manifest and index schema accepted.
const SchemaVersion = 2

var validManifestMediaTypes = map[types.MediaType]bool{
	types.OCIManifestSchema1:    true,
	types.DockerManifestSchema2: true,
}

// ValidateManifest checks the fields peel relies on. Unknown optional
// fields are tolerated.
func ValidateManifest(entry string, m *v1.Manifest) error {
	if m == nil {
		return formatError(entry, "manifest cannot be nil", nil)
	}
	if m.SchemaVersion != SchemaVersion {
		return formatError(entry, fmt.Sprintf("invalid schema version: expected %d, got %d", SchemaVersion, m.SchemaVersion), nil)
	}
	if m.MediaType != "" && !validManifestMediaTypes[m.MediaType] {
		return formatError(entry, fmt.Sprintf("invalid manifest media type: %s", m.MediaType), nil)
	}
	if err := ValidateDigest(m.Config.Digest.String(), "config"); err != nil {
		return formatError(entry, err.Error(), nil)
	}
	for i, l := range m.Layers {
		if err := ValidateDigest(l.Digest.String(), fmt.Sprintf("layer[%d]", i)); err != nil {
			return formatError(entry, err.Error(), nil)
		}
		if l.MediaType != "" && !IsLayerMediaType(l.MediaType) {
			return formatError(entry, fmt.Sprintf("invalid layer media type at index %d: %s", i, l.MediaType), nil)
		}
	}
	return nil
}

// ValidateIndex checks an image index.
func ValidateIndex(entry string, idx *v1.IndexManifest) error {
	if idx == nil {
		return formatError(entry, "index cannot be nil", nil)
	}
	if idx.SchemaVersion != SchemaVersion {
		return formatError(entry, fmt.Sprintf("invalid schema version: expected %d, got %d", SchemaVersion, idx.SchemaVersion), nil)
	}
	if len(idx.Manifests) == 0 {
		return formatError(entry, "index lists no manifests", nil)
	}
	for i, d := range idx.Manifests {
		if err := ValidateDigest(d.Digest.String(), fmt.Sprintf("manifests[%d]", i)); err != nil {
			return formatError(entry, err.Error(), nil)
		}
	}
	return nil
}

// ValidateDigest checks algorithm and encoding of a digest string.
func ValidateDigest(d, context string) error {
	if d == "" || d == ":" {
		return fmt.Errorf("%s digest cannot be empty", context)
	}
	if _, err := digest.Parse(d); err != nil {
		return fmt.Errorf("%s digest has invalid format: %s", context, d)
	}
	return nil
}

// IsLayerMediaType reports whether mt names a layer blob.
func IsLayerMediaType(mt types.MediaType) bool {
	return layerMediaTypes[mt]
}
