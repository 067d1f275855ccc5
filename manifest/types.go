package manifest

import (
	"fmt"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Well-known archive entries
const (
	DockerManifestFile = "manifest.json"
	RepositoriesFile   = "repositories"
	OCIIndexFile       = ocispec.ImageIndexFile
	OCILayoutFile      = ocispec.ImageLayoutFile
	OCIBlobsDir        = "blobs"
)

// Annotations carrying an image reference in OCI indexes
const (
	AnnotationRefName        = ocispec.AnnotationRefName
	AnnotationContainerdName = "io.containerd.image.name"
)

// Media types accepted for layers. Docker and OCI variants are both produced
// by `docker save`, `podman save` and `ctr export`.
var layerMediaTypes = map[types.MediaType]bool{
	types.OCILayer:                       true,
	types.OCILayerZStd:                   true,
	types.OCIUncompressedLayer:           true,
	types.OCIRestrictedLayer:             true,
	types.OCIUncompressedRestrictedLayer: true,
	types.DockerLayer:                    true,
	types.DockerForeignLayer:             true,
	types.DockerUncompressedLayer:        true,
}

// HistoryEntry is the build step that produced a layer.
type HistoryEntry struct {
	CreatedBy string
	Created   time.Time
}

// LayerRef locates one layer inside an archive or layout.
type LayerRef struct {
	// DiffID is the digest of the uncompressed layer tar. It is empty when
	// the archive carries no config; readers then compute it while streaming.
	DiffID string
	// Blob is the archive entry holding the layer.
	Blob      string
	MediaType types.MediaType
	HistoryEntry
}

// Image is a resolved image description: which layers to read, in order,
// and the metadata to attach to them.
type Image struct {
	Name         string
	Tag          string
	Architecture string
	OS           string
	Layers       []LayerRef
}

// Reference returns name:tag.
func (i *Image) Reference() string {
	if i.Tag == "" {
		return i.Name
	}
	return fmt.Sprintf("%s:%s", i.Name, i.Tag)
}

// DiffIDs returns the diff IDs in layer order.
func (i *Image) DiffIDs() []string {
	out := make([]string, len(i.Layers))
	for idx, l := range i.Layers {
		out[idx] = l.DiffID
	}
	return out
}

// Documents gives access to the small JSON files buffered from an archive,
// keyed by cleaned entry path.
type Documents interface {
	Document(name string) ([]byte, bool)
}

// DocumentMap is the in-memory Documents implementation.
type DocumentMap map[string][]byte

func (m DocumentMap) Document(name string) ([]byte, bool) {
	data, ok := m[name]
	return data, ok
}

// BlobPath returns the layout path of a content-addressed blob.
func BlobPath(h v1.Hash) string {
	return OCIBlobsDir + "/" + h.Algorithm + "/" + h.Hex
}
