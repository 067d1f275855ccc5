package inspector

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/bibin-skaria/peel/manifest"
)

// layoutDocuments reads JSON documents of an OCI layout directory on demand.
// A missing document is reported as absent; any other read failure is kept
// in err so the caller can classify it.
type layoutDocuments struct {
	dir   string
	limit int64

	mu  sync.Mutex
	err error
}

func (d *layoutDocuments) Document(name string) ([]byte, bool) {
	p := filepath.Join(d.dir, filepath.FromSlash(cleanEntry(name)))
	f, err := os.Open(p)
	if err != nil {
		if !os.IsNotExist(err) {
			d.fail(err)
		}
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, d.limit+1))
	if err != nil {
		d.fail(err)
		return nil, false
	}
	if int64(len(data)) > d.limit {
		d.fail(fmt.Errorf("%s exceeds %d bytes", name, d.limit))
		return nil, false
	}
	return data, true
}

func (d *layoutDocuments) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

// blobHash parses a blobs/<alg>/<hex> entry.
func blobHash(entry string) (v1.Hash, error) {
	parts := strings.Split(cleanEntry(entry), "/")
	if len(parts) != 3 || parts[0] != manifest.OCIBlobsDir {
		return v1.Hash{}, fmt.Errorf("not a blob path: %s", entry)
	}
	return v1.NewHash(parts[1] + ":" + parts[2])
}
