// Package layers models container image layers and folds them into a
// filesystem history.
//
// A layer is described by a LayerInfo whose Files list exactly the changes
// that layer contributes: added or replaced files, whiteouts for deleted
// paths, and opaque markers for directories whose earlier contents are
// superseded. The package provides:
//
//   - Path normalization and whiteout name conversion shared by all backends
//   - The merge engine that turns an ordered layer sequence into a History
//   - Per-layer deltas (added, modified, rewritten, deleted)
//   - ImageInfo, the read-only snapshot handed to exporters
//
// # Whiteouts
//
// Backends convert union-filesystem markers with EntryFromName:
//
//	entry, ok := layers.EntryFromName("usr/lib/.wh.libfoo.so", 0)
//	// entry.Path == "usr/lib/libfoo.so", entry.IsWhiteout == true
//
//	entry, ok = layers.EntryFromName("data/.wh..wh..opq", 0)
//	// entry.Path == "data", entry.IsOpaque == true
//
// # Merging
//
// Merge processes layers oldest first. For each layer, opaque markers clear
// their directory, then whiteouts remove their path and everything beneath
// it, then plain entries overwrite:
//
//	history, err := layers.Merge(layerList)
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, e := range history.Resolved() {
//		fmt.Println(e.Path, e.Size, e.Layer)
//	}
//
// The resolved view is sorted by path and depends only on the input, so the
// same image read through different backends yields the same result.
//
// A whiteout that lies under an opaque marker of the same layer is not
// listed again in that layer's Deleted delta; the opaque marker covers it.
//
// # Error Handling
//
// Merge fails only on contract violations (duplicate or unnormalized paths
// within one layer). Those are reported as SourceErrors of kind
// contract_violation wrapping ErrDuplicatePath or ErrUnnormalizedPath.
package layers
