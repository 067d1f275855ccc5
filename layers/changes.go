package layers

import "sort"

// Change pairs an entry with its classification
type Change struct {
	Type  ChangeType `json:"type"`
	Entry FileEntry  `json:"entry"`
}

// SortEntries orders entries by path, placing an opaque marker before any
// plain entry sharing its path so listings read top-down.
func SortEntries(entries []FileEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Path != entries[j].Path {
			return entries[i].Path < entries[j].Path
		}
		return entries[i].IsOpaque && !entries[j].IsOpaque
	})
}

// CalculateChangesSize calculates the total size of changes
func CalculateChangesSize(changes []Change) int64 {
	var totalSize int64
	for _, change := range changes {
		if change.Type != ChangeTypeDelete {
			totalSize += change.Entry.Size
		}
	}
	return totalSize
}

// GroupChangesByType groups changes by their type
func GroupChangesByType(changes []Change) map[ChangeType][]Change {
	groups := make(map[ChangeType][]Change)
	for _, change := range changes {
		groups[change.Type] = append(groups[change.Type], change)
	}
	return groups
}
