//go:build !unix

package probe

// Access has no portable equivalent; the directory read in checkReadable
// decides on its own.
func (HostEnv) Access(name string) error { return nil }
