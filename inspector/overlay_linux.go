//go:build linux

package inspector

import (
	"io/fs"
	"syscall"

	"golang.org/x/sys/unix"
)

// Attributes that mark a directory opaque, for the kernel driver (root and
// userxattr mounts) and for fuse-overlayfs.
var opaqueXattrs = []string{
	"trusted.overlay.opaque",
	"user.overlay.opaque",
	"user.fuseoverlayfs.opaque",
}

func isOpaqueDir(p string) bool {
	buf := make([]byte, 8)
	for _, attr := range opaqueXattrs {
		n, err := unix.Lgetxattr(p, attr, buf)
		if err == nil && n > 0 && buf[0] == 'y' {
			return true
		}
	}
	return false
}

// isWhiteoutDevice reports the 0:0 character device overlayfs uses as a
// whiteout.
func isWhiteoutDevice(fi fs.FileInfo) bool {
	if fi.Mode()&fs.ModeCharDevice == 0 {
		return false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	return ok && unix.Major(uint64(st.Rdev)) == 0 && unix.Minor(uint64(st.Rdev)) == 0
}
