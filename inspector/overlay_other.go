//go:build !linux

package inspector

import "io/fs"

func isOpaqueDir(string) bool { return false }

func isWhiteoutDevice(fs.FileInfo) bool { return false }
