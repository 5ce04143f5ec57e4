//go:build !linux

package elfimage

import (
	"hash/fnv"
	"io/fs"
	"path/filepath"
)

// Without stable device/inode numbers, identity degrades to the absolute
// path, so dedup still works for path aliases of the same spelling.
func fileIdentity(path string, _ fs.FileInfo) (uint64, uint64) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(abs))
	return 1, h.Sum64()
}
