//go:build linux

package elfimage

import (
	"io/fs"
	"syscall"
)

func fileIdentity(_ string, info fs.FileInfo) (uint64, uint64) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev), uint64(st.Ino)
	}
	return 0, 0
}
