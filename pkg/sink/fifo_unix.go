//go:build unix

package sink

import (
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

func isNamedPipe(path string, info fs.FileInfo) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return info.Mode()&fs.ModeNamedPipe != 0
	}
	return st.Mode&unix.S_IFMT == unix.S_IFIFO
}

func openReaderNonblock(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
}
