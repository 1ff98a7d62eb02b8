//go:build !unix

package sink

import (
	"io/fs"
	"os"
)

func isNamedPipe(_ string, info fs.FileInfo) bool {
	return info.Mode()&fs.ModeNamedPipe != 0
}

func openReaderNonblock(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY, 0)
}
