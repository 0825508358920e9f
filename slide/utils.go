package slide

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
)

// NumCPU is the number of cores available to this process.
var NumCPU = runtime.NumCPU()

// ConvertToAbsolute resolves a relative path against base, which is usually
// the directory of the configuration file.
func ConvertToAbsolute(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// FileExists returns true if the path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
