// Package paths locates the files a server reads at startup, such as its
// configuration and its RSA key.
package paths

import (
	"os"
	"path/filepath"

	"github.com/golang/glog"
)

// DataDirEnv names a directory searched before all others.
const DataDirEnv = "OTSERV_DATA"

// possibleDirs lists the directories Find looks in, in order.
func possibleDirs() []string {
	var dirs []string
	if d := os.Getenv(DataDirEnv); d != "" {
		dirs = append(dirs, d)
	}
	dirs = append(dirs, ".", "data")
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe), filepath.Join(filepath.Dir(exe), "data"))
	}
	dirs = append(dirs, os.Args[0]+".runfiles/go_otserv/data")
	return dirs
}

// Find locates the passed file shortname and returns an absolute or
// relative path to find it at, or "" if it is nowhere to be found.
//
// For example, for "key.pem" it may return "data/key.pem".
func Find(fileName string) string {
	for _, dir := range possibleDirs() {
		path := filepath.Join(dir, fileName)
		if s, err := os.Stat(path); err == nil && !s.IsDir() {
			glog.V(2).Infof("paths.Find(%q)=%s", fileName, path)
			return path
		}
	}
	return ""
}
