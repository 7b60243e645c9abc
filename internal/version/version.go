// Package version tracks build metadata for tracetop.
package version

import (
	"fmt"
	"sync"
)

// Info describes build metadata for the binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// String formats the metadata for --version output.
func (i Info) String() string {
	if i.Commit == "" {
		return i.Version
	}
	return fmt.Sprintf("%s (commit %s, built %s)", i.Version, i.Commit, i.BuildTime)
}

var (
	info      = Info{Version: "dev"}
	infoMutex sync.RWMutex
)

// Set replaces the build metadata. An empty version becomes "dev".
func Set(v Info) {
	infoMutex.Lock()
	defer infoMutex.Unlock()

	if v.Version == "" {
		v.Version = "dev"
	}
	info = v
}

// Current returns the configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}
