package version

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// These variables are set during build time
var (
	// Version is the current version
	Version = "0.0.0"

	// Branch is current branch name the code is built off.
	Branch = "unknown"

	// Revision is the short commit hash of source tree
	Revision = "unknown"

	// BuiltAt is the build time
	BuiltAt = "unknown"

	// GoVersion is the go version used to build
	GoVersion = "unknown"
)

// Info contains version information
type Info struct {
	Version   string `json:"version"`
	Branch    string `json:"branch"`
	Revision  string `json:"revision"`
	BuiltAt   string `json:"builtAt"`
	GoVersion string `json:"goVersion"`
}

// GetVersionInfo returns version information
func GetVersionInfo() Info {
	goVersion := GoVersion
	if goVersion == "unknown" {
		goVersion = runtime.Version()
	}

	return Info{
		Version:   Version,
		Branch:    Branch,
		Revision:  Revision,
		BuiltAt:   BuiltAt,
		GoVersion: goVersion,
	}
}

// String returns a human-readable version string
func (i Info) String() string {
	return fmt.Sprintf("%s (branch: %s, revision: %s, built at: %s, go: %s)",
		i.Version, i.Branch, i.Revision, i.BuiltAt, i.GoVersion)
}

// JSON returns version information as JSON
func (i Info) JSON() string {
	data, err := json.Marshal(i)
	if err != nil {
		return "{}"
	}
	return string(data)
}
