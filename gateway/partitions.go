package gateway

import (
	"fmt"
	"regexp"
)

// DefaultVersion is used when no cache version is configured.
const DefaultVersion = "v1"

var versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Partitions names the cache partitions for one deployment. Every name
// carries the version suffix so a new version leaves the old partitions
// outside the whitelist.
type Partitions struct {
	Version  string
	AppShell string
	Runtime  string
	Images   string
	API      string
}

// NewPartitions returns the partition names for version.
func NewPartitions(version string) (Partitions, error) {
	if version == "" {
		version = DefaultVersion
	}
	if !versionPattern.MatchString(version) {
		return Partitions{}, fmt.Errorf("invalid cache version %q", version)
	}
	return Partitions{
		Version:  version,
		AppShell: "app-shell-" + version,
		Runtime:  "runtime-" + version,
		Images:   "images-" + version,
		API:      "api-" + version,
	}, nil
}

// Whitelist returns every current partition name.
func (p Partitions) Whitelist() []string {
	return []string{p.AppShell, p.Runtime, p.Images, p.API}
}

// Contains reports whether name is a current partition.
func (p Partitions) Contains(name string) bool {
	for _, n := range p.Whitelist() {
		if n == name {
			return true
		}
	}
	return false
}
