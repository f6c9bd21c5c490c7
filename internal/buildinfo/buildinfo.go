package buildinfo

import "fmt"

var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// String returns a human-readable version string for the named binary.
func String(binary string) string {
	if Version == "" {
		Version = "dev"
	}
	if binary == "" {
		binary = "pchannel"
	}
	info := fmt.Sprintf("%s %s", binary, Version)
	if GitCommit != "" {
		info = fmt.Sprintf("%s (%s)", info, GitCommit)
	}
	if BuildTime != "" {
		info = fmt.Sprintf("%s built at %s", info, BuildTime)
	}
	return info
}
