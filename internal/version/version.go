// Package version carries the build identity printed by the version command.
package version

var (
	// Version is the release tag of the oraclewatch binary. Set via ldflags.
	Version = "dev"
	// Commit is the git revision the binary was built from. Set via ldflags.
	Commit = "unknown"
	// BuildDate is the build timestamp. Set via ldflags.
	BuildDate = "unknown"
)
