package version

// Version is the current version of the border controller, overridden
// by the linker for release builds
var Version = "0.1.0"

// Commit is the source revision of the build
var Commit = "none"

// UserAgent returns the name this node uses in SIP User-Agent headers
func UserAgent() string {
	return "sbc/" + Version
}
