package version

import "fmt"

// Set at release time with -ldflags "-X .../internal/version.Version=v1.2.0
// -X .../internal/version.Commit=abc1234".
var (
	Version = "dev"
	Commit  = ""
)

// String is the version shown by --version and the relay health log.
func String() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
