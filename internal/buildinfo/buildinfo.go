// ABOUTME: Exposes the commit hash of the running deploy
// ABOUTME: Used to suppress automatic retries of messages that errored under the same code

package buildinfo

import (
	"os"
	"runtime/debug"
	"sync"
)

// envOverride lets deploys without VCS stamping (containers built from
// tarballs) identify themselves.
const envOverride = "CHAT_ENGINE_COMMIT"

var (
	once   sync.Once
	commit string
)

// CommitHash returns an identifier for the code version currently running.
// Priority: CHAT_ENGINE_COMMIT env var, then the vcs.revision embedded by the
// Go toolchain, then "dev". The value only needs to change between deploys;
// its exact shape is not interpreted.
func CommitHash() string {
	once.Do(func() {
		commit = resolve()
	})
	return commit
}

func resolve() string {
	if v := os.Getenv(envOverride); v != "" {
		return v
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return s.Value
			}
		}
	}

	return "dev"
}
