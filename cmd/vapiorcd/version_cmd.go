package main

import (
	"fmt"
	"runtime/debug"
)

// VersionCmd prints build provenance pulled from the Go module's own
// embedded VCS metadata rather than ldflags, since this binary has no
// separate release pipeline stamping a version string into it.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Println("build info not available")
		return nil
	}

	fmt.Printf("vapiorcd %s\n", info.Main.Version)
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			fmt.Printf("commit: %s\n", setting.Value)
		case "vcs.time":
			fmt.Printf("commit time: %s\n", setting.Value)
		case "vcs.modified":
			fmt.Printf("modified: %s\n", setting.Value)
		}
	}
	return nil
}
