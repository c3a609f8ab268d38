package meta

import (
	"fmt"
	"runtime"
	"strings"
)

// Set at link time, e.g.
//
//	go build -ldflags "-X github.com/luma/respwire/internal/meta.Version=v0.3.0"
var (
	Version      string
	Build        string // git sha
	Branch       string
	BuildTimeUTC string
	GoTag        string // build tags
)

// Info is the build of the running binary.
type Info struct {
	Version   string
	Build     string
	Branch    string
	BuildTime string
	Platform  string
	GoVersion string
	GoTag     string
}

func GetInfo() Info {
	version := Version
	if version == "" {
		version = "dev"
	}

	return Info{
		Version:   version,
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		GoTag:     GoTag,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String is the multi-line summary printed by `respwire version`. Fields that
// were not set at link time are left out.
func (i Info) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "respwire %s\n", i.Version)
	if i.Build != "" {
		fmt.Fprintf(&b, "build:    %s (%s)\n", i.Build, i.Branch)
	}
	if i.BuildTime != "" {
		fmt.Fprintf(&b, "built:    %s\n", i.BuildTime)
	}
	if i.GoTag != "" {
		fmt.Fprintf(&b, "tags:     %s\n", i.GoTag)
	}
	fmt.Fprintf(&b, "go:       %s %s\n", i.GoVersion, i.Platform)

	return b.String()
}
