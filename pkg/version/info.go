// Package version exposes the build metadata stamped into txctl and checks scripts'
// minimum-version requirements against it.
package version

import (
	"fmt"
	"strings"
	"time"
)

// Set with -ldflags "-X github.com/nimburion/txrunner/pkg/version.AppVersion=v1.2.3".
var (
	AppVersion = DevelopmentVersion
	GitCommit  = Unknown
	BuildTime  = Unknown // RFC3339
)

const (
	Unknown            = "unknown"
	DevelopmentVersion = "dev"
)

// Info describes the running binary.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Current returns the build metadata for service, with blanks replaced by defaults.
func Current(service string) Info {
	or := func(v, fallback string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return fallback
	}
	return Info{
		Service:   or(service, Unknown),
		Version:   or(AppVersion, DevelopmentVersion),
		Commit:    or(GitCommit, Unknown),
		BuildTime: or(BuildTime, Unknown),
	}
}

// Built returns the build time when it was stamped in RFC3339.
func (i Info) Built() (time.Time, bool) {
	ts, err := time.Parse(time.RFC3339, i.BuildTime)
	return ts, err == nil
}

// Released returns the version when the binary carries a semantic one.
func (i Info) Released() (SemVer, bool) {
	v, err := Parse(i.Version)
	return v, err == nil
}

// Satisfies reports whether the binary is minimum or newer. Unreleased builds
// satisfy every minimum.
func (i Info) Satisfies(minimum string) (bool, error) {
	want, err := Parse(minimum)
	if err != nil {
		return false, fmt.Errorf("invalid minimum version: %w", err)
	}
	have, ok := i.Released()
	if !ok {
		return true, nil
	}
	return have.Compare(want) >= 0, nil
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", i.Service, i.Version, i.Commit, i.BuildTime)
}
