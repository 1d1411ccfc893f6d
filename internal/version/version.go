// Package version reports what binary is running. The package variables are
// stamped with -ldflags -X at build time; Get fills gaps from the Go build
// info so a plain `go build` still reports its commit.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
)

var (
	AppName    = "linnemanlabs-ratelimit"
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

// Info is served on /api/version and exported as the build_info metric.
type Info struct {
	AppName    string `json:"app_name"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	info := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			info.applySetting(s.Key, s.Value)
		}
	}
	return info
}

// applySetting merges one vcs.* build setting. Stamped values win except
// for the dirty flag, which the toolchain knows better.
func (i *Info) applySetting(key, val string) {
	if val == "" {
		return
	}
	switch key {
	case "vcs.revision":
		if i.Commit == "none" {
			i.Commit = val
		}
	case "vcs.time":
		i.CommitDate = val
		if i.BuildDate == "" {
			i.BuildDate = val
		}
	case "vcs.modified":
		if b, err := strconv.ParseBool(val); err == nil {
			i.VCSDirty = &b
		}
	}
}

// Dirty is "true", "false" or "unknown" when the build carried no VCS state.
func (i Info) Dirty() string {
	if i.VCSDirty == nil {
		return "unknown"
	}
	return strconv.FormatBool(*i.VCSDirty)
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%s)",
		i.AppName, i.Version, i.Commit, i.CommitDate, i.BuildId, i.BuildDate, i.GoVersion, i.Dirty())
}
