// Package version carries build metadata stamped in via -ldflags.
package version

import "strings"

var (
	Version = "dev"
	Commit  = ""
	Built   = ""
)

// Info is the version payload exposed over the API and the CLI.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Built   string `json:"built,omitempty"`
}

func Get() Info {
	return Info{Version: Version, Commit: Commit, Built: Built}
}

// String renders "conductor <version> (<commit>)", omitting what is unset.
func (i Info) String() string {
	var b strings.Builder
	b.WriteString("conductor ")
	b.WriteString(i.Version)
	if i.Commit != "" {
		short := i.Commit
		if len(short) > 8 {
			short = short[:8]
		}
		b.WriteString(" (")
		b.WriteString(short)
		b.WriteString(")")
	}
	return b.String()
}
