package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.Version=... -X main.Build=... -X main.Commit=...".
var (
	Version = "0.3.0"
	Build   = "dev"
	Commit  = ""
)

type versionInfo struct {
	Version  string `json:"version"`
	Build    string `json:"build"`
	Commit   string `json:"commit,omitempty"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
}

func currentVersion() versionInfo {
	v := versionInfo{
		Version:  Version,
		Build:    Build,
		Commit:   Commit,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	if v.Commit == "" {
		v.Commit = vcsRevision()
	}
	return v
}

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Print version information",
	GroupID: GroupSetup,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := currentVersion()
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), v)
		}
		line := fmt.Sprintf("cw version %s (%s", v.Version, v.Build)
		if v.Commit != "" {
			line += ": " + shortCommit(v.Commit)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s) %s %s\n", line, v.Go, v.Platform)
		return nil
	},
}

// vcsRevision reads the commit stamped by the go tool into the binary.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

func shortCommit(hash string) string {
	return hash[:min(len(hash), 12)]
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
