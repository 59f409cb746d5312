// Package buildinfo carries version data injected at link time:
//
//	-X github.com/nebula-panel/nebula/apps/api/internal/buildinfo.Version=v1.0.0
//	-X github.com/nebula-panel/nebula/apps/api/internal/buildinfo.GitSHA=abc123
//	-X github.com/nebula-panel/nebula/apps/api/internal/buildinfo.BuildTime=2026-02-12T00:00:00Z
package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitSHA    = ""
	BuildTime = ""
)

func String() string {
	sha := GitSHA
	if sha == "" {
		sha = "unknown"
	}
	return fmt.Sprintf("%s (%s, built %s, %s)", Version, sha, BuildTime, runtime.Version())
}
