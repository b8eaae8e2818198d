/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package buildinfo reports the version the binary was built from.
package buildinfo

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const moduleName = "github.com/secureshare/secureshare"

// Set with -ldflags "-X github.com/secureshare/secureshare/internal/buildinfo.version=v1.2.3".
var (
	version string
	commit  string
)

var (
	readOnce   sync.Once
	resolvedVersion  string
	resolvedCommit string
)

// Version returns the version set at link time, the main module version from the build info,
// or "v0.0.0-dev" if neither is known.
func Version() string {
	readOnce.Do(resolve)
	return resolvedVersion
}

// Commit returns the VCS revision the binary was built from, or "unknown".
func Commit() string {
	readOnce.Do(resolve)
	return resolvedCommit
}

// UserAgent returns the User-Agent value used by outgoing HTTP requests.
func UserAgent(component string) string {
	return component + "/" + Version() + " (" + runtime.GOOS + "; " + runtime.GOARCH + ")"
}

func resolve() {
	info, _ := debug.ReadBuildInfo()
	resolvedVersion, resolvedCommit = fromBuildInfo(info, version, commit)
}

func fromBuildInfo(info *debug.BuildInfo, ldVersion, ldCommit string) (ver, rev string) {
	ver, rev = ldVersion, ldCommit
	if info != nil {
		if ver == "" && info.Main.Path == moduleName && info.Main.Version != "(devel)" {
			ver = info.Main.Version
		}
		if rev == "" {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					rev = s.Value
				}
			}
		}
	}
	if ver == "" {
		ver = "v0.0.0-dev"
	}
	if rev == "" {
		rev = "unknown"
	}
	return ver, rev
}

// NewPrometheusCollector returns a constant gauge with value 1 labeled with the build information.
func NewPrometheusCollector(namespace string) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information of the running binary.",
		ConstLabels: prometheus.Labels{
			"version":   Version(),
			"commit":    Commit(),
			"goversion": runtime.Version(),
		},
	}, func() float64 { return 1 })
}
