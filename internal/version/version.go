// Package version хранит сведения о сборке: значения подставляются через -ldflags,
// а при их отсутствии берутся из VCS-меток go build.
package version

import (
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// go build -ldflags "-X github.com/vladislavdragonenkov/coursesales/internal/version.version=v1.2.0"
var (
	version = "dev"
	commit  = ""
	date    = ""
)

const unknown = "unknown"

// Build — версия, коммит и время сборки бинарника.
type Build struct {
	Version string
	Commit  string
	Date    string
}

var (
	current     Build
	currentOnce sync.Once
)

// Current возвращает сведения о сборке; пустые поля заменяются на "unknown".
func Current() Build {
	currentOnce.Do(func() {
		info, _ := debug.ReadBuildInfo()
		current = resolve(version, commit, date, info)
	})
	return current
}

func resolve(v, c, d string, info *debug.BuildInfo) Build {
	b := Build{Version: v, Commit: c, Date: d}
	if info != nil {
		for _, s := range info.Settings {
			switch {
			case s.Key == "vcs.revision" && b.Commit == "":
				b.Commit = s.Value
			case s.Key == "vcs.time" && b.Date == "":
				b.Date = s.Value
			}
		}
		if (b.Version == "" || b.Version == "dev") && info.Main.Version != "" && info.Main.Version != "(devel)" {
			b.Version = info.Main.Version
		}
	}
	for _, f := range []*string{&b.Version, &b.Commit, &b.Date} {
		if *f == "" {
			*f = unknown
		}
	}
	return b
}

// Collector отдаёт sales_build_info{version,commit,date} = 1.
func (b Build) Collector() prometheus.Collector {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "sales_build_info",
		Help:        "Build metadata of the running sales service.",
		ConstLabels: prometheus.Labels{"version": b.Version, "commit": b.Commit, "date": b.Date},
	})
	g.Set(1)
	return g
}
