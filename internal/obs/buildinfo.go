package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "revealgate_build_info",
			Help: "Build metadata of the running revealgate binary.",
		},
		[]string{"version", "commit"},
	)
)

// InitBuildInfo registers revealgate_build_info once and sets it to 1 for the given labels.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit).Set(1)
}
