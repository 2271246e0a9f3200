package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	LaunchStarted    = "started"
	LaunchForkFailed = "fork_failed"

	OutcomeExited   = "exited"
	OutcomeSignaled = "signaled"
	OutcomeLost     = "lost"
)

var (
	registry = prometheus.NewRegistry()

	trackedProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "procreap",
		Name:      "tracked_processes",
		Help:      "Number of child processes currently tracked as running.",
	})

	launches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procreap",
		Name:      "launches_total",
		Help:      "Launch attempts partitioned by result.",
	}, []string{"result"})

	reaped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procreap",
		Name:      "reaped_total",
		Help:      "Child processes removed from tracking, partitioned by outcome.",
	}, []string{"outcome"})

	execFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procreap",
		Name:      "exec_failures_total",
		Help:      "Children that exited with the exec failure status.",
	})

	stopSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procreap",
		Name:      "stop_signals_total",
		Help:      "Signals sent while stopping processes.",
	}, []string{"signal"})

	stopWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "procreap",
		Name:      "stop_wait_seconds",
		Help:      "Time taken for a blocking stop to observe process termination.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procreap",
		Name:      "build_info",
		Help:      "Build metadata for the running procreap binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(trackedProcesses, launches, reaped, execFailures, stopSignals, stopWait, buildInfo)
}

// Registry returns the Prometheus registry containing all procreap metrics.
func Registry() *prometheus.Registry {
	return registry
}

// IncTracked counts a newly registered process.
func IncTracked() {
	trackedProcesses.Inc()
}

// DecTracked counts a process dropped from tracking.
func DecTracked() {
	trackedProcesses.Dec()
}

// IncLaunch counts a launch attempt with the given result label.
func IncLaunch(result string) {
	if result == "" {
		return
	}
	launches.WithLabelValues(result).Inc()
}

// IncReaped counts a reaped or lost child.
func IncReaped(outcome string) {
	if outcome == "" {
		return
	}
	reaped.WithLabelValues(outcome).Inc()
}

// IncExecFailure counts a child that could not replace its image.
func IncExecFailure() {
	execFailures.Inc()
}

// IncStopSignal counts a signal sent by the terminator.
func IncStopSignal(sig syscall.Signal) {
	stopSignals.WithLabelValues(signalName(sig)).Inc()
}

// ObserveStopWait records how long a blocking stop took.
func ObserveStopWait(d time.Duration) {
	stopWait.Observe(d.Seconds())
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGKILL:
		return "SIGKILL"
	default:
		return sig.String()
	}
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
