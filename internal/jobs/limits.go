package jobs

// Worker count limits
const (
	MinWorkers = 1
	MaxWorkers = 8
)

// Probe concurrency limits
const (
	MinProbeWorkers = 1
	MaxProbeWorkers = 16
)

// DefaultCheckpointEvery is how many completions pass between job store flushes
const DefaultCheckpointEvery = 5

// ClampWorkerCount ensures the worker count is within valid bounds.
func ClampWorkerCount(n int) int {
	return clamp(n, MinWorkers, MaxWorkers)
}

// ClampProbeWorkers ensures the probe concurrency is within valid bounds.
func ClampProbeWorkers(n int) int {
	return clamp(n, MinProbeWorkers, MaxProbeWorkers)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
