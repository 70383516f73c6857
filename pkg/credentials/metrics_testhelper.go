package credentials

import "sync"

// ResetMetricsForTest clears the cached metrics collector so tests can
// reinitialize it against a fresh MeterProvider. This is intended for use in
// test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	collectorInst = nil
}
