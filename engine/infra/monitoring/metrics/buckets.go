package metrics

// HTTPDurationBuckets are the latency buckets of request duration histograms.
var HTTPDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// JobDurationBuckets cover container execs, which run from milliseconds to
// tens of minutes.
var JobDurationBuckets = []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800}

const Namespace = "taskengine"
