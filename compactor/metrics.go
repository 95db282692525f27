package compactor

import (
	"expvar"
	"fmt"
)

// latencyBuckets defines the buckets for job latency histograms (in seconds).
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Metrics holds the expvar counters the compaction engine publishes.
type Metrics struct {
	CyclesTotal    *expvar.Int
	CyclesSkipped  *expvar.Int
	JobsPlanned    *expvar.Int
	JobsSucceeded  *expvar.Int
	JobsFailed     *expvar.Int
	JobConflicts   *expvar.Int
	JobsCorrupted  *expvar.Int
	Quarantined    *expvar.Int
	BytesRead      *expvar.Int
	BytesWritten   *expvar.Int
	FilesMerged    *expvar.Int
	FilesCreated   *expvar.Int
	OrphansDeleted *expvar.Int
	JobLatencyHist *expvar.Map
}

// NewMetrics publishes (or re-publishes, resetting) the engine's expvar
// set under the given prefix.
func NewMetrics(prefix string) *Metrics {
	m := &Metrics{
		CyclesTotal:    publishExpvarInt(prefix + "_cycles_total"),
		CyclesSkipped:  publishExpvarInt(prefix + "_cycles_skipped_total"),
		JobsPlanned:    publishExpvarInt(prefix + "_jobs_planned_total"),
		JobsSucceeded:  publishExpvarInt(prefix + "_jobs_succeeded_total"),
		JobsFailed:     publishExpvarInt(prefix + "_jobs_failed_total"),
		JobConflicts:   publishExpvarInt(prefix + "_job_conflicts_total"),
		JobsCorrupted:  publishExpvarInt(prefix + "_jobs_corrupted_total"),
		Quarantined:    publishExpvarInt(prefix + "_quarantined_buckets"),
		BytesRead:      publishExpvarInt(prefix + "_bytes_read_total"),
		BytesWritten:   publishExpvarInt(prefix + "_bytes_written_total"),
		FilesMerged:    publishExpvarInt(prefix + "_files_merged_total"),
		FilesCreated:   publishExpvarInt(prefix + "_files_created_total"),
		OrphansDeleted: publishExpvarInt(prefix + "_orphans_deleted_total"),
		JobLatencyHist: publishExpvarMap(prefix + "_job_latency_seconds"),
	}
	m.JobLatencyHist.Set("count", new(expvar.Int))
	m.JobLatencyHist.Set("sum", new(expvar.Float))
	for _, b := range latencyBuckets {
		m.JobLatencyHist.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
	}
	m.JobLatencyHist.Set("le_inf", new(expvar.Int))
	return m
}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countVar := histMap.Get("count"); countVar != nil {
		if countInt, ok := countVar.(*expvar.Int); ok {
			countInt.Add(1)
		}
	}
	if sumVar := histMap.Get("sum"); sumVar != nil {
		if sumFloat, ok := sumVar.(*expvar.Float); ok {
			sumFloat.Add(durationSeconds)
		}
	}

	// For a cumulative histogram, a value that fits in a smaller bucket
	// must also be counted in all larger buckets.
	for _, b := range latencyBuckets {
		if durationSeconds <= b {
			if bucketVar := histMap.Get(fmt.Sprintf("le_%.3f", b)); bucketVar != nil {
				if bucketInt, ok := bucketVar.(*expvar.Int); ok {
					bucketInt.Add(1)
				}
			}
		}
	}
	if infVar := histMap.Get("le_inf"); infVar != nil {
		if infInt, ok := infVar.(*expvar.Int); ok {
			infInt.Add(1)
		}
	}
}

// publishExpvarInt safely publishes an expvar.Int.
// If the name already exists and is an *expvar.Int, it resets it and returns it.
// If the name does not exist, it creates and returns a new one.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarMap safely publishes an expvar.Map, returning the existing
// map when the name is already registered.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
