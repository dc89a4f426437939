package lim

import (
	"sync"
	"time"

	"psst/metrics"
	"psst/svc/util"
)

const (
	anomalyBuckets     = 5
	anomalyMinRequests = 10
	anomalyErrorPct    = 5.0
)

// AnomalyDetector tracks the 5xx rate over a sliding window of one-minute
// buckets and calls onAnomaly when it crosses anomalyErrorPct.
type AnomalyDetector struct {
	mu        sync.Mutex
	window    [anomalyBuckets]bucket
	current   int
	onAnomaly func()
	done      chan struct{}
	stopOnce  sync.Once
}

type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Advance()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.current].requests++
	d.mu.Unlock()
}

func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.current].errors++
	d.mu.Unlock()
}

// ErrorRate returns the percentage of failed requests across the window.
func (d *AnomalyDetector) ErrorRate() (float64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errorRateLocked()
}

func (d *AnomalyDetector) errorRateLocked() (float64, int64) {
	var reqs, errs int64
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	if reqs == 0 {
		return 0, 0
	}
	return float64(errs) / float64(reqs) * 100.0, reqs
}

// Advance evaluates the window and rotates to a fresh bucket.
func (d *AnomalyDetector) Advance() {
	d.mu.Lock()
	rate, reqs := d.errorRateLocked()
	d.current = (d.current + 1) % anomalyBuckets
	d.window[d.current] = bucket{}
	d.mu.Unlock()

	metrics.RecentErrorRate.Set(rate)
	if reqs > anomalyMinRequests && rate > anomalyErrorPct {
		util.Warn().
			Float64("error_rate", rate).
			Int64("total_reqs", reqs).
			Msg("high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
}
