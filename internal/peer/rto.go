package peer

import (
	"sync"
	"time"
)

// DefaultMinRTO is the retransmission timeout used before the first sample
// and the lower bound afterwards.
const DefaultMinRTO = time.Second

const (
	alpha = 1.0 / 8
	beta  = 1.0 / 4
)

// Estimator computes the retransmission timeout of one peer from round-trip
// samples, following RFC 6298.
type Estimator struct {
	mu      sync.Mutex
	min     time.Duration
	sampled bool
	srtt    float64 // milliseconds
	rttvar  float64 // milliseconds
}

// NewEstimator returns an estimator without samples. A non-positive min
// selects DefaultMinRTO.
func NewEstimator(min time.Duration) *Estimator {
	if min <= 0 {
		min = DefaultMinRTO
	}
	return &Estimator{min: min}
}

// Sample feeds one round-trip measurement. Callers must not pass samples
// taken from retransmitted frames (Karn's algorithm).
func (e *Estimator) Sample(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	ms := float64(rtt) / float64(time.Millisecond)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sampled {
		e.srtt = ms
		e.rttvar = ms / 2
		e.sampled = true
		return
	}

	diff := e.srtt - ms
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = (1-beta)*e.rttvar + beta*diff
	e.srtt = (1-alpha)*e.srtt + alpha*ms
}

// RTO returns the current retransmission timeout.
func (e *Estimator) RTO() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sampled {
		return e.min
	}
	rto := time.Duration((e.srtt + 4*e.rttvar) * float64(time.Millisecond))
	return max(rto, e.min)
}

// SRTT returns the smoothed round-trip time and whether a sample exists.
func (e *Estimator) SRTT() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.srtt * float64(time.Millisecond)), e.sampled
}
