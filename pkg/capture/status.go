package capture

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StatusReporter logs non-zero block statuses without ever stopping capture.
// Bursts are throttled; suppressed occurrences are counted and reported with
// the next message that gets through.
type StatusReporter struct {
	logger  *zap.SugaredLogger
	limiter *rate.Limiter

	mu         sync.Mutex
	suppressed int
	total      uint64
}

// NewStatusReporter allows burst messages at once and then one every
// 1/perSecond seconds. perSecond <= 0 disables throttling.
func NewStatusReporter(logger *zap.SugaredLogger, perSecond float64, burst int) *StatusReporter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &StatusReporter{
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Report is safe to call from the capture callback.
func (r *StatusReporter) Report(status Status) {
	if status == 0 {
		return
	}

	r.mu.Lock()
	r.total++
	if !r.limiter.Allow() {
		r.suppressed++
		r.mu.Unlock()
		return
	}
	suppressed := r.suppressed
	r.suppressed = 0
	r.mu.Unlock()

	if suppressed > 0 {
		r.logger.Warnw("Capture status", "status", status.String(), "suppressed", suppressed)
		return
	}
	r.logger.Warnw("Capture status", "status", status.String())
}

// Total counts every non-zero status seen, logged or not.
func (r *StatusReporter) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
