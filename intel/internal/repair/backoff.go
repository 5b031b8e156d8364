package repair

import (
	"time"

	"github.com/hazyhaar/intelfeed/intel/internal/store"
)

// Policy decides how long a failing source waits between full polls.
// Below Threshold consecutive failures a source is polled every run. From
// there the window starts at Base and doubles per further failure up to
// Max; persistent failure classes wait Max straight away.
type Policy struct {
	// Threshold is the failure streak that starts backoff. Default: 10.
	Threshold int
	// Base is the first backoff window. Default: 10m.
	Base time.Duration
	// Max caps the window. Default: 6h.
	Max time.Duration
}

func (p *Policy) defaults() {
	if p.Threshold <= 0 {
		p.Threshold = 10
	}
	if p.Base <= 0 {
		p.Base = 10 * time.Minute
	}
	if p.Max <= 0 {
		p.Max = 6 * time.Hour
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
}

// Window returns the wait after the last attempt before src is due again.
// Zero means src is not backed off.
func (p Policy) Window(src *store.Source) time.Duration {
	p.defaults()
	if src.FailCount < p.Threshold {
		return 0
	}
	if Classify(ExtractStatusCode(src.LastError), src.LastError).Persistent() {
		return p.Max
	}
	w := p.Base
	for i := p.Threshold; i < src.FailCount && w < p.Max; i++ {
		w *= 2
	}
	return min(w, p.Max)
}

// RetryAt returns when src is next due for a full poll. The zero time means
// it is due on every run.
func (p Policy) RetryAt(src *store.Source) time.Time {
	w := p.Window(src)
	if w == 0 || src.LastPolledAt == nil {
		return time.Time{}
	}
	return time.UnixMilli(*src.LastPolledAt).Add(w)
}
