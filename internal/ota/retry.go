package ota

import (
	"sync"
	"time"

	"github.com/nerrad567/probe-ota-core/internal/dfu"
	"github.com/nerrad567/probe-ota-core/internal/probe"
)

// Stuck-device defaults.
const (
	DefaultStuckThreshold   = 10 * time.Second
	DefaultMaxRetryAttempts = 3
)

// RetryContext counts forced retries for one device. Attempts never decreases
// and never exceeds the policy maximum. Values are replaced, not mutated.
type RetryContext struct {
	DeviceID    probe.ID          `json:"device_id"`
	ProductType probe.ProductType `json:"product_type"`
	Attempts    int               `json:"attempts"`
}

// Decision is the outcome of StuckPolicy.Decide.
type Decision int

// Possible decisions.
const (
	// DecisionWait means the device has not been stuck long enough.
	DecisionWait Decision = iota
	// DecisionBusy means another update or retry is running.
	DecisionBusy
	// DecisionExhausted means the device has used every permitted attempt.
	DecisionExhausted
	// DecisionRetry means a retry should start now.
	DecisionRetry
)

func (d Decision) String() string {
	switch d {
	case DecisionWait:
		return "wait"
	case DecisionBusy:
		return "busy"
	case DecisionExhausted:
		return "exhausted"
	case DecisionRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// StuckCheck is the input to one policy evaluation.
type StuckCheck struct {
	Elapsed          time.Duration
	Attempts         int
	RetryActive      bool
	UpdateInProgress bool
}

// StuckPolicy decides when a device stranded in bootloader mode is retried.
//
// There is no timer: the policy is evaluated on every bootloader
// advertisement, so detection latency is bounded by advertisement interval.
type StuckPolicy struct {
	Threshold   time.Duration
	MaxAttempts int
}

// DefaultStuckPolicy returns the 10 second / 3 attempt policy.
func DefaultStuckPolicy() StuckPolicy {
	return StuckPolicy{Threshold: DefaultStuckThreshold, MaxAttempts: DefaultMaxRetryAttempts}
}

// Decide evaluates c. A retry requires that nothing else is running, the
// device has been stuck for at least Threshold, and attempts remain.
func (p StuckPolicy) Decide(c StuckCheck) Decision {
	switch {
	case c.RetryActive || c.UpdateInProgress:
		return DecisionBusy
	case c.Attempts >= p.MaxAttempts:
		return DecisionExhausted
	case c.Elapsed < p.Threshold:
		return DecisionWait
	default:
		return DecisionRetry
	}
}

// bootloaderRecord tracks one device seen advertising in bootloader mode.
type bootloaderRecord struct {
	id probe.ID

	mu          sync.Mutex
	firstSeen   time.Time
	lastSeen    time.Time
	productType probe.ProductType
	session     *dfu.Session
}

func newBootloaderRecord(id probe.ID, now time.Time) *bootloaderRecord {
	return &bootloaderRecord{id: id, firstSeen: now, lastSeen: now, productType: probe.ProductUnknown}
}

func (r *bootloaderRecord) observe(adv probe.Advertisement, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen = now
	if adv.ProductType.Known() {
		r.productType = adv.ProductType
	}
}

func (r *bootloaderRecord) elapsed(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.firstSeen)
}

// restart makes the device wait a full threshold again.
func (r *bootloaderRecord) restart(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.firstSeen = now
}

func (r *bootloaderRecord) lastProductType() probe.ProductType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.productType
}

func (r *bootloaderRecord) currentSession() *dfu.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// attach replaces the record's session, finalizing the previous one.
func (r *bootloaderRecord) attach(s *dfu.Session) {
	r.mu.Lock()
	prev := r.session
	r.session = s
	r.mu.Unlock()

	if prev != nil && prev != s {
		prev.Finalize()
	}
}

func (r *bootloaderRecord) finalize() {
	r.attach(nil)
}
