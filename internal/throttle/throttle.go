// Package throttle computes an adaptive transfer-rate cap from observed
// bandwidth and latency. The throttle is advisory: it tells the orchestrator
// how much to send per batch, it never delays I/O itself.
package throttle

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/edgesync/edgesync/internal/logging"
)

// Direction tags a registered transfer.
type Direction string

const (
	// Upload transfers move local changes to the remote store.
	Upload Direction = "upload"

	// Download transfers pull authoritative records down.
	Download Direction = "download"
)

// Config is the current advisory rate cap, recomputed every sample tick.
// Derived state only; never persisted.
type Config struct {
	// UploadRateLimit is the advised upload cap in bytes per second.
	UploadRateLimit int64

	// DownloadRateLimit is the advised download cap in bytes per second.
	DownloadRateLimit int64

	// Reason explains the last adjustment in human terms.
	Reason string

	// ComputedAt is when this config was derived.
	ComputedAt time.Time
}

// Sample is one observation of transfer conditions.
type Sample struct {
	Timestamp    time.Time
	UploadRate   int64
	DownloadRate int64
	Latency      time.Duration
}

// Settings tunes the throttle.
type Settings struct {
	// UploadCeiling is the configured maximum upload rate (bytes/sec).
	UploadCeiling int64
	// DownloadCeiling is the configured maximum download rate (bytes/sec).
	DownloadCeiling int64
	// Adaptive enables rate adjustment from observed samples. When false the
	// config pins to the ceilings.
	Adaptive bool
	// SampleInterval is the measurement tick.
	SampleInterval time.Duration
	// HistorySize bounds the rolling sample window.
	HistorySize int
}

// DefaultSettings returns settings sized for constrained uplinks.
func DefaultSettings() Settings {
	return Settings{
		UploadCeiling:   512 * 1024,
		DownloadCeiling: 2 * 1024 * 1024,
		Adaptive:        true,
		SampleInterval:  5 * time.Second,
		HistorySize:     24,
	}
}

// Adjustment constants. Floors and ceilings are enforced in one place
// (clampRate) so no sample sequence can push a limit out of range.
const (
	floorFraction  = 0.25
	decreaseFactor = 0.7
	increaseFactor = 1.25
	highWatermark  = 0.9
	lowWatermark   = 0.6
	lowLatency     = 200 * time.Millisecond
	movingWindow   = 3
)

type transfer struct {
	direction    Direction
	bytes        int64
	registeredAt time.Time
}

// Throttle samples in-flight transfers and maintains the advisory config.
type Throttle struct {
	settings Settings

	mu        sync.Mutex
	transfers map[string]*transfer
	history   []Sample
	current   Config
	latency   time.Duration
	subs      []chan Config

	stop chan struct{}
	done chan struct{}
}

// New creates a throttle. Start must be called to begin sampling.
func New(settings Settings) *Throttle {
	if settings.SampleInterval <= 0 {
		settings.SampleInterval = DefaultSettings().SampleInterval
	}
	if settings.HistorySize <= 0 {
		settings.HistorySize = DefaultSettings().HistorySize
	}
	return &Throttle{
		settings:  settings,
		transfers: make(map[string]*transfer),
		current: Config{
			UploadRateLimit:   settings.UploadCeiling,
			DownloadRateLimit: settings.DownloadCeiling,
			Reason:            "initial: at configured ceiling",
			ComputedAt:        time.Now(),
		},
	}
}

// RegisterTransfer begins tracking an in-flight transfer.
func (t *Throttle) RegisterTransfer(id string, direction Direction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transfers[id] = &transfer{direction: direction, registeredAt: time.Now()}
}

// UpdateProgress records the cumulative bytes moved by a transfer.
func (t *Throttle) UpdateProgress(id string, bytesTransferred int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.transfers[id]; ok {
		tr.bytes = bytesTransferred
	}
}

// UnregisterTransfer stops tracking a transfer.
func (t *Throttle) UnregisterTransfer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.transfers, id)
}

// ReportLatency records an observed round-trip latency, folded into the next
// sample.
func (t *Throttle) ReportLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Config returns the current advisory rate cap.
func (t *Throttle) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// History returns a copy of the rolling sample window, oldest first.
func (t *Throttle) History() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sample, len(t.history))
	copy(out, t.history)
	return out
}

// Subscribe returns a channel receiving every config change, plus a cancel
// function that detaches the subscription.
func (t *Throttle) Subscribe() (<-chan Config, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Config, 8)
	t.subs = append(t.subs, ch)

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s == ch {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// Start launches the sampling loop. No-op if already running.
func (t *Throttle) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop(t.stop, t.done)
}

// Stop halts the sampling loop and waits for it to exit.
func (t *Throttle) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop = nil
	t.done = nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (t *Throttle) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.settings.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.sample(time.Now())
		}
	}
}

// sample measures instantaneous rates from in-flight transfers, appends to
// the rolling window, and reconfigures when adaptive mode is on.
func (t *Throttle) sample(now time.Time) {
	t.mu.Lock()

	s := Sample{Timestamp: now, Latency: t.latency}
	var upCount, downCount int64
	for _, tr := range t.transfers {
		elapsed := now.Sub(tr.registeredAt).Seconds()
		if elapsed <= 0 {
			continue
		}
		rate := int64(float64(tr.bytes) / elapsed)
		switch tr.direction {
		case Upload:
			s.UploadRate += rate
			upCount++
		case Download:
			s.DownloadRate += rate
			downCount++
		}
	}
	// Average across concurrent transfers of the same direction.
	if upCount > 1 {
		s.UploadRate /= upCount
	}
	if downCount > 1 {
		s.DownloadRate /= downCount
	}

	t.history = append(t.history, s)
	if len(t.history) > t.settings.HistorySize {
		t.history = t.history[len(t.history)-t.settings.HistorySize:]
	}

	if !t.settings.Adaptive {
		t.mu.Unlock()
		return
	}

	next, changed := t.adaptLocked(now)
	var subs []chan Config
	if changed {
		t.current = next
		subs = make([]chan Config, len(t.subs))
		copy(subs, t.subs)
	}
	t.mu.Unlock()

	if !changed {
		return
	}

	logging.Info("throttle reconfigured",
		logging.Operation("throttle"),
		slog.String("reason", next.Reason),
		slog.String("upload", humanize.Bytes(uint64(next.UploadRateLimit))+"/s"),
		slog.String("download", humanize.Bytes(uint64(next.DownloadRateLimit))+"/s"),
	)

	for _, ch := range subs {
		select {
		case ch <- next:
		default:
		}
	}
}

// adaptLocked derives the next config from the 3-sample moving average.
// Caller must hold t.mu.
func (t *Throttle) adaptLocked(now time.Time) (Config, bool) {
	if len(t.history) < movingWindow {
		return t.current, false
	}

	window := t.history[len(t.history)-movingWindow:]
	var upSum, downSum int64
	var latSum time.Duration
	for _, s := range window {
		upSum += s.UploadRate
		downSum += s.DownloadRate
		latSum += s.Latency
	}
	avgUp := upSum / movingWindow
	avgDown := downSum / movingWindow
	avgLatency := latSum / movingWindow

	upLimit, upReason := nextLimit(t.current.UploadRateLimit, avgUp, t.settings.UploadCeiling, avgLatency)
	downLimit, downReason := nextLimit(t.current.DownloadRateLimit, avgDown, t.settings.DownloadCeiling, avgLatency)

	if upLimit == t.current.UploadRateLimit && downLimit == t.current.DownloadRateLimit {
		return t.current, false
	}

	reason := upReason
	if downLimit != t.current.DownloadRateLimit {
		reason = downReason
		if upLimit != t.current.UploadRateLimit {
			reason = upReason + "; " + downReason
		}
	}

	return Config{
		UploadRateLimit:   upLimit,
		DownloadRateLimit: downLimit,
		Reason:            reason,
		ComputedAt:        now,
	}, true
}

// nextLimit applies the adaptive rule for one direction.
func nextLimit(current, observed, ceiling int64, latency time.Duration) (int64, string) {
	if ceiling <= 0 {
		return current, ""
	}

	utilization := float64(observed) / float64(ceiling)

	switch {
	case utilization > highWatermark:
		next := clampRate(int64(float64(current)*decreaseFactor), ceiling)
		return next, fmt.Sprintf("utilization %.0f%% above %.0f%% of ceiling, backing off to %s/s",
			utilization*100, highWatermark*100, humanize.Bytes(uint64(next)))

	case utilization < lowWatermark && latency < lowLatency:
		next := clampRate(int64(float64(current)*increaseFactor), ceiling)
		return next, fmt.Sprintf("utilization %.0f%% with %s latency, raising to %s/s",
			utilization*100, latency.Round(time.Millisecond), humanize.Bytes(uint64(next)))

	default:
		return current, ""
	}
}

// clampRate bounds a rate to [floorFraction*ceiling, ceiling].
func clampRate(rate, ceiling int64) int64 {
	floor := int64(float64(ceiling) * floorFraction)
	if rate < floor {
		return floor
	}
	if rate > ceiling {
		return ceiling
	}
	return rate
}
