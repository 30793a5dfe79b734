// Package frontend holds the shared descriptor of the daemon's single
// input slice: sample rate, passband edges, center frequency and
// calibration, clip/power accounting, and the IQ ring it feeds.
package frontend

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/ka9q/radiod-core/internal/ring"
)

// AttenFunc and GainFunc are the capability reach-through hooks a
// specific driver may wire up; nil means the knob isn't available.
type AttenFunc func(db float32)
type GainFunc func(db float32)

// Frontend is the one-per-daemon description of the current input.
type Frontend struct {
	SampleRate      int     // Hz
	MinIF, MaxIF    float64 // Hz, typically ±0.47*SampleRate for complex IQ
	Calibrate       float64 // ppm-like fractional ratio
	IsReal          bool
	BitsPerSample   int
	Description     string

	RFGain, RFAtten, RFLevelCal float32
	RFAGC                       bool
	LNAGain, MixerGain, IFGain  int32

	Atten AttenFunc
	Gain  GainFunc

	// Locked disables Tune: the driver was configured with an explicit
	// initial frequency and must not be retuned by channel requests.
	Locked bool

	Ring *ring.Ring

	mu         sync.Mutex
	centerFreq float64 // Hz, includes calibration correction

	overranges      uint64 // atomic
	samplesSinceOver uint64 // atomic
	samples         uint64 // atomic

	ifPowerBits uint64 // atomic, float64 bits of the EWMA power estimate
}

// New builds a Frontend with the ring sized for one datagram's worth
// of headroom times the given factor; callers typically size it much
// larger (seconds of audio) in production.
func New(sampleRate int, ringCapacity int) *Frontend {
	return &Frontend{
		SampleRate: sampleRate,
		MinIF:      -0.47 * float64(sampleRate),
		MaxIF:      0.47 * float64(sampleRate),
		IsReal:     false,
		Ring:       ring.New(ringCapacity),
	}
}

// SetCenterFrequency applies the calibration correction and stores the
// result: freq*(1+calibrate).
func (f *Frontend) SetCenterFrequency(freq float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.centerFreq = freq * (1 + f.Calibrate)
}

// CenterFrequency returns the calibrated center (L0) frequency.
func (f *Frontend) CenterFrequency() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.centerFreq
}

// Overranges returns the monotonic clip counter.
func (f *Frontend) Overranges() uint64 { return atomic.LoadUint64(&f.overranges) }

// SamplesSinceOver returns the run length of non-clipped components
// (I and Q counted separately) since the last clipped one.
func (f *Frontend) SamplesSinceOver() uint64 { return atomic.LoadUint64(&f.samplesSinceOver) }

// Samples returns the cumulative count of ingested complex samples.
func (f *Frontend) Samples() uint64 { return atomic.LoadUint64(&f.samples) }

// IFPower returns the current EWMA of per-block mean squared magnitude.
func (f *Frontend) IFPower() float64 {
	return math.Float64frombits(atomic.LoadUint64(&f.ifPowerBits))
}

// NoteClip increments the overrange counter and resets the
// run-length-since-clip counter; called once per clipped component.
func (f *Frontend) NoteClip() {
	atomic.AddUint64(&f.overranges, 1)
	atomic.StoreUint64(&f.samplesSinceOver, 0)
}

// NoteClean increments the run-length-since-clip counter; called once
// per non-clipped component.
func (f *Frontend) NoteClean() {
	atomic.AddUint64(&f.samplesSinceOver, 1)
}

// AccountBlock is called once per ingested datagram: it advances the
// cumulative sample count by n and folds the block's mean energy into
// the if_power EWMA with alpha=0.05, matching §3/§4.1.
func (f *Frontend) AccountBlock(n int, energy float64) {
	if n <= 0 {
		return
	}
	atomic.AddUint64(&f.samples, uint64(n))
	for {
		old := atomic.LoadUint64(&f.ifPowerBits)
		oldPower := math.Float64frombits(old)
		newPower := oldPower + 0.05*(energy/float64(n)-oldPower)
		if atomic.CompareAndSwapUint64(&f.ifPowerBits, old, math.Float64bits(newPower)) {
			return
		}
	}
}
