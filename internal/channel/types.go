// Package channel implements per-SSRC channel state, its fixed-size
// store, idle expiry, and RTP payload-type derivation — §3 "Channel"
// and §4.3's status bookkeeping. Presets are applied by package preset.
package channel

import (
	"math"
	"net"
	"sync"

	"github.com/ka9q/radiod-core/internal/frontend"
)

// DemodType selects which demodulator a channel runs.
type DemodType int

const (
	LinearDemod DemodType = iota
	FMDemod
	WFMDemod
	SpectDemod
	NumDemod
)

func (d DemodType) String() string {
	switch d {
	case LinearDemod:
		return "linear"
	case FMDemod:
		return "fm"
	case WFMDemod:
		return "wfm"
	case SpectDemod:
		return "spectrum"
	default:
		return "unknown"
	}
}

// Encoding selects the output payload format.
type Encoding int

const (
	NoEncoding Encoding = iota
	PCMEncoding
	OpusEncoding
	UnusedEncoding
)

// Output holds the RTP/network-facing fields of a channel (§3 Output).
type Output struct {
	SSRC         uint32
	DestSocket   *net.UDPAddr
	SourceSocket *net.UDPAddr
	RTPType      byte
	RTPTimestamp uint32
	SampRate     int
	Channels     int // 1 or 2
	Encoding     Encoding
	OpusBitrate  int
	Gain         float32 // voltage
	Headroom     float32 // voltage
	Power        float32

	Bytes, Packets, Errors uint64
	Samples                uint64

	MinPacket int // <= 4
	TTL       int
}

// Tune holds the tuning triple and Doppler tracking (§3 Tuning).
type Tune struct {
	Freq         float64 // Hz
	Shift        float64 // Hz
	SecondLO     float64 // Hz
	Doppler      float64
	DopplerRate  float64
}

// Filter holds the first-stage filter parameters (§3 Filter).
type Filter struct {
	MinIF, MaxIF  float32 // Hz
	KaiserBeta    float32
	ImpulseLength int
	BlockSize     int
	Drops         int64
	// Remainder is the fine-oscillator phase; NaN is the sentinel
	// meaning "force re-init" (see design note on tagged variants —
	// kept in-band here to match the wire/status surface directly).
	Remainder float64
}

// NeedsInit reports whether the fine oscillator must be reinitialized.
func (f *Filter) NeedsInit() bool { return math.IsNaN(f.Remainder) }

// ForceInit sets the NaN sentinel.
func (f *Filter) ForceInit() { f.Remainder = math.NaN() }

// Filter2 holds the post-filter stage parameters (§3 Filter2).
type Filter2 struct {
	Blocking      int // 0..10
	KaiserBeta    float32
	ISB           bool // independent sideband
	ImpulseLength int
	BlockSize     int
}

// PLL holds phase-lock-loop demod state.
type PLL struct {
	Enable    bool
	Square    bool
	Bandwidth float32
	CPhase    float32
	Lock      bool
	SNR       float32
	Rotations int64
}

// Linear holds linear-demod state.
type Linear struct {
	AGC           bool
	Hangtime      float32
	Threshold     float32 // voltage
	RecoveryRate  float32 // voltage
	Envelope      bool
}

// FM holds FM/WFM demod state.
type FM struct {
	Threshold     bool
	Rate          float32
	Gain          float32
	PDeviation    float32
	ToneFreq      float32
	ToneDeviation float32
	SNR           float32
	StereoEnable  bool
}

// Spectrum holds noncoherent spectrum-analysis state. BinData is owned
// exclusively by the spectrum worker (external); the control plane may
// change BinCount/BinBW and must not touch BinData — see Invariant I1.
type Spectrum struct {
	BinCount int
	BinBW    float32
	BinData  []float32
}

// Squelch holds squelch thresholds as power ratios. A value of 0.0
// means "always open" (the sentinel assigned when a caller sends
// <= -999 dB) — see design note on the tagged-variant alternative.
type Squelch struct {
	Open, Close float32
}

// AlwaysOpen reports whether the given threshold is the "always open"
// sentinel.
func AlwaysOpen(threshold float32) bool { return threshold == 0.0 }

// Status holds the per-channel control-plane bookkeeping (§3 Status).
type Status struct {
	mu sync.Mutex // guards the fields below (command/length/global timer/tag)

	Tag             uint32
	PacketsIn       uint64
	PacketsOut      uint64
	BlocksSincePoll int64
	GlobalTimer     int
	OutputInterval  int

	command []byte // pending mailbox payload, single slot
	DestSocket *net.UDPAddr
}

// Lock/Unlock expose the status mutex to callers needing to group
// several field updates atomically (e.g. the broadcast sweep in §4.2).
func (s *Status) Lock()   { s.mu.Lock() }
func (s *Status) Unlock() { s.mu.Unlock() }

// Enqueue places cmd in the single-slot mailbox. It returns false
// (and drops cmd) if the slot is already occupied — the documented
// lossy behavior until a real queue is introduced (§4.2, §7).
func (s *Status) Enqueue(cmd []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.command != nil {
		return false
	}
	s.command = cmd
	return true
}

// Dequeue removes and returns the pending mailbox payload, if any.
func (s *Status) Dequeue() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := s.command
	s.command = nil
	return cmd
}

// Reset zeroes the per-poll integrators, matching reset_radio_status().
func (s *Status) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BlocksSincePoll = 0
}

// Channel is one demodulation/output instance, keyed by SSRC.
type Channel struct {
	Output   Output
	Tune     Tune
	Filter   Filter
	Filter2  Filter2
	DemodType DemodType
	PLL      PLL
	Linear   Linear
	FM       FM
	Spectrum Spectrum
	SquelchState Squelch
	SNRSquelchEnable bool

	Status Status

	Preset   string
	Options  uint64
	Lifetime int
	InUse    bool

	TP1, TP2 float64 // test points; NaN means unused

	Frontend *frontend.Frontend // back-reference, never ownership

	SigNoiseDensity float64 // N0 estimate feeding NOISE_DENSITY status
	SigBBPower      float64
	SigFreqOffset   float64
}

// New creates a channel bound to fe for the given SSRC with sane
// defaults (test points unused, oscillator phase forced to re-init).
func New(ssrc uint32, fe *frontend.Frontend) *Channel {
	c := &Channel{
		Frontend: fe,
		TP1:      math.NaN(),
		TP2:      math.NaN(),
	}
	c.Output.SSRC = ssrc
	c.Output.Channels = 1
	c.Filter.ForceInit()
	return c
}
