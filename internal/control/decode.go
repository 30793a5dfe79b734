// Package control implements the UDP control-plane dispatcher: packet
// framing and SSRC routing, the per-option command decoder, and the
// status encoder — §4.2 "Command/status dispatcher", §4.3 "Status
// encoding". Grounded in ka9q-radio's radio_status() and
// decode_radio_commands_with_source() (original_source/src/radio_status.c).
package control

import (
	"log"
	"math"

	"github.com/ka9q/radiod-core/internal/channel"
	"github.com/ka9q/radiod-core/internal/preset"
	"github.com/ka9q/radiod-core/internal/tlv"
	"github.com/ka9q/radiod-core/internal/units"
)

// blockRateHz is the status-update block rate assumed when rounding a
// caller-supplied OUTPUT_SAMPRATE to a valid multiple (I2). It matches
// the 20ms default block time used throughout the ka9q-radio family
// (50 blocks/s); §4.2 names no other value.
const blockRateHz = 50

// Well-known destination ports forced onto the data/status sockets
// when a command rewrites OUTPUT_DATA_DEST_SOCKET (§6 port conventions).
const (
	DefaultRTPPort  = 5004
	DefaultStatPort = 5006
)

// Result summarizes what a command application decided, so the caller
// (the demod/filter machinery, outside this core's scope) knows what
// to do next — §4.2's restart-vs-new-filter distinction.
type Result struct {
	Restart   bool // demodulator must be torn down and rebuilt
	NewFilter bool // filter edges/beta changed, response must be recomputed
	SkipPoll  bool // spectrum parameters changed, skip this status cycle's poll
}

// ApplyCommand decodes one CMD packet's options onto ch, applying the
// §4.2 two-phase preset/override precedence (overrides are collected
// first, PRESET is applied if present, then the collected overrides
// are reapplied so the caller always wins), and reports what changed.
// Non-finite floats are dropped; values that are semantically
// non-negative (gains in dB, thresholds, recovery rates, Kaiser beta)
// are taken as their absolute value. Unknown tags fall through the
// switch and are ignored.
func ApplyCommand(ch *channel.Channel, opts []tlv.Option, presets preset.Table) Result {
	var res Result
	ov := preset.NewOverrides()

	// I5: reset the self-destruct timer only for a channel that is both
	// alive and tuned somewhere; a channel parked at 0 Hz is left to
	// expire even under continuous CMD traffic.
	ch.ResetLifetimeOnCommand()

	oldShift := ch.Tune.Shift
	oldDemod := ch.DemodType
	oldSampRate := ch.Output.SampRate
	oldChannels := ch.Output.Channels
	oldEncoding := ch.Output.Encoding
	oldMinIF := ch.Filter.MinIF
	oldMaxIF := ch.Filter.MaxIF
	oldKaiserBeta := ch.Filter.KaiserBeta
	oldFilter2KaiserBeta := ch.Filter2.KaiserBeta

	var presetName string

	for _, o := range opts {
		switch o.Tag {
		case tlv.COMMAND_TAG:
			ch.Status.Tag = tlv.Int32(o.Value)

		case tlv.RADIO_FREQUENCY:
			if f := math.Abs(tlv.Double(o.Value)); !math.IsInf(f, 0) && !math.IsNaN(f) {
				ch.Tune.Freq = f
			}
		case tlv.FIRST_LO_FREQUENCY:
			f := math.Abs(tlv.Double(o.Value))
			if !math.IsInf(f, 0) && !math.IsNaN(f) && f != 0 && ch.Frontend != nil {
				ch.Frontend.SetCenterFrequency(f)
			}
		case tlv.SHIFT_FREQUENCY:
			if f := tlv.Double(o.Value); isFinite64(f) {
				ch.Tune.Shift = f
			}
		case tlv.DOPPLER_FREQUENCY:
			if f := tlv.Double(o.Value); isFinite64(f) {
				ch.Tune.Doppler = f
			}
		case tlv.DOPPLER_FREQUENCY_RATE:
			if f := tlv.Double(o.Value); isFinite64(f) {
				ch.Tune.DopplerRate = f
			}

		case tlv.LOW_EDGE:
			f := tlv.Float(o.Value)
			if !isFinite(f) {
				break
			}
			ov.LowEdge = f
			ov.HasLowEdge = true
			// Applied eagerly for non-spectrum channels to support the
			// no-preset case; the post-PRESET override pass confirms it.
			// For spectrum channels the edges are informational only.
			if ch.DemodType != channel.SpectDemod {
				if min := -float32(ch.Output.SampRate) / 2; ch.Output.SampRate > 0 && f < min {
					f = min
				}
				ch.Filter.MinIF = f
				res.NewFilter = true
			}
		case tlv.HIGH_EDGE:
			f := tlv.Float(o.Value)
			if !isFinite(f) {
				break
			}
			ov.HighEdge = f
			ov.HasHighEdge = true
			if ch.DemodType != channel.SpectDemod {
				if max := float32(ch.Output.SampRate) / 2; ch.Output.SampRate > 0 && f > max {
					f = max
				}
				ch.Filter.MaxIF = f
				res.NewFilter = true
			}
		case tlv.NONCOHERENT_BIN_BW:
			if f := tlv.Float(o.Value); isFinite(f) {
				ov.BinBW = f
				ov.HasBinBW = true
			}
		case tlv.BIN_COUNT:
			if n := int(tlv.Int32(o.Value)); n > 0 {
				ov.BinCount = n
			}

		case tlv.KAISER_BETA:
			f := abs32(tlv.Float(o.Value))
			if isFinite(f) && f != ch.Filter.KaiserBeta {
				ch.Filter.KaiserBeta = f
				res.NewFilter = true
			}
		case tlv.FILTER2_KAISER_BETA:
			f := abs32(tlv.Float(o.Value))
			if isFinite(f) && f != ch.Filter2.KaiserBeta {
				ch.Filter2.KaiserBeta = f
				res.NewFilter = true
			}
		case tlv.FILTER2:
			n := int(tlv.Int32(o.Value))
			if n > 10 {
				n = 10
			}
			if n != ch.Filter2.Blocking {
				ch.Filter2.Blocking = n
				res.NewFilter = true
			}

		case tlv.PRESET:
			presetName = tlv.String(o.Value)

		case tlv.DEMOD_TYPE:
			d := channel.DemodType(tlv.Int32(o.Value))
			if d >= 0 && d < channel.NumDemod && d != ch.DemodType {
				ch.DemodType = d
			}
		case tlv.INDEPENDENT_SIDEBAND:
			isb := tlv.Bool(o.Value)
			if isb != ch.Filter2.ISB {
				ch.Filter2.ISB = isb
				res.NewFilter = true
			}
		case tlv.THRESH_EXTEND:
			ch.FM.Threshold = tlv.Bool(o.Value)
		case tlv.HEADROOM: // dB -> voltage, always negative dB
			if f := tlv.Float(o.Value); isFinite(f) {
				ch.Output.Headroom = units.DBToVoltage(-abs32(f))
			}

		case tlv.AGC_ENABLE:
			ch.Linear.AGC = tlv.Bool(o.Value)
		case tlv.GAIN:
			if f := tlv.Float(o.Value); isFinite(f) {
				ch.Output.Gain = units.DBToVoltage(f)
				// A manual gain makes no sense with the AGC re-adjusting it.
				ch.Linear.AGC = false
			}
		case tlv.AGC_HANGTIME: // seconds
			if f := tlv.Float(o.Value); isFinite(f) {
				ch.Linear.Hangtime = abs32(f)
			}
		case tlv.AGC_RECOVERY_RATE: // dB/sec, always positive
			if f := tlv.Float(o.Value); isFinite(f) {
				ch.Linear.RecoveryRate = units.DBToVoltage(abs32(f))
			}
		case tlv.AGC_THRESHOLD: // dB -> amplitude, always negative dB
			if f := tlv.Float(o.Value); isFinite(f) {
				ch.Linear.Threshold = units.DBToVoltage(-abs32(f))
			}

		case tlv.PLL_ENABLE:
			ch.PLL.Enable = tlv.Bool(o.Value)
		case tlv.PLL_BW: // Hz, always 0 or positive
			if f := tlv.Float(o.Value); isFinite(f) {
				ch.PLL.Bandwidth = abs32(f)
			}
		case tlv.PLL_SQUARE:
			ch.PLL.Square = tlv.Bool(o.Value)

		case tlv.ENVELOPE:
			ch.Linear.Envelope = tlv.Bool(o.Value)

		case tlv.SNR_SQUELCH:
			ch.SNRSquelchEnable = tlv.Bool(o.Value)

		case tlv.OUTPUT_CHANNELS:
			n := int(tlv.Int32(o.Value))
			if n != 1 && n != 2 {
				break
			}
			if ch.DemodType == channel.WFMDemod {
				// I4: for WFM, the channel count instead toggles stereo.
				ch.FM.StereoEnable = n == 2
			} else if n != ch.Output.Channels {
				ch.Output.Channels = n
			}

		case tlv.SQUELCH_OPEN:
			if f := tlv.Float(o.Value); isFinite(f) {
				ch.SquelchState.Open = squelchThreshold(f)
			}
		case tlv.SQUELCH_CLOSE:
			if f := tlv.Float(o.Value); isFinite(f) {
				ch.SquelchState.Close = squelchThreshold(f)
			}

		case tlv.STATUS_INTERVAL:
			if n := int(int32(tlv.Int32(o.Value))); n >= 0 {
				ch.Status.OutputInterval = n
			}

		case tlv.OUTPUT_ENCODING:
			e := channel.Encoding(tlv.Int32(o.Value))
			if e >= channel.NoEncoding && e < channel.UnusedEncoding {
				ch.Output.Encoding = e
			}
		case tlv.OUTPUT_SAMPRATE:
			ch.Output.SampRate = int(tlv.Int32(o.Value))
		case tlv.OPUS_BIT_RATE:
			n := int(int32(tlv.Int32(o.Value)))
			if n < 0 {
				n = -n
			}
			ch.Output.OpusBitrate = n

		case tlv.SETOPTS:
			ch.Options |= tlv.Int(o.Value)
		case tlv.CLEAROPTS:
			ch.Options &^= tlv.Int(o.Value)

		case tlv.MINPACKET:
			if n := int(tlv.Int32(o.Value)); n <= 4 {
				ch.Output.MinPacket = n
			}

		case tlv.OUTPUT_DATA_DEST_SOCKET:
			// Sets both the data and status destinations, forcing each
			// to its well-known port (§6 port conventions).
			addr := tlv.Socket(o.Value)
			if addr != nil {
				dest := *addr
				dest.Port = DefaultRTPPort
				ch.Output.DestSocket = &dest
				stat := *addr
				stat.Port = DefaultStatPort
				ch.Status.DestSocket = &stat
			}

		case tlv.RF_ATTEN:
			f := tlv.Float(o.Value)
			if !isNaN32(f) && ch.Frontend != nil && ch.Frontend.Atten != nil {
				ch.Frontend.RFAtten = f
				ch.Frontend.Atten(f)
			}
		case tlv.RF_GAIN:
			f := tlv.Float(o.Value)
			if !isNaN32(f) && ch.Frontend != nil && ch.Frontend.Gain != nil {
				ch.Frontend.RFGain = f
				ch.Frontend.Gain(f)
			}

		default:
			// Silently ignore unknown tags.
		}
	}

	if presetName != "" {
		freqBeforePreset := ch.Tune.Freq
		if err := presets.Load(ch, presetName); err == nil {
			ch.Preset = presetName
			// §4.2: if the preset changes shift, rewrite the tuned
			// frequency by the shift delta so the audible tone is
			// preserved instead of jumping.
			if ch.Tune.Shift != oldShift {
				ch.Tune.Freq = freqBeforePreset + ch.Tune.Shift - oldShift
			} else {
				ch.Tune.Freq = freqBeforePreset
			}
		} else {
			log.Printf("control: loadpreset(ssrc=%d) mode=%s failed", ch.Output.SSRC, presetName)
		}
	}

	if ch.DemodType == channel.SpectDemod {
		ch.Preset = "" // no presets in spectrum mode
		if ov.ApplySpectrum(ch) {
			res.SkipPoll = true
		}
	} else if ov.ApplyFilterEdges(ch) {
		res.NewFilter = true
	}

	// I2: the final sample rate, whether it came from an explicit
	// OUTPUT_SAMPRATE or from a preset, is rounded to the nearest valid
	// multiple of the block rate.
	if ch.Output.SampRate > 0 {
		ch.Output.SampRate = units.RoundSampleRate(ch.Output.SampRate, blockRateHz)
	}

	// I3: Opus restricts the output sample rate to a fixed set.
	if ch.Output.Encoding == channel.OpusEncoding {
		if !units.OpusRates[ch.Output.SampRate] {
			ch.Output.SampRate = 48000
		}
	}

	// §4.2: a preset load that changes any filter field also requires a
	// new filter response, independent of any override already applied.
	if ch.Filter.MinIF != oldMinIF || ch.Filter.MaxIF != oldMaxIF ||
		ch.Filter.KaiserBeta != oldKaiserBeta || ch.Filter2.KaiserBeta != oldFilter2KaiserBeta {
		res.NewFilter = true
	}

	if res.NewFilter {
		ch.Filter.ForceInit()
	}

	// Restart on a demod-type or sample-rate change; an encoding change
	// restarts only indirectly, through the sample rate it may force.
	if ch.DemodType != oldDemod || ch.Output.SampRate != oldSampRate {
		res.Restart = true
	}

	if ch.Output.SampRate != oldSampRate || ch.Output.Channels != oldChannels || ch.Output.Encoding != oldEncoding {
		ch.Output.RTPType = channel.PayloadType(ch.Output.SampRate, ch.Output.Channels, ch.Output.Encoding)
	}

	return res
}

func isFinite(f float32) bool {
	f64 := float64(f)
	return !math.IsNaN(f64) && !math.IsInf(f64, 0)
}

func isFinite64(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func isNaN32(f float32) bool { return f != f }

func abs32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}

// squelchThreshold converts a dB squelch level to the internal power
// ratio, mapping the <= -999 dB sentinel to AlwaysOpen's 0.0.
func squelchThreshold(db float32) float32 {
	if db <= -999 {
		return 0.0
	}
	return units.DBToPower(db)
}
