package control

import (
	"math"
	"net"
	"testing"

	"github.com/ka9q/radiod-core/internal/channel"
	"github.com/ka9q/radiod-core/internal/frontend"
	"github.com/ka9q/radiod-core/internal/preset"
	"github.com/ka9q/radiod-core/internal/tlv"
)

func newTestChannel() (*channel.Channel, *frontend.Frontend) {
	fe := frontend.New(48000, 1024)
	return channel.New(1, fe), fe
}

func TestApplyCommandBasicFields(t *testing.T) {
	ch, _ := newTestChannel()
	w := tlv.NewWriter(tlv.Command)
	w.Int32(tlv.OUTPUT_SSRC, 1)
	w.Double(tlv.RADIO_FREQUENCY, 7040000)
	w.Float(tlv.KAISER_BETA, 2.5)
	w.EOL()

	opts := tlv.Decode(w.Bytes()[1:])
	ApplyCommand(ch, opts, preset.Table{})

	if ch.Tune.Freq != 7040000 {
		t.Errorf("Tune.Freq = %v", ch.Tune.Freq)
	}
	if ch.Filter.KaiserBeta != 2.5 {
		t.Errorf("Filter.KaiserBeta = %v", ch.Filter.KaiserBeta)
	}
}

// TestSquelchOpenSentinel covers the SQUELCH_OPEN <= -999 dB "always
// open" sentinel scenario.
func TestSquelchOpenSentinel(t *testing.T) {
	ch, _ := newTestChannel()
	w := tlv.NewWriter(tlv.Command)
	w.Float(tlv.SQUELCH_OPEN, -999.5)
	w.EOL()

	ApplyCommand(ch, tlv.Decode(w.Bytes()[1:]), preset.Table{})
	if !channel.AlwaysOpen(ch.SquelchState.Open) {
		t.Fatalf("squelch open = %v, want the always-open sentinel", ch.SquelchState.Open)
	}
}

func TestSquelchOrdinaryThreshold(t *testing.T) {
	ch, _ := newTestChannel()
	w := tlv.NewWriter(tlv.Command)
	w.Float(tlv.SQUELCH_OPEN, -20)
	w.EOL()

	ApplyCommand(ch, tlv.Decode(w.Bytes()[1:]), preset.Table{})
	if channel.AlwaysOpen(ch.SquelchState.Open) {
		t.Fatal("ordinary threshold must not be treated as always-open")
	}
}

// TestPresetOverridePrecedence covers §4.2: a LOW_EDGE/HIGH_EDGE sent
// in the same command as PRESET still wins over the preset's values.
func TestPresetOverridePrecedence(t *testing.T) {
	ch, _ := newTestChannel()
	presets := preset.Table{
		"usb": preset.Preset{MinIF: 50, MaxIF: 2700, SampRate: 12000, Channels: 1},
	}

	w := tlv.NewWriter(tlv.Command)
	w.String(tlv.PRESET, "usb")
	w.Float(tlv.LOW_EDGE, 300)
	w.Float(tlv.HIGH_EDGE, 2400)
	w.EOL()

	ApplyCommand(ch, tlv.Decode(w.Bytes()[1:]), presets)

	if ch.Filter.MinIF != 300 {
		t.Errorf("MinIF = %v, want override 300 to win over preset's 50", ch.Filter.MinIF)
	}
	if ch.Filter.MaxIF != 2400 {
		t.Errorf("MaxIF = %v, want override 2400 to win over preset's 2700", ch.Filter.MaxIF)
	}
}

// TestPresetShiftRewritesFrequency covers §4.2: when a preset changes
// shift, the tuned frequency is rewritten by the shift delta so the
// audible tone stays put instead of jumping.
func TestPresetShiftRewritesFrequency(t *testing.T) {
	ch, _ := newTestChannel()
	ch.Tune.Freq = 7040000
	ch.Tune.Shift = 1000
	presets := preset.Table{
		"cw": preset.Preset{MinIF: 100, MaxIF: 800, SampRate: 12000, Channels: 1, Shift: 1500},
	}

	w := tlv.NewWriter(tlv.Command)
	w.String(tlv.PRESET, "cw")
	w.EOL()

	ApplyCommand(ch, tlv.Decode(w.Bytes()[1:]), presets)

	if ch.Tune.Shift != 1500 {
		t.Fatalf("Tune.Shift = %v, want preset's 1500", ch.Tune.Shift)
	}
	const want = 7040000 + 1500 - 1000
	if ch.Tune.Freq != want {
		t.Errorf("Tune.Freq = %v, want %v (old freq + shift delta)", ch.Tune.Freq, want)
	}
}

// TestPresetWithoutShiftChangePreservesFrequency covers the common
// case: a preset that doesn't touch shift must not perturb the tuned
// frequency at all.
func TestPresetWithoutShiftChangePreservesFrequency(t *testing.T) {
	ch, _ := newTestChannel()
	ch.Tune.Freq = 14250000
	ch.Tune.Shift = 0
	presets := preset.Table{
		"usb": preset.Preset{MinIF: 300, MaxIF: 2700, SampRate: 12000, Channels: 1},
	}

	w := tlv.NewWriter(tlv.Command)
	w.String(tlv.PRESET, "usb")
	w.EOL()

	ApplyCommand(ch, tlv.Decode(w.Bytes()[1:]), presets)

	if ch.Tune.Freq != 14250000 {
		t.Errorf("Tune.Freq = %v, want unchanged 14250000", ch.Tune.Freq)
	}
}

func TestOpusForcesSampRate(t *testing.T) {
	ch, _ := newTestChannel()
	w := tlv.NewWriter(tlv.Command)
	w.Int32(tlv.OUTPUT_ENCODING, uint32(channel.OpusEncoding))
	w.Int32(tlv.OUTPUT_SAMPRATE, 44100) // not a valid Opus rate
	w.EOL()

	ApplyCommand(ch, tlv.Decode(w.Bytes()[1:]), preset.Table{})
	if ch.Output.SampRate != 48000 {
		t.Fatalf("sample rate = %d, want forced to 48000 for Opus", ch.Output.SampRate)
	}
}

func TestWFMStereoToggleWithoutRestart(t *testing.T) {
	ch, _ := newTestChannel()
	ch.DemodType = channel.WFMDemod
	ch.Output.Channels = 1

	w := tlv.NewWriter(tlv.Command)
	w.Int32(tlv.OUTPUT_CHANNELS, 2)
	w.EOL()

	res := ApplyCommand(ch, tlv.Decode(w.Bytes()[1:]), preset.Table{})
	if !ch.FM.StereoEnable {
		t.Fatal("writing OUTPUT_CHANNELS=2 on a WFM channel must enable stereo (I4)")
	}
	if ch.Output.Channels != 1 {
		t.Errorf("Output.Channels = %d, want untouched 1 for WFM (I4 toggles stereo instead)", ch.Output.Channels)
	}
	if res.Restart {
		t.Fatal("WFM mono/stereo toggle must not force a restart (I4)")
	}
}

// TestNonNegativeFieldsTakeAbsoluteValue covers §4.2's "a negative
// value that is semantically non-negative is taken |.|" rule.
func TestNonNegativeFieldsTakeAbsoluteValue(t *testing.T) {
	ch, _ := newTestChannel()
	w := tlv.NewWriter(tlv.Command)
	w.Float(tlv.KAISER_BETA, -7.5)
	w.Float(tlv.AGC_HANGTIME, -1.1)
	w.EOL()

	ApplyCommand(ch, tlv.Decode(w.Bytes()[1:]), preset.Table{})
	if ch.Filter.KaiserBeta != 7.5 {
		t.Errorf("KaiserBeta = %v, want |-7.5| = 7.5", ch.Filter.KaiserBeta)
	}
	if ch.Linear.Hangtime != 1.1 {
		t.Errorf("Hangtime = %v, want |-1.1| = 1.1", ch.Linear.Hangtime)
	}
}

// TestNonFiniteFloatsRejected covers §4.2: non-finite floats are
// rejected silently, leaving the field untouched.
func TestNonFiniteFloatsRejected(t *testing.T) {
	ch, _ := newTestChannel()
	ch.Tune.Freq = 7040000
	w := tlv.NewWriter(tlv.Command)
	w.Double(tlv.RADIO_FREQUENCY, math.NaN())
	w.Float(tlv.SQUELCH_OPEN, float32(math.Inf(-1)))
	w.EOL()

	ApplyCommand(ch, tlv.Decode(w.Bytes()[1:]), preset.Table{})
	if ch.Tune.Freq != 7040000 {
		t.Errorf("Tune.Freq = %v, want unchanged after NaN command", ch.Tune.Freq)
	}
}

func TestGainDisablesAGC(t *testing.T) {
	ch, _ := newTestChannel()
	ch.Linear.AGC = true
	w := tlv.NewWriter(tlv.Command)
	w.Float(tlv.GAIN, 20)
	w.EOL()

	ApplyCommand(ch, tlv.Decode(w.Bytes()[1:]), preset.Table{})
	if ch.Linear.AGC {
		t.Fatal("an explicit GAIN must disable the AGC")
	}
}

// TestOutputDestSocketForcesWellKnownPorts covers §6's port
// conventions: OUTPUT_DATA_DEST_SOCKET sets both the data and status
// destinations, each forced to its well-known port.
func TestOutputDestSocketForcesWellKnownPorts(t *testing.T) {
	ch, _ := newTestChannel()
	w := tlv.NewWriter(tlv.Command)
	w.Socket(tlv.OUTPUT_DATA_DEST_SOCKET, &net.UDPAddr{IP: net.IPv4(239, 1, 2, 3), Port: 7777})
	w.EOL()

	ApplyCommand(ch, tlv.Decode(w.Bytes()[1:]), preset.Table{})
	if ch.Output.DestSocket == nil || ch.Output.DestSocket.Port != DefaultRTPPort {
		t.Errorf("data dest = %v, want port forced to %d", ch.Output.DestSocket, DefaultRTPPort)
	}
	if ch.Status.DestSocket == nil || ch.Status.DestSocket.Port != DefaultStatPort {
		t.Errorf("status dest = %v, want port forced to %d", ch.Status.DestSocket, DefaultStatPort)
	}
	if !ch.Output.DestSocket.IP.Equal(net.IPv4(239, 1, 2, 3)) {
		t.Errorf("data dest IP = %v, want the commanded group address", ch.Output.DestSocket.IP)
	}
}

func TestMinPacketAboveLimitIgnored(t *testing.T) {
	ch, _ := newTestChannel()
	ch.Output.MinPacket = 2
	w := tlv.NewWriter(tlv.Command)
	w.Int32(tlv.MINPACKET, 9)
	w.EOL()

	ApplyCommand(ch, tlv.Decode(w.Bytes()[1:]), preset.Table{})
	if ch.Output.MinPacket != 2 {
		t.Errorf("MinPacket = %d, want out-of-range write ignored", ch.Output.MinPacket)
	}
}

// TestLifetimeResetRules covers I5: a CMD resets the idle timer only
// for a channel that is both alive and tuned away from 0 Hz.
func TestLifetimeResetRules(t *testing.T) {
	cmd := func() []tlv.Option {
		w := tlv.NewWriter(tlv.Command)
		w.Int32(tlv.COMMAND_TAG, 1)
		w.EOL()
		return tlv.Decode(w.Bytes()[1:])
	}

	parked, _ := newTestChannel()
	parked.Lifetime = 5
	parked.Tune.Freq = 0
	ApplyCommand(parked, cmd(), preset.Table{})
	if parked.Lifetime != 5 {
		t.Errorf("parked channel lifetime = %d, want left at 5 to expire", parked.Lifetime)
	}

	tuned, _ := newTestChannel()
	tuned.Lifetime = 5
	tuned.Tune.Freq = 7040000
	ApplyCommand(tuned, cmd(), preset.Table{})
	if tuned.Lifetime != channel.DefaultIdleTimeout {
		t.Errorf("tuned channel lifetime = %d, want reset to %d", tuned.Lifetime, channel.DefaultIdleTimeout)
	}
}

// TestEncodeStatusAppendsBinDataWhenAvailable covers §4.3: a
// SpectDemod channel with a populated (externally owned, I1) bin
// buffer gets a BIN_DATA vector appended, as long as the cycle wasn't
// flagged to skip the poll.
func TestEncodeStatusAppendsBinDataWhenAvailable(t *testing.T) {
	ch, fe := newTestChannel()
	ch.DemodType = channel.SpectDemod
	ch.Spectrum.BinCount = 3
	ch.Spectrum.BinBW = 500
	ch.Spectrum.BinData = []float32{1, 2, 3}

	pkt := EncodeStatus(ch, fe, false)
	opts := tlv.Decode(pkt[1:])
	var found bool
	for _, o := range opts {
		if o.Tag == tlv.BIN_DATA {
			found = true
		}
	}
	if !found {
		t.Fatal("status encoder must append BIN_DATA when the bin buffer is populated and polling isn't skipped")
	}
}

// TestEncodeStatusOmitsBinDataWhenSkipped covers §4.2/§4.3: the
// parser's "spectrum parameters changed, skip this cycle" signal
// suppresses the BIN_DATA append even though the buffer is populated.
func TestEncodeStatusOmitsBinDataWhenSkipped(t *testing.T) {
	ch, fe := newTestChannel()
	ch.DemodType = channel.SpectDemod
	ch.Spectrum.BinCount = 3
	ch.Spectrum.BinData = []float32{1, 2, 3}

	pkt := EncodeStatus(ch, fe, true)
	opts := tlv.Decode(pkt[1:])
	for _, o := range opts {
		if o.Tag == tlv.BIN_DATA {
			t.Fatal("status encoder must not append BIN_DATA when the poll was flagged skip-this-cycle")
		}
	}
}

// TestEncodeStatusOmitsBinDataWhenNil covers §5/§7: the spectrum
// worker may transiently leave bin_data nil (mid-reallocation); the
// encoder must tolerate that rather than appending a BIN_DATA option.
func TestEncodeStatusOmitsBinDataWhenNil(t *testing.T) {
	ch, fe := newTestChannel()
	ch.DemodType = channel.SpectDemod
	ch.Spectrum.BinCount = 64
	ch.Spectrum.BinBW = 500

	pkt := EncodeStatus(ch, fe, false)
	opts := tlv.Decode(pkt[1:])
	for _, o := range opts {
		if o.Tag == tlv.BIN_DATA {
			t.Fatal("status encoder must not append BIN_DATA when bin_data is nil")
		}
	}
}

func TestEncodeStatusRoundTripsSSRC(t *testing.T) {
	ch, fe := newTestChannel()
	ch.Output.SSRC = 0xCAFEBABE

	pkt := EncodeStatus(ch, fe, false)
	if tlv.PktType(pkt[0]) != tlv.Status {
		t.Fatalf("packet kind = %d, want Status", pkt[0])
	}
	opts := tlv.Decode(pkt[1:])
	var found bool
	for _, o := range opts {
		if o.Tag == tlv.OUTPUT_SSRC {
			found = true
			if got := tlv.Int32(o.Value); got != 0xCAFEBABE {
				t.Errorf("ssrc = %#x, want 0xCAFEBABE", got)
			}
		}
	}
	if !found {
		t.Fatal("OUTPUT_SSRC missing from status")
	}
}

// TestEncodeStatusIFPowerComplexCorrection covers §4.3: IF power is
// reported with a +3 dB correction for complex (IQ) data relative to
// real-sampled data.
func TestEncodeStatusIFPowerComplexCorrection(t *testing.T) {
	ch, fe := newTestChannel()
	fe.AccountBlock(100, 100) // mean energy 1.0 -> if_power settles toward 1.0 (0 dB)

	fe.IsReal = false
	complexPkt := EncodeStatus(ch, fe, false)
	fe.IsReal = true
	realPkt := EncodeStatus(ch, fe, false)

	complexDB := findFloatOption(t, complexPkt, tlv.IF_POWER)
	realDB := findFloatOption(t, realPkt, tlv.IF_POWER)

	if diff := complexDB - realDB; diff < 2.99 || diff > 3.01 {
		t.Errorf("complex - real IF_POWER = %v dB, want +3 dB", diff)
	}
}

func findFloatOption(t *testing.T, pkt []byte, tag tlv.Tag) float32 {
	t.Helper()
	for _, o := range tlv.Decode(pkt[1:]) {
		if o.Tag == tag {
			return tlv.Float(o.Value)
		}
	}
	t.Fatalf("tag %v not found in status packet", tag)
	return 0
}
