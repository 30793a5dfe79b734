package control

import (
	"math"
	"time"

	"github.com/ka9q/radiod-core/internal/channel"
	"github.com/ka9q/radiod-core/internal/frontend"
	"github.com/ka9q/radiod-core/internal/tlv"
	"github.com/ka9q/radiod-core/internal/units"
)

// gpsUTCOffset is the current GPS-UTC leap-second offset applied when
// stamping GPS_TIME, matching gps_time_ns() in the original.
const gpsUTCOffset = 18 * time.Second

func gpsTimeNS() uint64 {
	return uint64(time.Now().Add(gpsUTCOffset).UnixNano())
}

// EncodeStatus builds one STATUS packet body for ch, mirroring
// encode_radio_status_ex's field order: identity and frontend fields
// first, then tuning, filter, the demod-specific bundle, and the
// output metadata (omitted in spectrum mode). skipSpectrumPoll is the
// parser's §4.2 "spectrum parameters changed, don't poll this cycle"
// signal; per §4.3 the encoder appends BIN_DATA for a SpectDemod
// channel only when skipSpectrumPoll is false and the (externally
// owned, I1) bin buffer is non-nil — it only ever reads that buffer
// here, never frees or reallocates it.
func EncodeStatus(ch *channel.Channel, fe *frontend.Frontend, skipSpectrumPoll bool) []byte {
	w := tlv.NewWriter(tlv.Status)

	w.Int32(tlv.OUTPUT_SSRC, ch.Output.SSRC)
	w.Int32(tlv.COMMAND_TAG, ch.Status.Tag)
	w.Int(tlv.CMD_CNT, uint64(ch.Status.PacketsIn))
	w.Int32(tlv.RTP_TIMESNAP, ch.Output.RTPTimestamp)
	w.Int(tlv.GPS_TIME, gpsTimeNS())

	if fe != nil {
		if fe.Description != "" {
			w.String(tlv.DESCRIPTION, fe.Description)
		}
		w.Int(tlv.INPUT_SAMPLES, fe.Samples())
		w.Int32(tlv.INPUT_SAMPRATE, uint32(fe.SampleRate))
		w.Bool(tlv.FE_ISREAL, fe.IsReal)
		w.Double(tlv.CALIBRATE, fe.Calibrate)
		w.Float(tlv.RF_GAIN, fe.RFGain)
		w.Float(tlv.RF_ATTEN, fe.RFAtten)
		w.Float(tlv.RF_LEVEL_CAL, fe.RFLevelCal)
		w.Bool(tlv.RF_AGC, fe.RFAGC)
		w.Int32(tlv.LNA_GAIN, uint32(fe.LNAGain))
		w.Int32(tlv.MIXER_GAIN, uint32(fe.MixerGain))
		w.Int32(tlv.IF_GAIN, uint32(fe.IFGain))
		w.Float(tlv.FE_LOW_EDGE, float32(fe.MinIF))
		w.Float(tlv.FE_HIGH_EDGE, float32(fe.MaxIF))
		w.Int32(tlv.AD_BITS_PER_SAMPLE, uint32(fe.BitsPerSample))

		w.Double(tlv.FIRST_LO_FREQUENCY, fe.CenterFrequency())

		ifPowerDB := units.PowerToDB(fe.IFPower())
		if !fe.IsReal {
			// §4.3: complex (IQ) power is reported +3 dB relative to
			// real-sampled data to account for the two-sided spectrum.
			ifPowerDB += 3
		}
		w.Float(tlv.IF_POWER, ifPowerDB)
		w.Int(tlv.AD_OVER, fe.Overranges())
		w.Int(tlv.SAMPLES_SINCE_OVER, fe.SamplesSinceOver())
	}

	w.Double(tlv.RADIO_FREQUENCY, ch.Tune.Freq)
	w.Double(tlv.SECOND_LO_FREQUENCY, ch.Tune.SecondLO)
	w.Double(tlv.SHIFT_FREQUENCY, ch.Tune.Shift)

	w.Int32(tlv.FILTER_BLOCKSIZE, uint32(ch.Filter.BlockSize))
	w.Int32(tlv.FILTER_FIR_LENGTH, uint32(ch.Filter.ImpulseLength))
	w.Int(tlv.FILTER_DROPS, uint64(ch.Filter.Drops))

	w.Float(tlv.NOISE_DENSITY, units.PowerToDB(ch.SigNoiseDensity))

	w.Int32(tlv.DEMOD_TYPE, uint32(ch.DemodType))
	if ch.Preset != "" {
		w.String(tlv.PRESET, ch.Preset)
	}

	switch ch.DemodType {
	case channel.LinearDemod:
		w.Bool(tlv.SNR_SQUELCH, ch.SNRSquelchEnable)
		w.Bool(tlv.PLL_ENABLE, ch.PLL.Enable)
		if ch.PLL.Enable {
			w.Float(tlv.FREQ_OFFSET, float32(ch.SigFreqOffset))
			w.Bool(tlv.PLL_LOCK, ch.PLL.Lock)
			w.Bool(tlv.PLL_SQUARE, ch.PLL.Square)
			w.Float(tlv.PLL_PHASE, ch.PLL.CPhase)
			w.Float(tlv.PLL_BW, ch.PLL.Bandwidth)
			w.Int(tlv.PLL_WRAPS, uint64(ch.PLL.Rotations))
			w.Float(tlv.PLL_SNR, ch.PLL.SNR)
		}
		w.Float(tlv.SQUELCH_OPEN, squelchDB(ch.SquelchState.Open))
		w.Float(tlv.SQUELCH_CLOSE, squelchDB(ch.SquelchState.Close))
		w.Bool(tlv.ENVELOPE, ch.Linear.Envelope)
		w.Bool(tlv.AGC_ENABLE, ch.Linear.AGC)
		if ch.Linear.AGC {
			w.Float(tlv.AGC_HANGTIME, ch.Linear.Hangtime)
			w.Float(tlv.AGC_THRESHOLD, units.VoltageToDB(ch.Linear.Threshold))
			w.Float(tlv.AGC_RECOVERY_RATE, units.VoltageToDB(ch.Linear.RecoveryRate))
		}
		w.Bool(tlv.INDEPENDENT_SIDEBAND, ch.Filter2.ISB)

	case channel.FMDemod, channel.WFMDemod:
		w.Bool(tlv.SNR_SQUELCH, ch.SNRSquelchEnable)
		if ch.FM.ToneFreq != 0 {
			w.Float(tlv.PL_TONE, ch.FM.ToneFreq)
			w.Float(tlv.PL_DEVIATION, ch.FM.ToneDeviation)
		}
		w.Float(tlv.FREQ_OFFSET, float32(ch.SigFreqOffset))
		w.Float(tlv.SQUELCH_OPEN, squelchDB(ch.SquelchState.Open))
		w.Float(tlv.SQUELCH_CLOSE, squelchDB(ch.SquelchState.Close))
		w.Bool(tlv.THRESH_EXTEND, ch.FM.Threshold)
		w.Float(tlv.PEAK_DEVIATION, ch.FM.PDeviation)
		w.Float(tlv.DEEMPH_TC, ch.FM.Rate)
		w.Float(tlv.DEEMPH_GAIN, units.VoltageToDB(ch.FM.Gain))
		w.Float(tlv.FM_SNR, ch.FM.SNR)

	case channel.SpectDemod:
		w.Float(tlv.NONCOHERENT_BIN_BW, ch.Spectrum.BinBW)
		w.Int32(tlv.BIN_COUNT, uint32(ch.Spectrum.BinCount))
		// §4.3/§7: a resource-change race (bin_data transiently nil
		// while the owning worker reallocates) suppresses this append,
		// not an error.
		if !skipSpectrumPoll && ch.Spectrum.BinData != nil {
			w.Vector(tlv.BIN_DATA, ch.Spectrum.BinData)
		}
	}

	w.Float(tlv.LOW_EDGE, ch.Filter.MinIF)
	w.Float(tlv.HIGH_EDGE, ch.Filter.MaxIF)

	// Most of the output metadata is meaningless in spectrum mode.
	if ch.DemodType != channel.SpectDemod {
		w.Int32(tlv.OUTPUT_SAMPRATE, uint32(ch.Output.SampRate))
		w.Int(tlv.OUTPUT_DATA_PACKETS, ch.Output.Packets)
		w.Float(tlv.KAISER_BETA, ch.Filter.KaiserBeta)
		w.Int32(tlv.FILTER2, uint32(ch.Filter2.Blocking))
		if ch.Filter2.Blocking != 0 {
			w.Int32(tlv.FILTER2_BLOCKSIZE, uint32(ch.Filter2.BlockSize))
			w.Int32(tlv.FILTER2_FIR_LENGTH, uint32(ch.Filter2.ImpulseLength))
			w.Float(tlv.FILTER2_KAISER_BETA, ch.Filter2.KaiserBeta)
		}
		w.Float(tlv.BASEBAND_POWER, units.PowerToDB(ch.SigBBPower))
		w.Float(tlv.OUTPUT_LEVEL, units.PowerToDB(float64(ch.Output.Power)))
		if ch.DemodType == channel.LinearDemod {
			w.Float(tlv.GAIN, units.VoltageToDB(ch.Output.Gain))
		}
		w.Int(tlv.OUTPUT_SAMPLES, ch.Output.Samples)
		w.Int32(tlv.OPUS_BIT_RATE, uint32(ch.Output.OpusBitrate))
		w.Float(tlv.HEADROOM, units.VoltageToDB(ch.Output.Headroom))
		w.Double(tlv.DOPPLER_FREQUENCY, ch.Tune.Doppler)
		w.Double(tlv.DOPPLER_FREQUENCY_RATE, ch.Tune.DopplerRate)
		w.Int32(tlv.OUTPUT_CHANNELS, uint32(ch.Output.Channels))
		if ch.Output.SourceSocket != nil {
			w.Socket(tlv.OUTPUT_DATA_SOURCE_SOCKET, ch.Output.SourceSocket)
		}
		if ch.Output.DestSocket != nil {
			w.Socket(tlv.OUTPUT_DATA_DEST_SOCKET, ch.Output.DestSocket)
		}
		w.Int32(tlv.OUTPUT_TTL, uint32(ch.Output.TTL))
		w.Int(tlv.OUTPUT_METADATA_PACKETS, ch.Status.PacketsOut)
		w.Byte(tlv.RTP_PT, ch.Output.RTPType)
		w.Int32(tlv.STATUS_INTERVAL, uint32(ch.Status.OutputInterval))
		w.Int32(tlv.OUTPUT_ENCODING, uint32(ch.Output.Encoding))
		w.Int32(tlv.MINPACKET, uint32(ch.Output.MinPacket))
	}

	// Test points are sent only while in use.
	if !math.IsNaN(ch.TP1) {
		w.Float(tlv.TP1, float32(ch.TP1))
	}
	if !math.IsNaN(ch.TP2) {
		w.Float(tlv.TP2, float32(ch.TP2))
	}

	w.Int(tlv.BLOCKS_SINCE_POLL, uint64(ch.Status.BlocksSincePoll))
	w.Int(tlv.SETOPTS, ch.Options)
	w.Int(tlv.OUTPUT_ERRORS, ch.Output.Errors)

	w.EOL()
	return w.Bytes()
}

// squelchDB converts the internal power-ratio threshold back to dB for
// the wire, preserving the <= -999 "always open" sentinel.
func squelchDB(threshold float32) float32 {
	if channel.AlwaysOpen(threshold) {
		return float32(math.Inf(-1))
	}
	return units.PowerToDB(float64(threshold))
}
