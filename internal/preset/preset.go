// Package preset implements the read-only named bundle of
// filter/demod/samprate/shift fields a channel can load by name, and
// the two-phase (collect-overrides, apply-preset, reapply-overrides)
// builder that keeps caller overrides winning over preset defaults —
// §3 "Preset", §4.2 "Preset vs override precedence", design note D.
package preset

import (
	"fmt"
	"strings"

	"github.com/ka9q/radiod-core/internal/channel"
)

// demodFromString maps a preset file's demod_type string onto the
// channel package's enum, defaulting to LinearDemod for an unknown or
// empty name.
func demodFromString(s string) channel.DemodType {
	switch strings.ToLower(s) {
	case "fm":
		return channel.FMDemod
	case "wfm":
		return channel.WFMDemod
	case "spectrum", "spect":
		return channel.SpectDemod
	default:
		return channel.LinearDemod
	}
}

// encodingFromString maps a preset file's encoding string onto the
// channel package's enum, defaulting to NoEncoding.
func encodingFromString(s string) channel.Encoding {
	switch strings.ToLower(s) {
	case "pcm":
		return channel.PCMEncoding
	case "opus":
		return channel.OpusEncoding
	default:
		return channel.NoEncoding
	}
}

// Preset is one named row of the table.
type Preset struct {
	Name       string
	DemodType  channel.DemodType
	SampRate   int
	Channels   int
	Encoding   channel.Encoding
	MinIF      float32
	MaxIF      float32
	KaiserBeta float32
	Filter2KaiserBeta float32
	Shift      float64
	SquelchOpen, SquelchClose float32
}

// Table is a read-only, name-keyed collection of presets.
type Table map[string]Preset

// Load applies preset p's fields onto ch, matching loadpreset() in the
// original: it's a plain assignment of a fixed field set, not dynamic
// attribute patching.
func (t Table) Load(ch *channel.Channel, name string) error {
	p, ok := t[name]
	if !ok {
		return fmt.Errorf("preset: unknown preset %q", name)
	}
	ch.DemodType = p.DemodType
	ch.Output.SampRate = p.SampRate
	ch.Output.Channels = p.Channels
	ch.Output.Encoding = p.Encoding
	ch.Filter.MinIF = p.MinIF
	ch.Filter.MaxIF = p.MaxIF
	ch.Filter.KaiserBeta = p.KaiserBeta
	ch.Filter2.KaiserBeta = p.Filter2KaiserBeta
	ch.Tune.Shift = p.Shift
	ch.SquelchState.Open = p.SquelchOpen
	ch.SquelchState.Close = p.SquelchClose
	return nil
}

// Overrides collects the fields that §4.2 says are parsed before
// PRESET is applied but only committed to the channel after it, so
// that a caller-supplied value always wins over the preset default.
type Overrides struct {
	LowEdge, HighEdge   float32 // meaningful only when HasLowEdge/HasHighEdge is set
	HasLowEdge, HasHighEdge bool
	BinCount            int // -1: not supplied
	BinBW               float32
	HasBinBW            bool
}

// NewOverrides returns an empty overrides set with sentinels in place.
func NewOverrides() Overrides {
	return Overrides{BinCount: -1}
}

// ApplySpectrum commits BinCount/BinBW overrides onto a spectrum
// channel after PRESET has run, reporting whether anything changed
// (the caller uses this to decide whether to flag "parameters changed,
// skip spectrum_poll this cycle" per §4.2/§4.3).
func (o Overrides) ApplySpectrum(ch *channel.Channel) (changed bool) {
	if o.BinCount > 0 && o.BinCount != ch.Spectrum.BinCount {
		ch.Spectrum.BinCount = o.BinCount
		changed = true
	}
	if o.HasBinBW && o.BinBW != ch.Spectrum.BinBW {
		ch.Spectrum.BinBW = o.BinBW
		changed = true
	}
	return changed
}

// ApplyFilterEdges commits LowEdge/HighEdge overrides onto a
// non-spectrum channel's filter after PRESET has run; for spectrum
// channels the edges are informational only (§4.2) and this is not
// called for them.
func (o Overrides) ApplyFilterEdges(ch *channel.Channel) (newFilterNeeded bool) {
	if o.HasLowEdge {
		edge := o.LowEdge
		if min := -float32(ch.Output.SampRate) / 2; ch.Output.SampRate > 0 && edge < min {
			edge = min
		}
		if edge != ch.Filter.MinIF {
			ch.Filter.MinIF = edge
			newFilterNeeded = true
		}
	}
	if o.HasHighEdge {
		edge := o.HighEdge
		if max := float32(ch.Output.SampRate) / 2; ch.Output.SampRate > 0 && edge > max {
			edge = max
		}
		if edge != ch.Filter.MaxIF {
			ch.Filter.MaxIF = edge
			newFilterNeeded = true
		}
	}
	return newFilterNeeded
}
