// Package demod declares the interfaces this core calls out to but
// does not implement — filter kernels, demodulators, audio encoders,
// the RTP sender, and the spectrum bin aggregator — plus the
// per-channel worker glue that drives them. §1 scopes DSP execution
// itself as a non-goal; this core owns channel state and dispatch,
// pulls IQ blocks off the frontend ring, and hands them to these
// collaborators.
package demod

import (
	"context"
	"log"
	"sync"

	"github.com/pion/rtp"

	"github.com/ka9q/radiod-core/internal/channel"
)

// Filterer runs a channel's first/second-stage filter over a block of
// input samples, returning the filtered result. A nil Filterer means
// passthrough (no kernel linked in).
type Filterer interface {
	Filter(ch *channel.Channel, in []complex64) (out []complex64, err error)
}

// Demodulator runs a channel's selected demod type over filtered
// samples, producing PCM. Called once per block while the channel is
// InUse.
type Demodulator interface {
	Demodulate(ch *channel.Channel, in []complex64) (pcm []float32, err error)
}

// Encoder turns a block of PCM into the channel's configured output
// encoding (PCM passthrough or Opus), for RTP transmission.
type Encoder interface {
	Encode(ch *channel.Channel, pcm []float32) (payload []byte, err error)
}

// Sender transmits one RTP packet to a channel's destination socket.
// The worker builds the header; framing and transmission are the
// sender's problem, not this core's — §1.
type Sender interface {
	Send(ch *channel.Channel, hdr *rtp.Header, payload []byte) error
}

// SpectrumAggregator owns Channel.Spectrum.BinData exclusively (I1):
// it accumulates noncoherent power bins from input samples and, on
// Poll, folds the accumulated state into BinData for the status
// emitter to read. The control plane only ever writes BinCount/BinBW;
// it never touches BinData.
type SpectrumAggregator interface {
	Accumulate(ch *channel.Channel, in []complex64)
	Poll(ch *channel.Channel)
	Reset(ch *channel.Channel)
}

// defaultBlockRate is the block cadence assumed when a channel has no
// filter block size yet: the family's 20 ms default block time.
const defaultBlockRate = 50

// Pipeline bundles one set of collaborators and tracks the worker
// goroutine running for each channel. The dispatcher hands channels to
// it on creation and restart; Stop/Shutdown tear workers down on
// expiry and process exit.
type Pipeline struct {
	Filter   Filterer
	Demod    Demodulator
	Encode   Encoder
	Send     Sender
	Spectrum SpectrumAggregator

	// Root bounds every worker's lifetime; nil means Background.
	Root context.Context

	mu      sync.Mutex
	cancels map[uint32]context.CancelFunc
}

// complete reports whether enough collaborators are linked in to run
// an output-producing worker.
func (p *Pipeline) complete() bool {
	return p.Demod != nil && p.Encode != nil && p.Send != nil
}

// Start launches the worker for ch, first stopping any worker already
// running for its SSRC — so Restart is Start. When neither a complete
// demod/encode/send chain nor a spectrum aggregator is linked in, the
// hand-off is logged and nothing is spawned; the channel still exists
// and answers status polls.
func (p *Pipeline) Start(ch *channel.Channel) {
	ssrc := ch.Output.SSRC
	if !p.complete() && p.Spectrum == nil {
		log.Printf("demod: no worker pipeline linked in for ssrc %d (%v)", ssrc, ch.DemodType)
		return
	}

	root := p.Root
	if root == nil {
		root = context.Background()
	}
	ctx, cancel := context.WithCancel(root)

	p.mu.Lock()
	if p.cancels == nil {
		p.cancels = make(map[uint32]context.CancelFunc)
	}
	if old, ok := p.cancels[ssrc]; ok {
		old()
	}
	p.cancels[ssrc] = cancel
	p.mu.Unlock()

	go p.run(ctx, ch)
}

// Restart tears down ch's worker and spawns a fresh one, the §4.2
// restart decision's endpoint.
func (p *Pipeline) Restart(ch *channel.Channel) { p.Start(ch) }

// Stop cancels the worker for ssrc, if any.
func (p *Pipeline) Stop(ssrc uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[ssrc]; ok {
		cancel()
		delete(p.cancels, ssrc)
	}
}

// Shutdown cancels every worker.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ssrc, cancel := range p.cancels {
		cancel()
		delete(p.cancels, ssrc)
	}
}

// Active returns the number of workers currently tracked.
func (p *Pipeline) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// run is one channel's worker loop: block on fresh ring data, pull a
// filter-block-sized snapshot, and either feed the spectrum
// aggregator or run the filter/demod/encode/send chain. Per-block
// errors are counted and never escape the worker (§7).
func (p *Pipeline) run(ctx context.Context, ch *channel.Channel) {
	fe := ch.Frontend
	if fe == nil || fe.Ring == nil {
		return
	}

	for {
		notify := fe.Ring.Notify()
		select {
		case <-ctx.Done():
			return
		case <-notify:
		}

		n := ch.Filter.BlockSize
		if n <= 0 {
			n = fe.SampleRate / defaultBlockRate
		}
		if n <= 0 {
			continue
		}
		in := fe.Ring.Snapshot(n)

		ch.Status.Lock()
		ch.Status.BlocksSincePoll++
		ch.Status.Unlock()

		if ch.DemodType == channel.SpectDemod {
			if p.Spectrum != nil {
				p.Spectrum.Accumulate(ch, in)
			}
			continue
		}
		if !p.complete() {
			continue
		}

		if p.Filter != nil {
			out, err := p.Filter.Filter(ch, in)
			if err != nil {
				ch.Output.Errors++
				continue
			}
			in = out
		}
		pcm, err := p.Demod.Demodulate(ch, in)
		if err != nil {
			ch.Output.Errors++
			continue
		}
		payload, err := p.Encode.Encode(ch, pcm)
		if err != nil {
			ch.Output.Errors++
			continue
		}
		hdr := ch.Output.NewRTPHeader()
		if err := p.Send.Send(ch, hdr, payload); err != nil {
			ch.Output.Errors++
			continue
		}
		ch.Output.Packets++
		ch.Output.Bytes += uint64(len(payload))
		ch.Output.Samples += uint64(len(pcm))
		ch.Output.RTPTimestamp += uint32(len(pcm))
	}
}
