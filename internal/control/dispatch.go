package control

import (
	"log"
	"net"

	"github.com/ka9q/radiod-core/internal/channel"
	"github.com/ka9q/radiod-core/internal/demod"
	"github.com/ka9q/radiod-core/internal/frontend"
	"github.com/ka9q/radiod-core/internal/preset"
	"github.com/ka9q/radiod-core/internal/tlv"
)

// BroadcastSSRC is the reserved SSRC value meaning "every channel",
// used for the staggered full-sweep status broadcast (§4.2).
const BroadcastSSRC = 0xFFFFFFFF

// Dispatcher routes incoming control datagrams to the channel store
// and emits status replies, mirroring radio_status()'s top-level loop
// in the original.
type Dispatcher struct {
	Store    *channel.Store
	Presets  preset.Table
	Frontend *frontend.Frontend
	Control  *Socket
	Status   *Socket

	// Demod is the worker hand-off: each dynamically created channel is
	// started on it after its first command has been applied and its
	// initial status sent, and a command whose decode demands a restart
	// is routed back through it. Its Spectrum collaborator is also the
	// seam the status emitter polls before encoding BIN_DATA.
	Demod *demod.Pipeline
}

// HandlePacket parses one received datagram and dispatches it: SSRC 0
// is reserved and ignored, BroadcastSSRC triggers the staggered
// full-channel status sweep, and any other SSRC is looked up (or
// created) and its command handed to dispatchToChannel, matching
// §4.2's per-packet routing.
func (d *Dispatcher) HandlePacket(data []byte, src *net.UDPAddr) {
	if len(data) == 0 {
		return
	}
	kind := tlv.PktType(data[0])
	if kind != tlv.Command {
		return
	}
	payload := data[1:]
	opts := tlv.Decode(payload)

	ssrc := ssrcOf(opts)
	switch ssrc {
	case 0:
		return
	case BroadcastSSRC:
		d.broadcastSweep()
	default:
		d.dispatchToChannel(ssrc, payload)
	}
}

func ssrcOf(opts []tlv.Option) uint32 {
	for _, o := range opts {
		if o.Tag == tlv.OUTPUT_SSRC {
			return tlv.Int32(o.Value)
		}
	}
	return 0
}

// dispatchToChannel looks up or creates the channel for ssrc. For a
// freshly created channel the dispatcher runs the command itself,
// sends one status reply, resets the poll counters, and hands off to
// the demod worker. For an existing channel, the raw payload is
// copied and handed off under the channel's lock into its single-slot
// mailbox per §4.2/§5; if the slot is already occupied the command is
// dropped (documented lossy behavior, §7 "mailbox full").
func (d *Dispatcher) dispatchToChannel(ssrc uint32, payload []byte) {
	ch, created, err := d.Store.LookupOrCreate(ssrc)
	if err != nil {
		log.Printf("control: dynamic create of ssrc %d failed: %v", ssrc, err)
		return
	}

	ch.Status.Lock()
	ch.Status.PacketsIn++
	ch.Status.Unlock()

	if created {
		ch.Output.RTPType = channel.PayloadType(ch.Output.SampRate, ch.Output.Channels, ch.Output.Encoding)
		res := ApplyCommand(ch, tlv.Decode(payload), d.Presets)
		d.sendStatus(ch, res.SkipPoll)
		ch.Status.Reset()
		ch.Status.Lock()
		ch.Status.GlobalTimer = 0 // just sent one
		ch.Status.Unlock()
		if d.Demod != nil {
			d.Demod.Start(ch)
		}
		log.Printf("control: dynamically started ssrc %d", ssrc)
		return
	}

	raw := make([]byte, len(payload))
	copy(raw, payload)
	if !ch.Status.Enqueue(raw) {
		log.Printf("control: ssrc %d mailbox full, command dropped", ssrc)
		return
	}

	pending := ch.Status.Dequeue()
	if pending == nil {
		return
	}
	res := ApplyCommand(ch, tlv.Decode(pending), d.Presets)
	if res.Restart {
		log.Printf("control: restarting demodulator for ssrc %d", ssrc)
		if d.Demod != nil {
			d.Demod.Restart(ch)
		}
	}
	if res.NewFilter {
		log.Printf("control: ssrc %d requires new filter response", ssrc)
	}

	d.sendStatus(ch, res.SkipPoll)
}

// broadcastSweep implements the staggered full-channel status
// broadcast: every live channel gets its global timer set from its
// store index so replies spread out rather than bursting together
// (§4.2: "global_timer <- (index>>1)+1").
func (d *Dispatcher) broadcastSweep() {
	d.Store.Each(func(index int, c *channel.Channel) {
		if !c.InUse || c.Output.SSRC == 0 || c.Output.SSRC == BroadcastSSRC {
			return
		}
		c.Status.Lock()
		c.Status.GlobalTimer = (index >> 1) + 1
		c.Status.Unlock()
	})
}

// PollTick should be called once per status-thread tick: it
// decrements every channel's GlobalTimer and emits a status for any
// channel whose timer reaches zero, then resets it to the channel's
// configured OutputInterval (or the daemon default if unset).
func (d *Dispatcher) PollTick(defaultInterval int) {
	d.Store.Each(func(_ int, c *channel.Channel) {
		c.Status.Lock()
		if c.Status.GlobalTimer > 0 {
			c.Status.GlobalTimer--
		}
		due := c.Status.GlobalTimer == 0
		c.Status.Unlock()

		if !due {
			return
		}

		d.sendStatus(c, false)

		interval := c.Status.OutputInterval
		if interval <= 0 {
			interval = defaultInterval
		}
		c.Status.Lock()
		c.Status.GlobalTimer = interval
		c.Status.BlocksSincePoll = 0
		c.Status.Unlock()
	})
}

func (d *Dispatcher) sendStatus(ch *channel.Channel, skipSpectrumPoll bool) {
	ch.Status.Lock()
	ch.Status.PacketsOut++
	ch.Status.Unlock()

	// §4.3: poll the spectrum aggregator before encoding, unless the
	// parser flagged this cycle or the (worker-owned, I1) bin buffer is
	// transiently nil mid-reallocation.
	if ch.DemodType == channel.SpectDemod && !skipSpectrumPoll && ch.Spectrum.BinData != nil {
		if d.Demod != nil && d.Demod.Spectrum != nil {
			d.Demod.Spectrum.Poll(ch)
		}
	}

	pkt := EncodeStatus(ch, d.Frontend, skipSpectrumPoll)

	if d.Status != nil {
		if err := d.Status.Send(pkt); err != nil {
			ch.Output.Errors++
			log.Printf("control: send status for ssrc %d: %v", ch.Output.SSRC, err)
		}
	}
}

// Serve runs the receive loop on the control socket until the socket
// is closed (typically by the caller on shutdown).
func (d *Dispatcher) Serve() {
	buf := make([]byte, 9000)
	for {
		n, src, err := d.Control.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		d.HandlePacket(pkt, src)
	}
}
