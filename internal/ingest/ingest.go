// Package ingest implements the front-end ingest driver for a
// networked IQ source: a TCP control session to a remote WebSDR-style
// server, receiver-slice auto-selection, UDP IQ reception, and
// delivery into the frontend's ring — §4.1.
package ingest

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/ka9q/radiod-core/internal/dictionary"
	"github.com/ka9q/radiod-core/internal/frontend"
	"github.com/ka9q/radiod-core/internal/scheduler"
)

// State is a point in the driver's connection state machine (§4.1).
type State int

const (
	Disconnected State = iota
	Connected
	Attached
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Attached:
		return "attached"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

const (
	defaultSampRate      = 192000
	defaultPort          = 50001
	defaultUDPPort       = 50100
	defaultScalingFactor = 16
	inputPriority        = 95 // documented "input priority" tier, §5
	tcpTimeout           = 5 * time.Second
	udpBufferSize        = 8192
	probeReceivers       = 8
	probeSettleDelay     = 100 * time.Millisecond
)

// allowedKeys is the §6 "Ingest configuration keys" allow-list; a key
// outside this set is logged and otherwise ignored, matching
// config_validate_section's warn-and-continue behavior.
var allowedKeys = []string{
	"device", "description", "hardware", "library", "host", "port",
	"udp_port", "receiver", "scaling", "samprate", "frequency", "calibrate",
}

// Driver owns the TCP control session and UDP receive loop for one
// cwsl_websdr-style front end.
type Driver struct {
	fe *frontend.Frontend

	host                        string
	tcpPort, udpPort, receiver  int
	scalingFactor               int
	scale                       float32
	blockInSamples, l0Frequency int

	tcpConn net.Conn
	tcpMu   sync.Mutex

	udpConn *net.UDPConn

	stateMu sync.RWMutex
	state   State

	runID string
}

// Setup parses section per §6, validates it, connects to the remote
// server, selects a receiver slice (explicit or auto), and initializes
// the given frontend's parameters. It does not start streaming —
// callers invoke Start separately, matching cwsl_websdr_setup vs
// cwsl_websdr_startup in the original.
func Setup(section dictionary.Section, fe *frontend.Frontend) (*Driver, error) {
	if device := section.GetString("device", ""); !strings.EqualFold(device, "cwsl_websdr") {
		return nil, fmt.Errorf("ingest: section is not for cwsl_websdr (device=%q)", device)
	}
	if unknown := section.Validate(allowedKeys); len(unknown) > 0 {
		log.Printf("ingest: warning: unrecognized config keys: %v", unknown)
	}

	d := &Driver{
		fe:            fe,
		host:          section.GetString("host", "localhost"),
		tcpPort:       section.GetInt("port", defaultPort),
		udpPort:       section.GetInt("udp_port", defaultUDPPort),
		receiver:      section.GetInt("receiver", -1),
		scalingFactor: section.GetInt("scaling", defaultScalingFactor),
		runID:         uuid.New().String(),
	}
	if d.scalingFactor < 1 || d.scalingFactor > 64 {
		log.Printf("ingest[%s]: invalid scaling factor %d, using default %d", d.runID, d.scalingFactor, defaultScalingFactor)
		d.scalingFactor = defaultScalingFactor
	}

	sampRate := section.GetInt("samprate", defaultSampRate)
	if sampRate <= 0 {
		log.Printf("ingest[%s]: invalid sample rate, reverting to default", d.runID)
		sampRate = defaultSampRate
	}
	fe.SampleRate = sampRate
	fe.Description = section.GetString("description", "cwsl-websdr")

	var targetFreq float64
	if p := section.GetString("frequency", ""); p != "" {
		f, err := dictionary.ParseFrequency(p)
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		targetFreq = f
		fe.SetCenterFrequency(f)
		fe.Locked = true
	} else if d.receiver < 0 {
		return nil, fmt.Errorf("ingest: frequency must be specified when receiver is not explicitly set")
	}

	if err := d.connect(); err != nil {
		return nil, fmt.Errorf("ingest: connect to %s:%d: %w", d.host, d.tcpPort, err)
	}

	if err := d.attachReceiver(targetFreq); err != nil {
		d.disconnect()
		return nil, fmt.Errorf("ingest: attach receiver: %w", err)
	}

	fe.Calibrate = section.GetDouble("calibrate", 0)
	fe.SetCenterFrequency(float64(d.l0Frequency))
	fe.SampleRate = sampRate // may have been overwritten by SampleRate= in attach reply
	fe.MinIF = -0.47 * float64(fe.SampleRate)
	fe.MaxIF = 0.47 * float64(fe.SampleRate)
	fe.IsReal = false
	fe.BitsPerSample = 16

	log.Printf("ingest[%s]: %s connected to %s:%d, receiver %d, samprate %d Hz, udp port %d, scaling %d, freq %.3f Hz, calibrate %g",
		d.runID, fe.Description, d.host, d.tcpPort, d.receiver, fe.SampleRate, d.udpPort, d.scalingFactor, fe.CenterFrequency(), fe.Calibrate)

	return d, nil
}

func (d *Driver) setState(s State) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

// State returns the driver's current connection state.
func (d *Driver) State() State {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state
}

func (d *Driver) connect() error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", d.host, d.tcpPort), tcpTimeout)
	if err != nil {
		return err
	}
	d.tcpConn = conn
	d.setState(Connected)
	return nil
}

// sendCommand serializes one request/response exchange on the TCP
// control session: send with a CRLF terminator, then receive with a
// 5s deadline, trimming trailing CR/LF/space (§4.1).
func (d *Driver) sendCommand(cmd string) (string, error) {
	d.tcpMu.Lock()
	defer d.tcpMu.Unlock()

	if d.tcpConn == nil {
		return "", fmt.Errorf("not connected")
	}
	if err := d.tcpConn.SetWriteDeadline(time.Now().Add(tcpTimeout)); err != nil {
		return "", err
	}
	if _, err := fmt.Fprintf(d.tcpConn, "%s\r\n", cmd); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	if err := d.tcpConn.SetReadDeadline(time.Now().Add(tcpTimeout)); err != nil {
		return "", err
	}
	buf := make([]byte, 512)
	n, err := d.tcpConn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("recv: %w", err)
	}
	resp := string(buf[:n])
	resp = strings.TrimRight(resp, "\r\n ")
	return resp, nil
}

// attachReceiver implements §4.1's receiver-selection policy: an
// explicit configured id attaches once; otherwise receivers 0..7 are
// probed sequentially for the one whose L0 is closest to targetFreq.
func (d *Driver) attachReceiver(targetFreq float64) error {
	var resp string
	var err error

	if d.receiver >= 0 {
		resp, err = d.sendCommand(fmt.Sprintf("attach %d", d.receiver))
		if err != nil {
			return err
		}
		if !strings.HasPrefix(resp, "OK") {
			return fmt.Errorf("attach failed: %s", resp)
		}
	} else {
		bestReceiver := -1
		bestL0 := 0
		minDistance := math.MaxInt64

		log.Printf("ingest[%s]: searching for receiver covering %.3f MHz", d.runID, targetFreq/1e6)
		for rx := 0; rx < probeReceivers; rx++ {
			r, err := d.sendCommand(fmt.Sprintf("attach %d", rx))
			if err != nil || !strings.HasPrefix(r, "OK") {
				continue
			}
			l0 := parseReplyInt(r, "L0=")
			distance := int(math.Abs(targetFreq - float64(l0)))
			if distance < minDistance {
				minDistance = distance
				bestReceiver = rx
				bestL0 = l0
			}
			d.sendCommand(fmt.Sprintf("detach %d", rx))
			time.Sleep(probeSettleDelay)
		}
		if bestReceiver < 0 {
			return fmt.Errorf("no suitable receiver found for %.3f MHz", targetFreq/1e6)
		}
		log.Printf("ingest[%s]: selected receiver %d (L0=%.3f MHz, distance=%.3f MHz)", d.runID, bestReceiver, float64(bestL0)/1e6, float64(minDistance)/1e6)

		d.receiver = bestReceiver
		resp, err = d.sendCommand(fmt.Sprintf("attach %d", d.receiver))
		if err != nil {
			return err
		}
		if !strings.HasPrefix(resp, "OK") {
			return fmt.Errorf("attach failed: %s", resp)
		}
	}

	if sr := parseReplyInt(resp, "SampleRate="); sr > 0 {
		d.fe.SampleRate = sr
	}
	d.blockInSamples = parseReplyInt(resp, "BlockInSamples=")
	d.l0Frequency = parseReplyInt(resp, "L0=")

	d.setState(Attached)
	return nil
}

func parseReplyInt(resp, key string) int {
	idx := strings.Index(resp, key)
	if idx < 0 {
		return 0
	}
	rest := resp[idx+len(key):]
	end := strings.IndexByte(rest, ' ')
	if end >= 0 {
		rest = rest[:end]
	}
	n, _ := strconv.Atoi(rest)
	return n
}

// Start computes the scaling factor, opens the UDP socket, sends
// "start iq", and launches the keepalive sentinel and UDP reader
// goroutines. ctx's cancellation is the process-wide stop token (§5,
// §9 design note): cancelling it drains the reader, which tears down
// the session in reverse state order.
func (d *Driver) Start(ctx context.Context) error {
	d.scale = scaleFromBits(d.fe.BitsPerSample)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: d.udpPort})
	if err != nil {
		return fmt.Errorf("ingest: bind udp port %d: %w", d.udpPort, err)
	}
	d.udpConn = conn

	resp, err := d.sendCommand(fmt.Sprintf("start iq %d %d", d.udpPort, d.scalingFactor))
	if err != nil || !strings.HasPrefix(resp, "OK") {
		conn.Close()
		return fmt.Errorf("ingest: start iq failed: %v %q", err, resp)
	}
	d.setState(Streaming)

	go d.keepaliveLoop(ctx)
	go d.udpReadLoop(ctx)

	log.Printf("ingest[%s]: streaming started on udp port %d, scaling %d", d.runID, d.udpPort, d.scalingFactor)
	return nil
}

// scaleFromBits derives the normalization factor applied to raw int16
// IQ samples from the configured bits-per-sample, matching scale_AD().
func scaleFromBits(bits int) float32 {
	if bits <= 0 {
		bits = 16
	}
	return 1.0 / float32(int64(1)<<(bits-1))
}

func (d *Driver) keepaliveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
			if d.State() != Streaming {
				return
			}
		}
	}
}

// udpReadLoop is the pinned, elevated-priority reader described in §5:
// it locks itself to an OS thread, restricts that thread to one core,
// and asks for realtime input priority before blocking in Read.
func (d *Driver) udpReadLoop(ctx context.Context) {
	if err := scheduler.PinCurrentThread(scheduler.CPUCount() - 1); err != nil {
		log.Printf("ingest[%s]: cpu pin failed: %v", d.runID, err)
	}
	scheduler.Realtime(inputPriority)

	buf := make([]byte, udpBufferSize)
	reI := make([]float64, 0, udpBufferSize/4)
	imI := make([]float64, 0, udpBufferSize/4)

	for {
		select {
		case <-ctx.Done():
			d.disconnect()
			return
		default:
		}

		d.udpConn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := d.udpConn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Printf("ingest[%s]: udp recv error: %v", d.runID, err)
			break
		}
		if n < 4 {
			continue
		}

		d.ingestDatagram(buf[:n], &reI, &imI)
	}

	d.disconnect()
}

// ingestDatagram converts one UDP payload of interleaved little-endian
// int16 (I,Q) pairs into normalized complex samples, counts clipped
// components, publishes the block to the ring with a single advance,
// and folds its energy into the frontend's power estimate. reI/imI are
// caller-owned scratch, reused across datagrams.
func (d *Driver) ingestDatagram(buf []byte, reI, imI *[]float64) {
	sampCount := len(buf) / 4
	samples := make([]complex64, sampCount)
	re := (*reI)[:0]
	im := (*imI)[:0]

	for i := 0; i < sampCount; i++ {
		iv := int16(uint16(buf[4*i]) | uint16(buf[4*i+1])<<8)
		qv := int16(uint16(buf[4*i+2]) | uint16(buf[4*i+3])<<8)

		if iv == math.MinInt16 || iv == math.MaxInt16 {
			d.fe.NoteClip()
		} else {
			d.fe.NoteClean()
		}
		if qv == math.MinInt16 || qv == math.MaxInt16 {
			d.fe.NoteClip()
		} else {
			d.fe.NoteClean()
		}

		samples[i] = complex(d.scale*float32(iv), d.scale*float32(qv))
		re = append(re, float64(iv))
		im = append(im, float64(qv))
	}
	*reI, *imI = re, im

	energy := floats.Dot(re, re) + floats.Dot(im, im)
	energy *= float64(d.scale) * float64(d.scale)

	start, ok := d.fe.Ring.Reserve(sampCount)
	if ok {
		d.fe.Ring.Write(start, samples)
	}
	d.fe.AccountBlock(sampCount, energy)
}

// Tune sends "frequency <Hz>" on the control session, unless the
// frontend is locked (an explicit initial frequency was configured),
// in which case it's a no-op returning the current frequency.
func (d *Driver) Tune(freq float64) float64 {
	if d.fe.Locked {
		return d.fe.CenterFrequency()
	}
	resp, err := d.sendCommand(fmt.Sprintf("frequency %d", int64(freq)))
	if err != nil || !strings.HasPrefix(resp, "OK") {
		log.Printf("ingest[%s]: failed to tune to %.3f Hz: %v %q", d.runID, freq, err, resp)
		return d.fe.CenterFrequency()
	}
	d.fe.SetCenterFrequency(freq)
	return d.fe.CenterFrequency()
}

// disconnect tears the session down in reverse state order: stop
// streaming, detach, quit, close sockets.
func (d *Driver) disconnect() {
	if d.State() == Disconnected {
		return
	}
	if d.State() == Streaming {
		d.sendCommand("stop iq")
		d.setState(Attached)
	}
	d.sendCommand(fmt.Sprintf("detach %d", d.receiver))
	d.setState(Connected)
	d.sendCommand("quit")

	if d.udpConn != nil {
		d.udpConn.Close()
		d.udpConn = nil
	}
	if d.tcpConn != nil {
		d.tcpConn.Close()
		d.tcpConn = nil
	}
	d.setState(Disconnected)
}

// Shutdown is the external trigger for the same teardown disconnect
// performs; ctx cancellation (the process-wide stop token) normally
// drives this from within udpReadLoop, but callers may also invoke it
// directly, e.g. in tests.
func (d *Driver) Shutdown() {
	d.disconnect()
}
