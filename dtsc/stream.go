// Package dtsc implements the DDVTECH stream container: a live sliding
// window over length-prefixed DTMI packets (Stream) and a seekable on-disk
// store with per-track keyframe indices (File).
//
// Both share the same 8-byte frame header: a 4-byte magic followed by a
// big-endian u32 payload length. "DTSC" frames carry header metadata,
// "DTPD" frames version 1 payloads, and "DTP2" frames version 2 payloads.
package dtsc

import (
	"bytes"
	"encoding/binary"
	"log/slog"

	"github.com/mheld/ringcast/dtmi"
)

// DataType classifies the payload of the last parsed packet.
type DataType int

const (
	Invalid DataType = iota
	Video
	Audio
	Meta
	PauseMark
)

// fragTargetMs is the minimum duration of a synthesized fragment. Fragments
// group consecutive keyframes until their summed duration first reaches this.
const fragTargetMs = 10000

// audioKeyIntervalMs is the keyframe surrogate for streams without video:
// a packet whose time crosses a 2-second boundary counts as a keyframe.
const audioKeyIntervalMs = 2000

// Ring is a durable cursor into a Stream's sliding window. B is the current
// deque index (0 is the newest buffer). The Stream updates every issued Ring
// on each enqueue: Waiting rings snap to the newest buffer, rings whose
// buffer was evicted are flagged Starved and reset.
type Ring struct {
	B         int
	Waiting   bool
	Starved   bool
	Updated   bool
	PlayCount int
}

// Stream parses a live feed of DTSC packets into a bounded deque of decoded
// values, maintains a keyframe index and fragment manifest inside the stream
// metadata, and keeps issued Ring cursors valid across eviction.
type Stream struct {
	log *slog.Logger

	metadata  *dtmi.Value
	buffers   []*dtmi.Value // index 0 is the newest packet
	keyframes []int         // buffer indices of keyframes, index 0 newest
	rings     map[*Ring]struct{}

	trackMapping map[int64]string
	bufferCount  int
	bufferTime   int64

	lastData []byte
	lastType DataType

	fragNum     int64
	lastKeyTime int64
	syncing     bool
}

// NewStream creates a Stream holding at least rbuffers packets. The window
// grows automatically until it spans bufferTimeMs of media time.
func NewStream(rbuffers int, bufferTimeMs int64) *Stream {
	if rbuffers < 1 {
		rbuffers = 1
	}
	return &Stream{
		log:          slog.With("component", "dtsc-stream"),
		metadata:     &dtmi.Value{},
		rings:        map[*Ring]struct{}{},
		trackMapping: map[int64]string{},
		bufferCount:  rbuffers,
		bufferTime:   bufferTimeMs,
		fragNum:      1,
		lastKeyTime:  -1,
	}
}

// Meta returns the current stream metadata.
func (s *Stream) Meta() *dtmi.Value { return s.metadata }

// GetTime returns the media time in milliseconds of the last stored packet.
func (s *Stream) GetTime() int64 {
	if len(s.buffers) == 0 {
		return 0
	}
	return s.buffers[0].Get("time").AsInt()
}

// LastType returns the payload type of the last parsed packet.
func (s *Stream) LastType() DataType { return s.lastType }

// LastData returns the raw data member of the last parsed packet, or nil.
func (s *Stream) LastData() []byte { return s.lastData }

// GetPacket returns the packet at deque index num, or the null sentinel
// when out of range.
func (s *Stream) GetPacket(num int) *dtmi.Value {
	if num < 0 || num >= len(s.buffers) {
		return &dtmi.Value{}
	}
	return s.buffers[num]
}

// OutPacket returns the packet at deque index num packed as a network frame.
func (s *Stream) OutPacket(num int) []byte {
	if num < 0 || num >= len(s.buffers) || !s.buffers[num].IsObject() {
		return nil
	}
	return s.buffers[num].ToNetPacked()
}

// OutHeader returns the current metadata packed as a network header frame.
func (s *Stream) OutHeader() []byte { return s.metadata.ToNetPacked() }

// HasVideo reports whether the stream metadata announces a video track.
func (s *Stream) HasVideo() bool {
	if s.metadata.IsMember("video") {
		return true
	}
	tracks := s.metadata.Get("tracks")
	for _, name := range tracks.Keys() {
		if tracks.Get(name).Get("type").AsString() == "video" {
			return true
		}
	}
	return false
}

// HasAudio reports whether the stream metadata announces an audio track.
func (s *Stream) HasAudio() bool {
	if s.metadata.IsMember("audio") {
		return true
	}
	tracks := s.metadata.Get("tracks")
	for _, name := range tracks.Keys() {
		if tracks.Get(name).Get("type").AsString() == "audio" {
			return true
		}
	}
	return false
}

// SetBufferTime sets the wall time in milliseconds the window should span.
func (s *Stream) SetBufferTime(ms int64) { s.bufferTime = ms }

// BufferCount returns the current window capacity in packets.
func (s *Stream) BufferCount() int { return s.bufferCount }

// Buffered returns the number of packets currently in the window.
func (s *Stream) Buffered() int { return len(s.buffers) }

// ParsePacket attempts to parse one frame from buf, consuming it on success.
// Returns false when buf holds no complete frame yet (nothing is consumed
// beyond fully handled frames) or when resynchronization discarded garbage.
// A "DTSC" header frame is absorbed into the metadata and parsing continues
// with the following payload frame when one is already buffered.
func (s *Stream) ParsePacket(buf *bytes.Buffer) bool {
	if buf.Len() < 8 {
		return false
	}
	b := buf.Bytes()
	if bytes.Equal(b[:4], dtmi.MagicHeader) {
		plen := int(binary.BigEndian.Uint32(b[4:8]))
		if buf.Len() < plen+8 {
			return false
		}
		frame := make([]byte, plen+8)
		buf.Read(frame)
		s.readHeaderFrame(frame[8:])
		if buf.Len() < 8 {
			return false
		}
		b = buf.Bytes()
	}

	version := 0
	if bytes.Equal(b[:4], dtmi.MagicPacket) {
		version = 1
	} else if bytes.Equal(b[:4], dtmi.MagicPacket2) {
		version = 2
	}
	if version == 0 {
		s.resync(buf)
		return false
	}

	plen := int(binary.BigEndian.Uint32(b[4:8]))
	if buf.Len() < plen+8 {
		return false
	}
	frame := make([]byte, plen+8)
	buf.Read(frame)

	var pkt *dtmi.Value
	var err error
	if version == 1 {
		pkt, err = dtmi.DecodeV1(frame[8:])
	} else {
		pkt, err = dtmi.DecodeV2(frame[8:])
	}
	if err != nil {
		s.log.Warn("dropping undecodable payload frame", "len", plen, "error", err)
		return false
	}
	if version == 2 && !pkt.IsMember("datatype") {
		name := s.trackMapping[pkt.Get("trackid").AsInt()]
		dt := s.metadata.Get("tracks").Get(name).Get("type")
		if dt != nil {
			pkt.SetString("datatype", dt.AsString())
		}
	}

	s.buffers = append([]*dtmi.Value{pkt}, s.buffers...)
	s.lastType = Invalid
	s.lastData = pkt.Get("data").Bytes()
	switch pkt.Get("datatype").AsString() {
	case "video":
		s.lastType = Video
	case "audio":
		s.lastType = Audio
	case "meta":
		s.lastType = Meta
	case "pause_marker":
		s.lastType = PauseMark
	}

	for len(s.buffers) > s.bufferCount {
		s.buffers = s.buffers[:len(s.buffers)-1]
	}
	s.advanceRings()
	s.syncing = false
	return true
}

// readHeaderFrame replaces the current metadata from a header payload and
// rebuilds the track ID mapping.
func (s *Stream) readHeaderFrame(payload []byte) {
	meta, err := dtmi.DecodeV1(payload)
	if err != nil {
		s.log.Warn("undecodable header frame", "error", err)
		return
	}
	s.metadata = meta
	s.metadata.RemoveMember("moreheader")
	s.metadata.NetPrepare()
	s.trackMapping = map[int64]string{}
	tracks := s.metadata.Get("tracks")
	for _, name := range tracks.Keys() {
		s.trackMapping[tracks.Get(name).Get("trackid").AsInt()] = name
	}
}

// resync discards garbage up to the earliest plausible payload magic,
// logging once per episode.
func (s *Stream) resync(buf *bytes.Buffer) {
	if !s.syncing {
		s.log.Error("invalid DTMI data detected - re-syncing")
		s.syncing = true
	}
	b := buf.Bytes()
	i1 := bytes.Index(b, dtmi.MagicPacket)
	i2 := bytes.Index(b, dtmi.MagicPacket2)
	skip := -1
	switch {
	case i1 >= 0 && i2 >= 0:
		skip = min(i1, i2)
	case i1 >= 0:
		skip = i1
	case i2 >= 0:
		skip = i2
	}
	if skip < 0 {
		buf.Reset()
		return
	}
	buf.Next(skip)
}

// GetRing issues a new cursor positioned at the newest keyframe (or the
// newest buffer when no keyframe is known yet). Release it with DropRing.
func (s *Stream) GetRing() *Ring {
	r := &Ring{}
	if len(s.keyframes) > 0 {
		r.B = s.keyframes[0]
	}
	s.rings[r] = struct{}{}
	return r
}

// DropRing releases a cursor issued by GetRing. Unknown cursors are ignored.
func (s *Stream) DropRing(r *Ring) {
	delete(s.rings, r)
}

// advanceRings shifts every issued and internal cursor after an enqueue,
// starving rings whose buffer was evicted, registering new keyframes, and
// growing the window until it spans bufferTime of media time.
func (s *Stream) advanceRings() {
	for r := range s.rings {
		r.B++
		if r.Waiting {
			r.Waiting = false
			r.B = 0
		}
		if r.Starved || r.B >= len(s.buffers) {
			r.Starved = true
			r.B = 0
		}
	}

	kept := s.keyframes[:0]
	for _, b := range s.keyframes {
		if b+1 < len(s.buffers) {
			kept = append(kept, b+1)
		}
	}
	s.keyframes = kept

	front := s.buffers[0]
	newKey := s.lastType == Video && front.IsMember("keyframe")
	if !s.HasVideo() && front.Get("time").AsInt()/audioKeyIntervalMs != s.lastKeyTime {
		newKey = true
	}
	if newKey {
		s.keyframes = append([]int{0}, s.keyframes...)
		if !front.IsMember("fragnum") {
			front.SetInt("fragnum", s.fragNum)
			s.fragNum++
		}
		s.lastKeyTime = front.Get("time").AsInt() / audioKeyIntervalMs
		s.updateHeaders()
	}

	var timeBuffered int64
	if len(s.keyframes) > 1 {
		newest := s.buffers[s.keyframes[0]].Get("time").AsInt()
		oldest := s.buffers[s.keyframes[len(s.keyframes)-1]].Get("time").AsInt()
		timeBuffered = newest - oldest
	}
	if s.bufferCount > 1 && (len(s.keyframes) < 2 || timeBuffered < s.bufferTime) {
		s.bufferCount++
	}
}

// updateHeaders maintains the keytime/keynum/keylen arrays and the fragment
// manifest inside the metadata. It runs right after a new keyframe was
// registered and must not run at any other time.
func (s *Stream) updateHeaders() {
	if len(s.keyframes) <= 2 {
		return
	}
	newest := s.buffers[s.keyframes[0]].Get("time").AsInt()
	oldest := s.buffers[s.keyframes[len(s.keyframes)-1]].Get("time").AsInt()
	if newest < oldest {
		s.log.Error("detected new video - resetting all buffers and metadata")
		s.keyframes = nil
		s.buffers = nil
		for r := range s.rings {
			r.Updated = true
			r.B = 0
			r.Starved = true
		}
		s.metadata.RemoveMember("keytime")
		s.metadata.RemoveMember("keynum")
		s.metadata.RemoveMember("keylen")
		s.metadata.RemoveMember("frags")
		s.metadata.RemoveMember("lastms")
		s.metadata.RemoveMember("missed_frags")
		s.metadata.NetPrepare()
		return
	}

	keep := len(s.keyframes) - 2
	keytime := s.metadata.Member("keytime")
	keynum := s.metadata.Member("keynum")
	keylen := s.metadata.Member("keylen")
	keytime.Shrink(keep)
	keynum.Shrink(keep)
	keylen.Shrink(keep)
	second := s.buffers[s.keyframes[1]]
	keytime.Append(dtmi.NewInt(second.Get("time").AsInt()))
	keynum.Append(dtmi.NewInt(second.Get("fragnum").AsInt()))
	keylen.Append(dtmi.NewInt(newest - second.Get("time").AsInt()))

	fragStart := 0
	frags := s.metadata.Member("frags")
	if frags.Size() == 0 {
		if !s.metadata.IsMember("missed_frags") {
			s.metadata.SetInt("missed_frags", 0)
		}
	} else {
		// Drop fragments whose first keyframe has been evicted.
		for frags.Size() > 0 && frags.Index(0).Get("num").AsInt() < keynum.Index(0).AsInt() {
			frags.Shrink(frags.Size() - 1)
			s.metadata.SetInt("missed_frags", s.metadata.Get("missed_frags").AsInt()+1)
		}
		if frags.Size() > 0 {
			last := frags.Index(frags.Size() - 1)
			oldestFrag := last.Get("num").AsInt() + last.Get("len").AsInt()
			for fragStart < keynum.Size() && keynum.Index(fragStart).AsInt() < oldestFrag {
				fragStart++
			}
		}
	}

	// Greedily group keyframes into fragments of at least fragTargetMs.
	// The trailing group stays unemitted until it is provably complete.
	for i := fragStart; i < keytime.Size(); {
		fragLen := 1
		fragDur := keylen.Index(i).AsInt()
		j := i + 1
		for j < keytime.Size() && fragDur < fragTargetMs {
			fragLen++
			fragDur += keylen.Index(j).AsInt()
			j++
		}
		if fragDur < fragTargetMs || j >= keytime.Size() {
			break
		}
		frag := dtmi.NewObject()
		frag.SetInt("num", keynum.Index(i).AsInt())
		frag.SetInt("len", int64(fragLen))
		frag.SetInt("dur", fragDur)
		frags.Append(frag)
		i = j
	}

	s.metadata.SetInt("lastms", newest)
	s.metadata.SetInt("buffer_window", s.bufferTime)
	s.metadata.SetBool("live", true)
	s.metadata.NetPrepare()
	for r := range s.rings {
		r.Updated = true
	}
}

// CanSeekMS returns 0 when ms falls inside the buffered keyframe range,
// -1 when it is older than the oldest keyframe, and 1 when newer than the
// newest (or when nothing is buffered yet).
func (s *Stream) CanSeekMS(ms int64) int {
	keytime := s.metadata.Get("keytime")
	if keytime.Size() == 0 {
		return 1
	}
	if ms > keytime.Index(keytime.Size()-1).AsInt() {
		return 1
	}
	if ms < keytime.Index(0).AsInt() {
		return -1
	}
	return 0
}

// CanSeekFrame is CanSeekMS for keyframe numbers.
func (s *Stream) CanSeekFrame(frameNo int64) int {
	keynum := s.metadata.Get("keynum")
	if keynum.Size() == 0 {
		return 1
	}
	if frameNo > keynum.Index(keynum.Size()-1).AsInt() {
		return 1
	}
	if frameNo < keynum.Index(0).AsInt() {
		return -1
	}
	return 0
}

// MSSeek returns the deque index of the newest keyframe at or before ms.
// Out-of-range times clamp to the newest or oldest keyframe with a warning.
func (s *Stream) MSSeek(ms int64) int {
	newest := s.buffers[s.keyframes[0]].Get("time").AsInt()
	if ms > newest {
		s.log.Warn("seeking past ingest", "ms", ms, "newest", newest)
		return s.keyframes[0]
	}
	for _, b := range s.keyframes {
		if s.buffers[b].Get("time").AsInt() <= ms {
			return b
		}
	}
	oldestIdx := s.keyframes[len(s.keyframes)-1]
	s.log.Warn("seeking past buffer window", "ms", ms, "oldest", s.buffers[oldestIdx].Get("time").AsInt())
	return oldestIdx
}

// FrameSeek returns the deque index of the keyframe with the given number,
// clamping out-of-range numbers with a warning.
func (s *Stream) FrameSeek(frameNo int64) int {
	newest := s.buffers[s.keyframes[0]].Get("fragnum").AsInt()
	if frameNo > newest {
		s.log.Warn("seeking past ingest", "frame", frameNo, "newest", newest)
		return s.keyframes[0]
	}
	for _, b := range s.keyframes {
		if s.buffers[b].Get("fragnum").AsInt() == frameNo {
			return b
		}
	}
	oldestIdx := s.keyframes[len(s.keyframes)-1]
	s.log.Warn("seeking past buffer window", "frame", frameNo)
	return oldestIdx
}
