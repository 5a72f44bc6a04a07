package dtsc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mheld/ringcast/dtmi"
)

// packetPrefixLen is the fixed prefix of every payload frame in a file:
// magic(4) | size(4) | trackID(4) | timestamp(8). The track ID and timestamp
// are counted inside size, so a whole frame occupies size+8 bytes.
const packetPrefixLen = 20

// seekEntry is one pending read position for a selected track, ordered by
// (seekTime, trackID) across tracks.
type seekEntry struct {
	seekTime int64
	trackID  int64
	seekPos  int64
}

func (a seekEntry) less(b seekEntry) bool {
	if a.seekTime != b.seekTime {
		return a.seekTime < b.seekTime
	}
	return a.trackID < b.trackID
}

// File is a seekable DTSC file. It resolves chained headers on open, keeps
// a per-track set of pending read positions for interleaved playback, and
// reads or appends packets at byte granularity.
type File struct {
	log     *slog.Logger
	f       *os.File
	created bool

	strbuffer  []byte
	jsonbuffer *dtmi.Value

	metadata  *dtmi.Value
	firstMeta *dtmi.Value

	headerSize  int64
	lastReadPos int64
	endPos      int64

	trackMapping     map[int64]string
	selectedTracks   map[int64]struct{}
	currentPositions []seekEntry
}

// CreateFile creates path with an empty header frame ("DTSC" plus a zero
// length) and positions the cursor after it.
func CreateFile(path string) (*File, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dtsc: create %s: %w", path, err)
	}
	if _, err := fd.Write([]byte{'D', 'T', 'S', 'C', 0, 0, 0, 0}); err != nil {
		fd.Close()
		return nil, fmt.Errorf("dtsc: write empty header: %w", err)
	}
	return &File{
		log:            slog.With("component", "dtsc-file", "path", path),
		f:              fd,
		created:        true,
		jsonbuffer:     &dtmi.Value{},
		metadata:       &dtmi.Value{},
		firstMeta:      &dtmi.Value{},
		trackMapping:   map[int64]string{},
		selectedTracks: map[int64]struct{}{},
	}, nil
}

// OpenFile opens an existing DTSC file, reads its header chain (following
// moreheader offsets until one is zero), augments the resolved metadata with
// vod=true, and positions the cursor on the first packet.
func OpenFile(path string) (*File, error) {
	fd, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dtsc: open %s: %w", path, err)
	}
	f := &File{
		log:            slog.With("component", "dtsc-file", "path", path),
		f:              fd,
		jsonbuffer:     &dtmi.Value{},
		metadata:       &dtmi.Value{},
		firstMeta:      &dtmi.Value{},
		trackMapping:   map[int64]string{},
		selectedTracks: map[int64]struct{}{},
	}
	var sizeBuf [4]byte
	if _, err := fd.ReadAt(sizeBuf[:], 4); err != nil {
		fd.Close()
		return nil, fmt.Errorf("dtsc: read header size: %w", err)
	}
	f.headerSize = int64(binary.BigEndian.Uint32(sizeBuf[:]))
	f.ReadHeader(0)
	f.trackMapping = map[int64]string{}
	tracks := f.metadata.Get("tracks")
	for _, name := range tracks.Keys() {
		f.trackMapping[tracks.Get(name).Get("trackid").AsInt()] = name
	}
	if _, err := fd.Seek(8+f.headerSize, io.SeekStart); err != nil {
		fd.Close()
		return nil, fmt.Errorf("dtsc: seek past header: %w", err)
	}
	return f, nil
}

// Close releases the file handle.
func (f *File) Close() error { return f.f.Close() }

// Dup returns an independent File over the same underlying file, positioned
// identically. A duplicated descriptor would share its offset with the
// original, so the path is opened again to get a private cursor.
func (f *File) Dup() (*File, error) {
	pos, err := f.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	nfd, err := os.OpenFile(f.f.Name(), os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dtsc: dup: %w", err)
	}
	nf := &File{
		log:            f.log,
		f:              nfd,
		created:        f.created,
		strbuffer:      append([]byte(nil), f.strbuffer...),
		jsonbuffer:     f.jsonbuffer.Clone(),
		metadata:       f.metadata.Clone(),
		firstMeta:      f.firstMeta.Clone(),
		headerSize:     f.headerSize,
		lastReadPos:    f.lastReadPos,
		trackMapping:   map[int64]string{},
		selectedTracks: map[int64]struct{}{},
	}
	for k, v := range f.trackMapping {
		nf.trackMapping[k] = v
	}
	for k := range f.selectedTracks {
		nf.selectedTracks[k] = struct{}{}
	}
	nf.currentPositions = append([]seekEntry(nil), f.currentPositions...)
	if _, err := nf.f.Seek(pos, io.SeekStart); err != nil {
		nf.f.Close()
		return nil, err
	}
	return nf, nil
}

// GetMeta returns the resolved header metadata.
func (f *File) GetMeta() *dtmi.Value { return f.metadata }

// GetFirstMeta returns the metadata of the header frame at offset zero,
// before any moreheader chain was followed.
func (f *File) GetFirstMeta() *dtmi.Value { return f.firstMeta }

// WriteHeader rewrites the header region at the start of the file. Unless
// force is set, the new header must be exactly the size of the existing one.
func (f *File) WriteHeader(header []byte, force bool) error {
	if f.headerSize != int64(len(header)) && !force {
		return errors.New("dtsc: could not overwrite header - not equal size")
	}
	f.headerSize = int64(len(header))
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(header)))
	if _, err := f.f.WriteAt(sizeBuf[:], 4); err != nil {
		return fmt.Errorf("dtsc: write header size: %w", err)
	}
	if _, err := f.f.WriteAt(header, 8); err != nil {
		return fmt.Errorf("dtsc: write header: %w", err)
	}
	_, err := f.f.Seek(8+f.headerSize, io.SeekStart)
	f.endPos = 0
	return err
}

// AddHeader appends a fresh header frame at the end of the file and returns
// the byte offset it was written at, for use as a moreheader pointer.
func (f *File) AddHeader(header []byte) (int64, error) {
	writePos, err := f.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	frame := make([]byte, 0, 8+len(header))
	frame = append(frame, dtmi.MagicHeader...)
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(header)))
	frame = append(frame, sizeBuf[:]...)
	frame = append(frame, header...)
	if _, err := f.f.Write(frame); err != nil {
		return 0, fmt.Errorf("dtsc: append header: %w", err)
	}
	f.endPos = 0
	return writePos, nil
}

// ReadHeader reads the header frame at pos into the metadata, following
// moreheader pointers until one is zero. The frame at offset zero is also
// kept as the first metadata. Failures null the metadata and log the reason.
func (f *File) ReadHeader(pos int64) {
	if _, err := f.f.Seek(pos, io.SeekStart); err != nil {
		f.headerFailure(pos, err)
		return
	}
	var prefix [8]byte
	if _, err := io.ReadFull(f.f, prefix[:]); err != nil {
		f.headerFailure(pos, err)
		return
	}
	if string(prefix[:4]) != string(dtmi.MagicHeader) {
		f.headerFailure(pos, fmt.Errorf("invalid magic %q", prefix[:4]))
		return
	}
	packSize := int64(binary.BigEndian.Uint32(prefix[4:8]))
	f.strbuffer = make([]byte, packSize)
	if packSize > 0 {
		if _, err := io.ReadFull(f.f, f.strbuffer); err != nil {
			f.headerFailure(pos, err)
			return
		}
		meta, err := dtmi.DecodeV1(f.strbuffer)
		if err != nil {
			f.headerFailure(pos, err)
			return
		}
		f.metadata = meta
	}
	if pos == 0 {
		f.firstMeta = f.metadata.Clone()
	}
	if more := f.metadata.Get("moreheader").AsInt(); more > 0 {
		f.ReadHeader(more)
		return
	}
	f.metadata.SetBool("vod", true)
	f.metadata.NetPrepare()
}

func (f *File) headerFailure(pos int64, err error) {
	if errors.Is(err, io.EOF) {
		f.log.Debug("end of file reached", "pos", pos)
	} else {
		f.log.Error("could not read header", "pos", pos, "error", err)
	}
	f.strbuffer = nil
	f.metadata.Null()
}

// GetBytePosEOF returns the byte position of the end of the file, cached
// until the next append or header rewrite.
func (f *File) GetBytePosEOF() int64 {
	if f.endPos == 0 {
		pos, _ := f.f.Seek(0, io.SeekCurrent)
		end, err := f.f.Seek(0, io.SeekEnd)
		if err == nil {
			f.endPos = end
		}
		f.f.Seek(pos, io.SeekStart)
	}
	return f.endPos
}

// GetBytePos returns the current byte position in the file.
func (f *File) GetBytePos() int64 {
	pos, _ := f.f.Seek(0, io.SeekCurrent)
	return pos
}

// ReachedEOF reports whether the cursor sits at or past the end of the file.
func (f *File) ReachedEOF() bool {
	return f.GetBytePos() >= f.GetBytePosEOF()
}

// GetLastReadPos returns the byte position of the start of the last packet read.
func (f *File) GetLastReadPos() int64 { return f.lastReadPos }

// GetPacket returns the raw payload bytes of the last packet read.
func (f *File) GetPacket() []byte { return f.strbuffer }

// GetJSON returns the decoded form of the last packet read.
func (f *File) GetJSON() *dtmi.Value { return f.jsonbuffer }

// ReadPacket reads the frame at the current byte position. A header frame
// re-reads the metadata chain and leaves it as the decoded packet. On any
// failure the current packet is nulled and the reason logged with its offset.
func (f *File) ReadPacket() {
	f.lastReadPos = f.GetBytePos()
	var prefix [8]byte
	if _, err := io.ReadFull(f.f, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			f.log.Debug("end of file reached", "pos", f.lastReadPos)
		} else {
			f.log.Error("could not read packet header", "pos", f.lastReadPos, "error", err)
		}
		f.nullPacket()
		return
	}
	if string(prefix[:4]) == string(dtmi.MagicHeader) {
		f.ReadHeader(f.lastReadPos)
		f.jsonbuffer = f.metadata.Clone()
		return
	}
	version := 0
	if string(prefix[:4]) == string(dtmi.MagicPacket) {
		version = 1
	} else if string(prefix[:4]) == string(dtmi.MagicPacket2) {
		version = 2
	}
	if version == 0 {
		f.log.Error("invalid packet header", "pos", f.lastReadPos, "magic", fmt.Sprintf("%q", prefix[:4]))
		f.nullPacket()
		return
	}
	packSize := int64(binary.BigEndian.Uint32(prefix[4:8]))
	f.strbuffer = make([]byte, packSize)
	if _, err := io.ReadFull(f.f, f.strbuffer); err != nil {
		f.log.Error("could not read packet", "pos", f.lastReadPos, "error", err)
		f.nullPacket()
		return
	}
	var pkt *dtmi.Value
	var err error
	if version == 2 {
		pkt, err = dtmi.DecodeV2(f.strbuffer)
		if err == nil && !pkt.IsMember("datatype") {
			name := f.trackMapping[pkt.Get("trackid").AsInt()]
			if dt := f.metadata.Get("tracks").Get(name).Get("type"); dt != nil {
				pkt.SetString("datatype", dt.AsString())
			}
		}
	} else {
		pkt, err = dtmi.DecodeV1(f.strbuffer)
	}
	if err != nil {
		f.log.Error("could not decode packet", "pos", f.lastReadPos, "error", err)
		f.nullPacket()
		return
	}
	f.jsonbuffer = pkt
}

func (f *File) nullPacket() {
	f.strbuffer = nil
	f.jsonbuffer.Null()
}

// SeekNext reads the packet at the earliest pending position across the
// selected tracks, first queueing that track's next candidate so repeated
// calls walk every selected track in time order.
func (f *File) SeekNext() {
	if len(f.currentPositions) == 0 {
		f.nullPacket()
		return
	}
	cur := f.currentPositions[0]
	f.SeekTimeTrack(cur.seekTime+1, cur.trackID)
	f.currentPositions = f.currentPositions[1:]
	if _, err := f.f.Seek(cur.seekPos, io.SeekStart); err != nil {
		f.log.Error("could not seek to packet", "pos", cur.seekPos, "error", err)
		f.nullPacket()
		return
	}
	f.ReadPacket()
}

// SeekTimeTrack locates the first packet of the given track with a timestamp
// at or after ms, starting from the nearest indexed keyframe, and queues its
// position. When no such packet exists before the end of the file it returns
// false and queues nothing.
func (f *File) SeekTimeTrack(ms int64, trackID int64) bool {
	track := f.metadata.Get("tracks").Get(f.trackMapping[trackID])
	if track == nil {
		return false
	}
	keytime := track.Get("keytime")
	keybpos := track.Get("keybpos")
	if keytime.Size() == 0 || keybpos.Size() == 0 {
		return false
	}
	entry := seekEntry{
		trackID:  trackID,
		seekTime: keytime.Index(0).AsInt(),
		seekPos:  keybpos.Index(0).AsInt(),
	}
	for i := 0; i < keytime.Size() && i < keybpos.Size(); i++ {
		if keytime.Index(i).AsInt() > ms {
			break
		}
		entry.seekTime = keytime.Index(i).AsInt()
		entry.seekPos = keybpos.Index(i).AsInt()
	}
	var prefix [packetPrefixLen]byte
	for {
		if entry.seekPos >= f.GetBytePosEOF() {
			return false
		}
		if _, err := f.f.ReadAt(prefix[:], entry.seekPos); err != nil {
			return false
		}
		packSize := int64(binary.BigEndian.Uint32(prefix[4:8]))
		packTrack := int64(binary.BigEndian.Uint32(prefix[8:12]))
		packTime := int64(binary.BigEndian.Uint64(prefix[12:20]))
		if packTrack != trackID || packTime < ms {
			entry.seekPos += 8 + packSize
			continue
		}
		entry.seekTime = packTime
		break
	}
	f.insertPosition(entry)
	return true
}

// SeekTime queues the first packet at or after ms for every selected track,
// replacing all pending positions.
func (f *File) SeekTime(ms int64) bool {
	f.currentPositions = f.currentPositions[:0]
	for trackID := range f.selectedTracks {
		f.SeekTimeTrack(ms, trackID)
	}
	return true
}

func (f *File) insertPosition(e seekEntry) {
	i := 0
	for i < len(f.currentPositions) && f.currentPositions[i].less(e) {
		i++
	}
	if i < len(f.currentPositions) && f.currentPositions[i] == e {
		return
	}
	f.currentPositions = append(f.currentPositions, seekEntry{})
	copy(f.currentPositions[i+1:], f.currentPositions[i:])
	f.currentPositions[i] = e
}

// SeekBPos moves the file cursor to an absolute byte position.
func (f *File) SeekBPos(pos int64) bool {
	_, err := f.f.Seek(pos, io.SeekStart)
	return err == nil
}

// SelectTracks replaces the selected track set and clears pending positions.
func (f *File) SelectTracks(tracks []int64) {
	f.currentPositions = f.currentPositions[:0]
	f.selectedTracks = map[int64]struct{}{}
	for _, t := range tracks {
		f.selectedTracks[t] = struct{}{}
	}
}

// WritePacket appends raw packet bytes at the end of the file.
func (f *File) WritePacket(packet []byte) error {
	if _, err := f.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	_, err := f.f.Write(packet)
	f.endPos = 0
	return err
}

// WritePacketValue appends a value in its packed network form.
func (f *File) WritePacketValue(v *dtmi.Value) error {
	return f.WritePacket(v.ToNetPacked())
}

// AtKeyframe reports whether the last decoded packet is marked as a keyframe
// or the current byte position appears in any track's keyframe position index.
func (f *File) AtKeyframe() bool {
	if f.jsonbuffer.IsMember("keyframe") {
		return true
	}
	pos := f.GetBytePos()
	tracks := f.metadata.Get("tracks")
	for _, name := range tracks.Keys() {
		keybpos := tracks.Get(name).Get("keybpos")
		for i := 0; i < keybpos.Size(); i++ {
			if keybpos.Index(i).AsInt() == pos {
				return true
			}
		}
	}
	return false
}
