package dtmi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DTMI wire type markers. Objects and arrays share the three-byte
// end marker 0x00 0x00 0xEE.
const (
	typeInteger = 0x01
	typeString  = 0x02
	typeObject  = 0xE0
	typeArray   = 0x0A
)

// Frame magics shared by the live wire format and the file format.
var (
	MagicHeader  = []byte("DTSC")
	MagicPacket  = []byte("DTPD")
	MagicPacket2 = []byte("DTP2")
)

// ErrShort means the input ended before the value did.
var ErrShort = errors.New("dtmi: truncated value")

// DecodeV1 parses a version 1 payload: a single DTMI value.
func DecodeV1(data []byte) (*Value, error) {
	v, _, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeV2 parses a version 2 payload: a u32 track ID and u64 timestamp
// prefix followed by a DTMI value. The prefix fields are merged into the
// decoded object as the "trackid" and "time" members.
func DecodeV2(data []byte) (*Value, error) {
	if len(data) < 12 {
		return nil, ErrShort
	}
	trackID := binary.BigEndian.Uint32(data[0:4])
	ts := binary.BigEndian.Uint64(data[4:12])
	v, _, err := decodeValue(data[12:])
	if err != nil {
		return nil, err
	}
	if !v.IsObject() {
		return nil, fmt.Errorf("dtmi: v2 payload is not an object")
	}
	v.SetInt("trackid", int64(trackID))
	v.SetInt("time", int64(ts))
	return v, nil
}

// EncodeV1 serializes v as a version 1 payload.
func EncodeV1(v *Value) []byte {
	return appendValue(nil, v)
}

// EncodeV2 serializes v as a version 2 payload. The "trackid" and "time"
// members are lifted into the binary prefix and omitted from the DTMI body,
// mirroring DecodeV2.
func EncodeV2(v *Value) []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[0:4], uint32(v.Get("trackid").AsInt()))
	binary.BigEndian.PutUint64(out[4:12], uint64(v.Get("time").AsInt()))
	return appendValueSkip(out, v, "trackid", "time")
}

func appendValue(buf []byte, v *Value) []byte {
	return appendValueSkip(buf, v)
}

func appendValueSkip(buf []byte, v *Value, skip ...string) []byte {
	switch v.Kind() {
	case KindInteger, KindBool, KindNull:
		buf = append(buf, typeInteger)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.AsInt()))
		buf = append(buf, b[:]...)
	case KindString:
		buf = append(buf, typeString)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(v.str)))
		buf = append(buf, b[:]...)
		buf = append(buf, v.str...)
	case KindObject:
		buf = append(buf, typeObject)
	members:
		for _, name := range v.order {
			for _, s := range skip {
				if name == s {
					continue members
				}
			}
			buf = append(buf, byte(len(name)>>8), byte(len(name)))
			buf = append(buf, name...)
			buf = appendValue(buf, v.members[name])
		}
		buf = append(buf, 0x00, 0x00, 0xEE)
	case KindArray:
		buf = append(buf, typeArray)
		for _, e := range v.arr {
			buf = appendValue(buf, e)
		}
		buf = append(buf, 0x00, 0x00, 0xEE)
	}
	return buf
}

func decodeValue(data []byte) (*Value, int, error) {
	if len(data) < 1 {
		return nil, 0, ErrShort
	}
	switch data[0] {
	case typeInteger:
		if len(data) < 9 {
			return nil, 0, ErrShort
		}
		return NewInt(int64(binary.BigEndian.Uint64(data[1:9]))), 9, nil

	case typeString:
		if len(data) < 5 {
			return nil, 0, ErrShort
		}
		n := int(binary.BigEndian.Uint32(data[1:5]))
		if len(data) < 5+n {
			return nil, 0, ErrShort
		}
		return NewStringBytes(append([]byte(nil), data[5:5+n]...)), 5 + n, nil

	case typeObject:
		v := NewObject()
		i := 1
		for {
			if isEndMarker(data[i:]) {
				return v, i + 3, nil
			}
			if len(data) < i+2 {
				return nil, 0, ErrShort
			}
			nameLen := int(data[i])<<8 | int(data[i+1])
			i += 2
			if len(data) < i+nameLen {
				return nil, 0, ErrShort
			}
			name := string(data[i : i+nameLen])
			i += nameLen
			child, n, err := decodeValue(data[i:])
			if err != nil {
				return nil, 0, err
			}
			v.Set(name, child)
			i += n
		}

	case typeArray:
		v := NewArray()
		i := 1
		for {
			if isEndMarker(data[i:]) {
				return v, i + 3, nil
			}
			child, n, err := decodeValue(data[i:])
			if err != nil {
				return nil, 0, err
			}
			v.Append(child)
			i += n
		}

	default:
		return nil, 0, fmt.Errorf("dtmi: unknown type marker 0x%02X", data[0])
	}
}

func isEndMarker(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0xEE
}

// NetPrepare computes and caches the network-ready byte form of the value:
// a complete frame with magic, big-endian u32 length, and payload. Values
// carrying both "trackid" and "time" pack as DTP2 frames, values carrying
// "datatype" or "data" as DTPD frames, and everything else as DTSC header
// frames.
func (v *Value) NetPrepare() {
	var magic []byte
	var payload []byte
	switch {
	case v.IsMember("trackid") && v.IsMember("time"):
		magic = MagicPacket2
		payload = EncodeV2(v)
	case v.IsMember("datatype") || v.IsMember("data"):
		magic = MagicPacket
		payload = EncodeV1(v)
	default:
		magic = MagicHeader
		payload = EncodeV1(v)
	}
	frame := make([]byte, 0, 8+len(payload))
	frame = append(frame, magic...)
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(payload)))
	frame = append(frame, l[:]...)
	frame = append(frame, payload...)
	v.packed = frame
}

// ToNetPacked returns the cached network form, preparing it first if no
// cache is present. Mutating the value through its methods invalidates
// the cache.
func (v *Value) ToNetPacked() []byte {
	if v.packed == nil {
		v.NetPrepare()
	}
	return v.packed
}
