package relay

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// nonblockDeadline bounds every socket operation in the fan-out loop. A
// deadline hit is the would-block case and is retried on the next tick.
const nonblockDeadline = time.Millisecond

// setupDeadline bounds the blocking header/init writes performed once at join.
const setupDeadline = 100 * time.Millisecond

// Stats holds one parsed viewer stats report: a space-separated control line
// of host, connector name, connection time in seconds, and byte totals.
type Stats struct {
	Host      string
	Connector string
	Conntime  uint64
	Up        uint64
	Down      uint64
}

// parseStats parses the payload of an "S" control line. Missing fields
// stay zero, mirroring a short line.
func parseStats(s string) Stats {
	var st Stats
	fields := strings.Fields(s)
	if len(fields) > 0 {
		st.Host = fields[0]
	}
	if len(fields) > 1 {
		st.Connector = fields[1]
	}
	if len(fields) > 2 {
		st.Conntime, _ = strconv.ParseUint(fields[2], 10, 64)
	}
	if len(fields) > 3 {
		st.Up, _ = strconv.ParseUint(fields[3], 10, 64)
	}
	if len(fields) > 4 {
		st.Down, _ = strconv.ParseUint(fields[4], 10, 64)
	}
	return st
}

// Viewer is one connected consumer. It owns a cursor into the relay's ring
// plus the snapshot of the slot it is currently sending, and accumulates
// control-line input between ticks.
type Viewer struct {
	id        int
	conn      net.Conn
	connected bool
	promoted  bool
	reported  bool

	cursor      int    // ring slot being sent
	expectedNum int    // slot sequence number snapshot, -1 while waiting
	lenAtStart  int    // slot length snapshot
	dataRef     []byte // slot data snapshot, nil between sends
	bytesSent   int

	lineBuf   []byte
	lastStats Stats
	upRate    uint64
	downRate  uint64
}

func newViewer(id int, conn net.Conn, cursor int) *Viewer {
	return &Viewer{
		id:          id,
		conn:        conn,
		connected:   true,
		cursor:      cursor,
		expectedNum: -1,
	}
}

// disconnect closes the connection and prints the operator-visible
// disconnect line exactly once.
func (v *Viewer) disconnect(r *Relay, reason string) {
	if v.connected {
		v.conn.Close()
	}
	v.connected = false
	if v.reported || v.promoted {
		return
	}
	v.reported = true
	fmt.Fprintf(r.stdout, "Disconnected user %d: %s. %s transferred %d up and %d down in %d seconds to %s\n",
		v.id, reason, v.lastStats.Connector, v.lastStats.Up, v.lastStats.Down, v.lastStats.Conntime, v.lastStats.Host)
	if r.metrics != nil {
		r.metrics.IncDisconnects()
	}
}

// writeAll performs a bounded blocking write of the join-time header bytes.
func (v *Viewer) writeAll(b []byte) bool {
	v.conn.SetWriteDeadline(time.Now().Add(setupDeadline))
	for len(b) > 0 {
		n, err := v.conn.Write(b)
		b = b[n:]
		if err != nil {
			return false
		}
	}
	return true
}

// readControl drains available bytes from the viewer socket and returns the
// complete control lines received. A read error other than would-block marks
// the viewer disconnected.
func (v *Viewer) readControl() []string {
	var buf [256]byte
	v.conn.SetReadDeadline(time.Now().Add(nonblockDeadline))
	n, err := v.conn.Read(buf[:])
	if n > 0 {
		v.lineBuf = append(v.lineBuf, buf[:n]...)
	}
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		v.connected = false
	}
	var lines []string
	for {
		i := bytes.IndexByte(v.lineBuf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(v.lineBuf[:i]), "\r")
		v.lineBuf = v.lineBuf[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// send pushes the viewer's current ring slot out, non-blocking. It follows
// the slot snapshot protocol: latch the slot's sequence number and data,
// detect a refill under an in-flight send, and on completion either advance
// one slot or — when the ring lapped us — skip ahead to the next keyframe.
func (v *Viewer) send(r *Relay) {
	if !v.connected {
		return
	}
	slot := r.ring[v.cursor]

	if v.expectedNum == -1 {
		if slot.number == -1 {
			return // slot is being refilled, wait for the next tick
		}
		v.expectedNum = slot.number
		v.lenAtStart = slot.tag.Len
		v.dataRef = slot.tag.Data
		v.bytesSent = 0
	}

	if !sameBacking(v.dataRef, slot.tag.Data) {
		v.disconnect(r, "Buffer resize at wrong time... had to disconnect")
		return
	}

	v.conn.SetWriteDeadline(time.Now().Add(nonblockDeadline))
	n, err := v.conn.Write(v.dataRef[v.bytesSent:v.lenAtStart])
	v.bytesSent += n
	if r.metrics != nil && n > 0 {
		r.metrics.AddBytesOut(n)
	}
	if err != nil {
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			v.disconnect(r, err.Error())
		}
		return
	}
	if v.bytesSent < v.lenAtStart {
		return
	}

	if slot.number != v.expectedNum {
		// The ring lapped us during the send. The bytes were consistent
		// (our snapshot), but the position is stale: resume at a keyframe.
		fmt.Fprintf(r.stdout, "Warning: User %d was sent corrupt video data and sent to the next keyframe!\n", v.id)
		searched := 0
		for {
			v.cursor = (v.cursor + 1) % len(r.ring)
			searched++
			next := r.ring[v.cursor]
			if (next.tag != nil && next.tag.IsKeyframe()) || searched >= len(r.ring) {
				break
			}
		}
		if searched >= len(r.ring) {
			fmt.Fprintf(r.stdout, "Warning: No keyframe found in buffers! Skipping search for now...\n")
			return
		}
	} else {
		v.cursor = (v.cursor + 1) % len(r.ring)
	}
	v.expectedNum = -1
	v.dataRef = nil
	v.bytesSent = 0
}

// sameBacking reports whether two slices share a backing array, the sentinel
// for a ring slot having been reloaded under an in-flight send.
func sameBacking(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}
