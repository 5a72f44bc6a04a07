// Package relay implements the live FLV ring-buffer fan-out server: a single
// loop ingests tags from stdin or a promoted push socket into a fixed ring
// and fans them out to every connected viewer, joining late viewers at the
// most recent keyframe.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mheld/ringcast/flv"
)

// ErrStreamParse is returned by Run when ingest hit an unrecoverable parse
// error (including a metadata re-announce after full init).
var ErrStreamParse = errors.New("relay: stream parse error")

// tickInterval paces the cooperative loop, capping CPU at idle.
const tickInterval = time.Millisecond

// warmupTags is the number of ingested tags after which joins are served.
const warmupTags = 5

// slot pairs a tag with its ingest sequence number. number is -1 while the
// slot is being refilled; viewers treat that as "come back next tick".
type slot struct {
	number int
	tag    *flv.Tag
}

// Config carries the relay's start parameters. Buffers and StreamName are
// required; PushIP switches ingest from stdin to push negotiation.
type Config struct {
	Buffers    int
	StreamName string
	PushIP     string
	SocketDir  string    // defaults to /tmp
	Stdin      io.Reader // defaults to os.Stdin
	Stdout     io.Writer // defaults to os.Stdout
	Metrics    *Metrics  // optional
}

// ViewerSnapshot is a point-in-time copy of one viewer's stats for the
// status API.
type ViewerSnapshot struct {
	ID        int    `json:"id"`
	Host      string `json:"host"`
	Connector string `json:"connector"`
	Conntime  uint64 `json:"conntime"`
	Up        uint64 `json:"up"`
	Down      uint64 `json:"down"`
	UpRate    uint64 `json:"upRate"`
	DownRate  uint64 `json:"downRate"`
}

// Snapshot aggregates relay state for the status API.
type Snapshot struct {
	Stream       string           `json:"stream"`
	UptimeMs     int64            `json:"uptimeMs"`
	TagsIngested int              `json:"tagsIngested"`
	Viewers      []ViewerSnapshot `json:"viewers"`
	TotalUpRate  uint64           `json:"totalUpRate"`
	TotalDown    uint64           `json:"totalDownRate"`
}

// Relay owns the ring, the viewer set, and the single ingest source. All of
// them are touched only by the Run loop; the sole cross-goroutine surface is
// the stats snapshot.
type Relay struct {
	cfg    Config
	log    *slog.Logger
	stdout io.Writer

	ring       []*slot
	cursor     int
	lastProper int // last slot known to hold a keyframe, the join point
	loopCount  int

	metadata  *flv.Tag
	videoInit *flv.Tag
	audioInit *flv.Tag

	gotVideoInfo bool
	gotAudioInfo bool
	gotData      bool
	parseError   bool

	viewers   []*Viewer
	userCount int

	pushActive bool
	tags       chan *flv.Tag
	ingestErr  error
	ingestMu   sync.Mutex

	metrics *Metrics

	snapMu    sync.Mutex
	snapshot  Snapshot
	startTime time.Time
}

// New creates a Relay from cfg. Buffers must be at least 1.
func New(cfg Config) *Relay {
	if cfg.SocketDir == "" {
		cfg.SocketDir = "/tmp"
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Buffers < 1 {
		cfg.Buffers = 1
	}
	r := &Relay{
		cfg:     cfg,
		log:     slog.With("component", "relay", "stream", cfg.StreamName),
		stdout:  cfg.Stdout,
		ring:    make([]*slot, cfg.Buffers),
		metrics: cfg.Metrics,
	}
	for i := range r.ring {
		r.ring[i] = &slot{number: -1}
	}
	return r
}

// SocketPath returns the local-domain listener path for a stream name.
func SocketPath(dir, streamName string) string {
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "shared_socket_"+streamName)
}

// Run binds the stream socket and drives the ingest/fan-out loop until
// ingest EOF, an unrecoverable parse error, or ctx cancellation. Viewers
// are drained before it returns. The returned error is nil on clean EOF
// and ErrStreamParse on a parse failure.
func (r *Relay) Run(ctx context.Context) error {
	r.startTime = time.Now()
	path := SocketPath(r.cfg.SocketDir, r.cfg.StreamName)
	os.Remove(path) // erase-on-bind: the path is ours for the stream's lifetime
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", path, err)
	}
	defer os.Remove(path)
	r.log.Info("listening", "path", path, "buffers", len(r.ring), "push_ip", r.cfg.PushIP)

	conns := make(chan net.Conn, 4)
	go func() {
		defer close(conns)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()

	ipWaiting := r.cfg.PushIP != ""
	if !ipWaiting {
		r.startIngest(r.cfg.Stdin)
	}

	var lastStatTick int64
	running := true
	for running && !r.parseError {
		if ctx.Err() != nil {
			break
		}
		time.Sleep(tickInterval)

		if now := time.Now().Unix(); now != lastStatTick {
			lastStatTick = now
			r.reportStats()
		}

		// The cursor slot is invalid by definition: it is the one being
		// refilled next.
		r.ring[r.cursor].number = -1

		if r.tags != nil {
			select {
			case t, ok := <-r.tags:
				if !ok {
					running = false
					if errors.Is(r.IngestError(), flv.ErrParse) {
						r.parseError = true
					}
					break
				}
				r.ingestTag(t)
			default:
			}
		}
		if !running || r.parseError {
			break
		}

		select {
		case c, ok := <-conns:
			if ok {
				r.addViewer(c)
			}
		default:
		}

		r.sweepViewers()
	}

	if r.parseError {
		fmt.Fprintln(r.stdout, "FLV parse error")
	} else {
		fmt.Fprintln(r.stdout, "Reached EOF of input")
	}
	ln.Close()
	for _, v := range r.viewers {
		v.disconnect(r, "Shutting down...")
	}
	r.viewers = nil
	r.log.Info("relay stopped", "tags", r.loopCount, "users_served", r.userCount)
	if r.parseError {
		return ErrStreamParse
	}
	return nil
}

// startIngest launches the tag reader feeding the loop. The channel is
// unbuffered so the reader never runs ahead of the ring.
func (r *Relay) startIngest(src io.Reader) {
	r.tags = make(chan *flv.Tag)
	go func() {
		defer close(r.tags)
		for {
			t := &flv.Tag{}
			if err := flv.ReadTag(src, t); err != nil {
				r.ingestMu.Lock()
				r.ingestErr = err
				r.ingestMu.Unlock()
				r.log.Debug("ingest ended", "error", err)
				return
			}
			r.tags <- t
		}
	}()
}

// ingestTag loads one tag into the cursor slot, caching metadata and codec
// init tags and tracking the keyframe join point.
func (r *Relay) ingestTag(t *flv.Tag) {
	s := r.ring[r.cursor]
	s.number = -1
	s.tag = t
	r.loopCount++
	if r.metrics != nil {
		r.metrics.IncTagsIngested()
	}

	packtype := t.Packtype()
	if packtype == flv.TagScript {
		r.metadata = t.Clone()
		fmt.Fprintln(r.stdout, "Received metadata!")
		if r.gotVideoInfo && r.gotAudioInfo {
			r.parseError = true
			fmt.Fprintln(r.stdout, "... after proper video and audio? Cancelling broadcast!")
		}
		r.gotVideoInfo = false
		r.gotAudioInfo = false
	}
	if !r.gotVideoInfo && t.IsKeyframe() && t.Len > 12 {
		if t.Data[11]&0x0f == 7 { // AVC
			if t.Data[12] == 0 { // decoder configuration record
				t.SetTagTime(0)
				r.videoInit = t.Clone()
				r.gotVideoInfo = true
				fmt.Fprintln(r.stdout, "Received video configuration!")
			}
		} else {
			r.gotVideoInfo = true // non-AVC carries no config
		}
	}
	if !r.gotAudioInfo && packtype == flv.TagAudio && t.Len > 11 {
		if t.Data[11]&0xf0>>4 == 10 { // AAC
			t.SetTagTime(0)
			r.audioInit = t.Clone()
			r.gotAudioInfo = true
			fmt.Fprintln(r.stdout, "Received audio configuration!")
		} else {
			r.gotAudioInfo = true // non-AAC carries no config
		}
	}
	if t.IsKeyframe() {
		r.lastProper = r.cursor
	}
	if r.loopCount >= warmupTags {
		r.gotData = true
	}

	s.number = r.loopCount
	r.cursor = (r.cursor + 1) % len(r.ring)
}

// addViewer registers a new connection and plays it the stream preamble:
// FLV header, current metadata, audio init, video init.
func (r *Relay) addViewer(c net.Conn) {
	v := newViewer(r.userCount, c, r.lastProper)
	r.userCount++
	fmt.Fprintf(r.stdout, "User %d connected\n", v.id)
	r.viewers = append(r.viewers, v)
	if r.metrics != nil {
		r.metrics.SetViewers(len(r.viewers))
	}

	if !r.gotData {
		return
	}
	if !v.writeAll(flv.Header) {
		v.disconnect(r, "failed to receive the header!")
		return
	}
	if r.metadata != nil && r.metadata.Len > 0 && !v.writeAll(r.metadata.Data) {
		v.disconnect(r, "failed to receive metadata!")
		return
	}
	if r.audioInit != nil && r.audioInit.Len > 0 && !v.writeAll(r.audioInit.Data) {
		v.disconnect(r, "failed to receive audio init!")
		return
	}
	if r.videoInit != nil && r.videoInit.Len > 0 && !v.writeAll(r.videoInit.Data) {
		v.disconnect(r, "failed to receive video init!")
	}
}

// sweepViewers removes dead viewers, handles control lines, and runs the
// per-viewer send step. Control lines are handled before the same-tick send
// so a freshly promoted push peer never receives fan-out data.
func (r *Relay) sweepViewers() {
	kept := r.viewers[:0]
	for _, v := range r.viewers {
		if !v.connected {
			v.disconnect(r, "Closed")
			continue
		}
		for _, line := range v.readControl() {
			r.handleLine(v, line)
			if v.promoted || !v.connected {
				break
			}
		}
		if v.promoted {
			continue
		}
		if !v.connected {
			v.disconnect(r, "Closed")
			continue
		}
		v.send(r)
		kept = append(kept, v)
	}
	r.viewers = kept
	if r.metrics != nil {
		r.metrics.SetViewers(len(r.viewers))
	}
}

// handleLine dispatches one in-band control line from a viewer.
func (r *Relay) handleLine(v *Viewer, line string) {
	switch line[0] {
	case 'P':
		ip := ""
		if len(line) > 2 {
			ip = line[2:]
		}
		fmt.Fprintf(r.stdout, "Push attempt from IP %s\n", ip)
		if r.metrics != nil {
			r.metrics.IncPushAttempts()
		}
		// Exact string match against the configured address, no
		// normalisation. Without a configured push address nothing can
		// match: ingest stays single-writer on stdin.
		if r.cfg.PushIP == "" || ip != r.cfg.PushIP {
			v.disconnect(r, "Push denied - invalid IP address!")
			return
		}
		if r.pushActive {
			v.disconnect(r, "Push denied - push already in progress!")
			return
		}
		fmt.Fprintln(r.stdout, "Push accepted!")
		r.pushActive = true
		v.promoted = true
		v.conn.SetReadDeadline(time.Time{})
		v.conn.SetWriteDeadline(time.Time{})
		r.startIngest(v.conn)
	case 'S':
		if len(line) <= 2 {
			return
		}
		st := parseStats(line[2:])
		secs := st.Conntime - v.lastStats.Conntime
		if secs < 1 || st.Conntime < v.lastStats.Conntime {
			secs = 1
		}
		v.upRate = (st.Up - v.lastStats.Up) / secs
		v.downRate = (st.Down - v.lastStats.Down) / secs
		v.lastStats = st
	}
}

// reportStats prints the per-second aggregate line and refreshes the
// cross-goroutine snapshot for the status API.
func (r *Relay) reportStats() {
	var totUp, totDown uint64
	views := make([]ViewerSnapshot, 0, len(r.viewers))
	for _, v := range r.viewers {
		totUp += v.upRate
		totDown += v.downRate
		views = append(views, ViewerSnapshot{
			ID:        v.id,
			Host:      v.lastStats.Host,
			Connector: v.lastStats.Connector,
			Conntime:  v.lastStats.Conntime,
			Up:        v.lastStats.Up,
			Down:      v.lastStats.Down,
			UpRate:    v.upRate,
			DownRate:  v.downRate,
		})
	}
	if len(r.viewers) > 0 {
		fmt.Fprintf(r.stdout, "Stats: %d viewers, %d up, %d down\n", len(r.viewers), totUp, totDown)
	}

	r.snapMu.Lock()
	r.snapshot = Snapshot{
		Stream:       r.cfg.StreamName,
		UptimeMs:     time.Since(r.startTime).Milliseconds(),
		TagsIngested: r.loopCount,
		Viewers:      views,
		TotalUpRate:  totUp,
		TotalDown:    totDown,
	}
	r.snapMu.Unlock()
}

// StatusSnapshot returns the most recent stats snapshot. Safe to call from
// other goroutines.
func (r *Relay) StatusSnapshot() Snapshot {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	return r.snapshot
}

// IngestError returns the error that ended ingest, if any. io.EOF and
// io.ErrUnexpectedEOF are the clean-shutdown cases.
func (r *Relay) IngestError() error {
	r.ingestMu.Lock()
	defer r.ingestMu.Unlock()
	return r.ingestErr
}
