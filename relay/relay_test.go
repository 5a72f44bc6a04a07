package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mheld/ringcast/flv"
)

// waitFor polls until the captured stdout contains want.
func waitFor(t *testing.T, out *lockedBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(out.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q in output:\n%s", want, out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if c, err := net.Dial("unix", path); err == nil {
			c.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stream socket %s never appeared", path)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFull(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("reading %d bytes: %v", n, err)
	}
	return buf
}

// streamPreamble builds the tag sequence every test stream starts with:
// metadata, AAC audio config, AVC video config.
func streamPreamble() (md, aacCfg, avcCfg []byte) {
	md = rawTag(flv.TagScript, 0, []byte{0x02, 0x00, 0x0A, 'o', 'n', 'M', 'e', 't', 'a', 'D', 'a', 't', 'a'})
	aacCfg = rawTag(flv.TagAudio, 0, []byte{0xAF, 0x00, 0x12, 0x10})
	avcCfg = rawTag(flv.TagVideo, 0, []byte{0x17, 0x00, 0x01, 0x64, 0x00, 0x1F})
	return
}

func TestRelayEndToEnd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	out := &lockedBuffer{}
	pr, pw := io.Pipe()

	r := New(Config{
		Buffers:    16,
		StreamName: "e2e",
		SocketDir:  dir,
		Stdin:      pr,
		Stdout:     out,
	})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	md, aacCfg, avcCfg := streamPreamble()
	kf1 := rawTag(flv.TagVideo, 1000, []byte{0x17, 0x01, 0x01})
	p1 := rawTag(flv.TagVideo, 1040, []byte{0x27, 0x01, 0x02})
	p2 := rawTag(flv.TagVideo, 1080, []byte{0x27, 0x01, 0x03})
	kf2 := rawTag(flv.TagVideo, 2000, []byte{0x17, 0x01, 0x04})
	p3 := rawTag(flv.TagVideo, 2040, []byte{0x27, 0x01, 0x05})

	for _, tag := range [][]byte{md, aacCfg, avcCfg, kf1, p1, p2, kf2, p3} {
		if _, err := pw.Write(tag); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, out, "Received metadata!")
	waitFor(t, out, "Received audio configuration!")
	waitFor(t, out, "Received video configuration!")
	waitForSocket(t, SocketPath(dir, "e2e"))
	time.Sleep(200 * time.Millisecond) // let the remaining tags drain into the ring

	conn, err := net.Dial("unix", SocketPath(dir, "e2e"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, out, "User 0 connected")

	// Join preamble: FLV header, metadata, audio init, video init.
	if got := readFull(t, conn, 13); !bytes.Equal(got, flv.Header) {
		t.Errorf("FLV header mismatch: % X", got)
	}
	if got := readFull(t, conn, len(md)); !bytes.Equal(got, md) {
		t.Error("metadata tag mismatch")
	}
	if got := readFull(t, conn, len(aacCfg)); !bytes.Equal(got, aacCfg) {
		t.Error("audio init mismatch")
	}
	if got := readFull(t, conn, len(avcCfg)); !bytes.Equal(got, avcCfg) {
		t.Error("video init mismatch")
	}

	// Live data starts at the most recent keyframe before the join.
	if got := readFull(t, conn, len(kf2)); !bytes.Equal(got, kf2) {
		t.Error("first live tag is not the join keyframe")
	}
	if got := readFull(t, conn, len(p3)); !bytes.Equal(got, p3) {
		t.Error("tag after join keyframe mismatch")
	}

	pw.Close()
	waitFor(t, out, "Reached EOF of input")
	waitFor(t, out, "Shutting down...")

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on clean EOF", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop after ingest EOF")
	}
}

func TestPushNegotiation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	out := &lockedBuffer{}

	r := New(Config{
		Buffers:    4,
		StreamName: "push",
		SocketDir:  dir,
		Stdin:      bytes.NewReader(nil), // must not be consumed in push mode
		PushIP:     "10.0.0.5",
		Stdout:     out,
	})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	path := SocketPath(dir, "push")
	waitForSocket(t, path)

	// Wrong address: denied and disconnected.
	a, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	a.Write([]byte("P 10.0.0.2\n"))
	waitFor(t, out, "Push denied - invalid IP address!")
	a.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := a.Read(make([]byte, 1)); err == nil {
		t.Error("denied pusher must be disconnected")
	}
	a.Close()

	// Matching address: promoted to ingest source.
	b, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	b.Write([]byte("P 10.0.0.5\n"))
	waitFor(t, out, "Push accepted!")

	// Second push while one is active: denied.
	c, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	c.Write([]byte("P 10.0.0.5\n"))
	waitFor(t, out, "Push denied - push already in progress!")
	c.Close()

	// The promoted peer feeds the stream.
	md, aacCfg, avcCfg := streamPreamble()
	b.Write(md)
	b.Write(aacCfg)
	b.Write(avcCfg)
	waitFor(t, out, "Received metadata!")
	waitFor(t, out, "Received video configuration!")

	b.Close()
	waitFor(t, out, "Reached EOF of input")
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop after push EOF")
	}
}

func TestPushDeniedWithoutPushIP(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	out := &lockedBuffer{}
	pr, pw := io.Pipe()

	r := New(Config{
		Buffers:    4,
		StreamName: "nopush",
		SocketDir:  dir,
		Stdin:      pr,
		Stdout:     out,
	})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	path := SocketPath(dir, "nopush")
	waitForSocket(t, path)

	// With no push address configured, even a bare "P" line (whose empty
	// payload would otherwise equal the empty config) must be denied, or
	// a second ingest source would race the stdin reader.
	c, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	c.Write([]byte("P\n"))
	waitFor(t, out, "Push denied - invalid IP address!")
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("denied pusher must be disconnected")
	}
	c.Close()
	if strings.Contains(out.String(), "Push accepted!") {
		t.Fatal("relay without a push IP must never promote a pusher")
	}

	pw.Close()
	waitFor(t, out, "Reached EOF of input")
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop after ingest EOF")
	}
}

func TestMetadataReannounceAborts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	out := &lockedBuffer{}
	pr, pw := io.Pipe()

	r := New(Config{
		Buffers:    8,
		StreamName: "abort",
		SocketDir:  dir,
		Stdin:      pr,
		Stdout:     out,
	})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	defer pw.Close()

	md, aacCfg, avcCfg := streamPreamble()
	pw.Write(md)
	pw.Write(aacCfg)
	pw.Write(avcCfg)
	waitFor(t, out, "Received video configuration!")

	// A second metadata tag after full init is a stream reset: abort.
	pw.Write(md)
	waitFor(t, out, "Cancelling broadcast!")
	waitFor(t, out, "FLV parse error")

	select {
	case err := <-done:
		if !errors.Is(err, ErrStreamParse) {
			t.Errorf("Run returned %v, want ErrStreamParse", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop on parse error")
	}
}

func TestEmptyInputExitsCleanly(t *testing.T) {
	t.Parallel()
	out := &lockedBuffer{}
	r := New(Config{
		Buffers:    4,
		StreamName: "empty",
		SocketDir:  t.TempDir(),
		Stdin:      bytes.NewReader(nil),
		Stdout:     out,
	})
	err := r.Run(context.Background())
	if err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	if !strings.Contains(out.String(), "Reached EOF of input") {
		t.Error("missing EOF line")
	}
}

func TestSocketPath(t *testing.T) {
	t.Parallel()
	if got := SocketPath("", "live"); got != "/tmp/shared_socket_live" {
		t.Errorf("SocketPath = %q", got)
	}
}
