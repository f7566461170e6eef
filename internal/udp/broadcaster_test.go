package udp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"mcsmotor/internal/monitor"
	"mcsmotor/internal/motor"
)

type fakeConn struct {
	writes    [][]byte
	writeErr  error
	closed    bool
	closeErr  error
	writeHits int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.writeHits++
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	cp := append([]byte(nil), p...)
	c.writes = append(c.writes, cp)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return c.closeErr
}

func TestNewBroadcaster_DialsResolvedAddr(t *testing.T) {
	var gotNetwork string
	var gotRaddr *net.UDPAddr
	fc := &fakeConn{}

	resolve := func(network, address string) (*net.UDPAddr, error) {
		return net.ResolveUDPAddr(network, address)
	}

	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		gotNetwork = network
		gotRaddr = raddr
		return fc, nil
	}

	b, err := newBroadcaster("127.0.0.1:4000", resolve, dial)
	if err != nil {
		t.Fatalf("newBroadcaster() error: %v", err)
	}
	defer b.Close()

	if gotNetwork != "udp" {
		t.Fatalf("network=%q want %q", gotNetwork, "udp")
	}
	if gotRaddr == nil || gotRaddr.Port != 4000 || !gotRaddr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("raddr=%v want 127.0.0.1:4000", gotRaddr)
	}
}

func TestNewBroadcaster_ResolveFailure(t *testing.T) {
	resolveErr := errors.New("nope")
	resolve := func(network, address string) (*net.UDPAddr, error) {
		return nil, resolveErr
	}
	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return &fakeConn{}, nil
	}

	_, err := newBroadcaster("bad:addr", resolve, dial)
	if !errors.Is(err, resolveErr) {
		t.Fatalf("err=%v want %v", err, resolveErr)
	}
}

func TestBroadcaster_Send_EmptyNoWrite(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{dest: "x", conn: fc}

	if err := b.Send(nil); err != nil {
		t.Fatalf("Send(nil) error: %v", err)
	}
	if err := b.Send([]byte{}); err != nil {
		t.Fatalf("Send(empty) error: %v", err)
	}
	if fc.writeHits != 0 {
		t.Fatalf("expected no writes, got %d", fc.writeHits)
	}
}

func TestBroadcaster_Send_WritesPayload(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{dest: "x", conn: fc}

	p := []byte{0x01, 0x02, 0x03}
	if err := b.Send(p); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if fc.writeHits != 1 {
		t.Fatalf("expected 1 write, got %d", fc.writeHits)
	}
	if len(fc.writes) != 1 {
		t.Fatalf("expected 1 captured write, got %d", len(fc.writes))
	}
	if string(fc.writes[0]) != string(p) {
		t.Fatalf("write=%v want %v", fc.writes[0], p)
	}
}

func TestBroadcaster_Send_PropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	fc := &fakeConn{writeErr: wantErr}
	b := &Broadcaster{dest: "x", conn: fc}

	err := b.Send([]byte{0x01})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err=%v want %v", err, wantErr)
	}
}

func TestBroadcaster_Close_NilConnNoPanic(t *testing.T) {
	b := &Broadcaster{}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestBroadcaster_SendSnapshot_JSON(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{dest: "x", conn: fc}

	snap := monitor.Snapshot{
		Samples:  3,
		Channels: []monitor.ChannelSnapshot{{ID: 1, Enabled: true, Running: true, Speed: 200, Mode: motor.ModeModulated, SenseValid: true, SenseRaw: 99}},
	}
	if err := b.SendSnapshot(snap); err != nil {
		t.Fatalf("SendSnapshot() error: %v", err)
	}
	if len(fc.writes) != 1 {
		t.Fatalf("writes=%d want 1", len(fc.writes))
	}
	var got map[string]any
	if err := json.Unmarshal(fc.writes[0], &got); err != nil {
		t.Fatalf("datagram is not json: %v", err)
	}
	chs := got["channels"].([]any)
	ch := chs[0].(map[string]any)
	if ch["mode"] != "pwm" || ch["speed"].(float64) != 200 || ch["sense_raw"].(float64) != 99 {
		t.Fatalf("channel=%v", ch)
	}
}

func TestBroadcaster_Run_SendsUntilClosed(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{dest: "x", conn: fc}

	snaps := make(chan monitor.Snapshot, 3)
	snaps <- monitor.Snapshot{Samples: 1}
	snaps <- monitor.Snapshot{Samples: 2}
	close(snaps)

	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), snaps)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after channel close")
	}
	if len(fc.writes) != 2 {
		t.Fatalf("writes=%d want 2", len(fc.writes))
	}
}

func TestBroadcaster_Run_KeepsGoingOnError(t *testing.T) {
	fc := &fakeConn{writeErr: errors.New("no route")}
	b := &Broadcaster{dest: "x", conn: fc}

	snaps := make(chan monitor.Snapshot, 2)
	snaps <- monitor.Snapshot{Samples: 1}
	snaps <- monitor.Snapshot{Samples: 2}
	close(snaps)
	b.Run(context.Background(), snaps)
	if fc.writeHits != 2 {
		t.Fatalf("writeHits=%d want 2", fc.writeHits)
	}
}

func TestBroadcaster_Run_StopsOnCancel(t *testing.T) {
	b := &Broadcaster{dest: "x", conn: &fakeConn{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Run(ctx, make(chan monitor.Snapshot))
}

func TestNewBroadcaster_LoopbackDatagram(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("no loopback udp: %v", err)
	}
	defer pc.Close()

	b, err := NewBroadcaster(pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewBroadcaster() error: %v", err)
	}
	defer b.Close()
	if err := b.SendSnapshot(monitor.Snapshot{Samples: 7}); err != nil {
		t.Fatalf("SendSnapshot() error: %v", err)
	}

	_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom() error: %v", err)
	}
	var got monitor.Snapshot
	if err := json.Unmarshal(buf[:n], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Samples != 7 {
		t.Fatalf("samples=%d want 7", got.Samples)
	}
}
