package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/apexsims/steer/forcelog"
	"github.com/apexsims/steer/log"
	"github.com/apexsims/steer/metrics"
	"github.com/apexsims/steer/types"
	"github.com/apexsims/steer/wire"
)

func newTestSession(t *testing.T, cfg Config) (*Session, *metrics.Collector) {
	t.Helper()
	collector := metrics.NewCollector()
	s, err := New(cfg, log.Nop(), collector, forcelog.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, collector
}

// attach runs the full connection setup from both ends and returns the
// client side of an Active session.
func attach(t *testing.T, s *Session) net.Conn {
	t.Helper()
	done := make(chan net.Conn, 1)
	go func() {
		c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
		if err != nil {
			done <- nil
			return
		}
		buf := make([]byte, wire.HeaderSize)
		if _, err := io.ReadFull(c, buf); err != nil {
			c.Close()
			done <- nil
			return
		}
		if err := wire.WriteHeader(c, wire.MsgGo, 0); err != nil {
			c.Close()
			done <- nil
			return
		}
		done <- c
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !s.TryConnect() {
		if time.Now().After(deadline) {
			t.Fatal("client never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c := <-done
	if c == nil {
		t.Fatal("client half of the connection setup failed")
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// drainUntil keeps draining until cond holds, failing on a budget overrun.
func drainUntil(t *testing.T, s *Session, cond func() bool, what string) {
	t.Helper()
	for i := 0; i < 400; i++ {
		s.Drain()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never reached: %s", what)
}

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Error("empty config must not enable a session")
	}
	for _, c := range []Config{
		{WaitForClient: true},
		{Terminatable: true},
		{AllowForces: true},
	} {
		if !c.Enabled() {
			t.Errorf("config %+v should enable a session", c)
		}
	}
}

func TestHandshakeVersionAndGo(t *testing.T) {
	s, collector := newTestSession(t, Config{AllowForces: true, TrackedAtoms: 3, DefaultPeriod: 1})

	version := make(chan uint32, 1)
	go func() {
		c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
		if err != nil {
			version <- 0
			return
		}
		defer c.Close()
		buf := make([]byte, wire.HeaderSize)
		if _, err := io.ReadFull(c, buf); err != nil {
			version <- 0
			return
		}
		if typ, _ := wire.DecodeHeader(buf); typ != wire.MsgHandshake {
			version <- 0
			return
		}
		// The version travels in the sender's byte order; same host here.
		version <- binary.NativeEndian.Uint32(buf[4:8])
		wire.WriteHeader(c, wire.MsgGo, 0)
		time.Sleep(200 * time.Millisecond)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !s.TryConnect() {
		if time.Now().After(deadline) {
			t.Fatal("session never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := <-version; got != wire.ProtocolVersion {
		t.Errorf("handshake version = %d, want %d", got, wire.ProtocolVersion)
	}
	if s.State() != Active {
		t.Errorf("state = %v, want %v", s.State(), Active)
	}
	if n := collector.Snapshot().ConnectionsAccepted; n != 1 {
		t.Errorf("connections accepted = %d, want 1", n)
	}
}

func TestMissingGoOrderDisconnects(t *testing.T) {
	s, collector := newTestSession(t, Config{AllowForces: true, TrackedAtoms: 3, DefaultPeriod: 1})

	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	// The client dials but never answers the handshake. The go wait is one
	// second, so poll a little longer than that.
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != AwaitingConnection || collector.Snapshot().Disconnects == 0 {
		if time.Now().After(deadline) {
			t.Fatal("silent client was never dropped")
		}
		s.TryConnect()
		time.Sleep(10 * time.Millisecond)
	}
	if s.Connected() {
		t.Error("session still connected after dropping a silent client")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	s, collector := newTestSession(t, Config{AllowForces: true, TrackedAtoms: 2, DefaultPeriod: 1})
	c := attach(t, s)

	s.UpdateEnergies(7, &types.EnergyBlock{Temperature: 300, Potential: -1234.5})
	s.SendFrame([]types.Vec3{{1, 2, 3}, {0.15, 0, -0.2}})

	head := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(c, head); err != nil {
		t.Fatalf("reading energies header: %v", err)
	}
	typ, length := wire.DecodeHeader(head)
	if typ != wire.MsgEnergies || length != 1 {
		t.Fatalf("energies header = (%v, %d), want (%v, 1)", typ, length, wire.MsgEnergies)
	}
	block := make([]byte, wire.EnergyBlockSize)
	if _, err := io.ReadFull(c, block); err != nil {
		t.Fatalf("reading energy block: %v", err)
	}
	if step := int32(binary.BigEndian.Uint32(block[0:4])); step != 7 {
		t.Errorf("energy step = %d, want 7", step)
	}
	temp := math.Float32frombits(binary.BigEndian.Uint32(block[4:8]))
	if temp != 300 {
		t.Errorf("temperature = %v, want 300", temp)
	}

	if _, err := io.ReadFull(c, head); err != nil {
		t.Fatalf("reading coordinates header: %v", err)
	}
	typ, length = wire.DecodeHeader(head)
	if typ != wire.MsgCoordinates || length != 2 {
		t.Fatalf("coordinates header = (%v, %d), want (%v, 2)", typ, length, wire.MsgCoordinates)
	}
	coords := make([]byte, 24)
	if _, err := io.ReadFull(c, coords); err != nil {
		t.Fatalf("reading coordinates: %v", err)
	}
	// Positions leave the wire in Angstrom, ten times the internal nm.
	x0 := math.Float32frombits(binary.BigEndian.Uint32(coords[0:4]))
	z1 := math.Float32frombits(binary.BigEndian.Uint32(coords[20:24]))
	if x0 != 10 {
		t.Errorf("first coordinate = %v, want 10", x0)
	}
	if math.Abs(float64(z1)+2) > 1e-6 {
		t.Errorf("last coordinate = %v, want -2", z1)
	}

	if n := collector.Snapshot().FramesSent; n != 1 {
		t.Errorf("frames sent = %d, want 1", n)
	}
}

func TestDrainStagesForces(t *testing.T) {
	s, collector := newTestSession(t, Config{AllowForces: true, TrackedAtoms: 4, DefaultPeriod: 1})
	c := attach(t, s)

	var buf bytes.Buffer
	wire.WriteHeader(&buf, wire.MsgForceBatch, 2)
	binary.Write(&buf, binary.BigEndian, []int32{1, 3})
	binary.Write(&buf, binary.BigEndian, []float32{1, 0, 0, 0, -2.5, 0})
	if _, err := c.Write(buf.Bytes()); err != nil {
		t.Fatalf("sending batch: %v", err)
	}

	drainUntil(t, s, func() bool { return collector.Snapshot().ForceBatches == 1 }, "batch staged")

	idx, f, fresh := s.StagedForces()
	if !fresh {
		t.Fatal("staged batch not marked fresh")
	}
	if len(idx) != 2 || idx[0] != 1 || idx[1] != 3 {
		t.Errorf("staged indices = %v, want [1 3]", idx)
	}
	if len(f) != 6 || f[4] != -2.5 {
		t.Errorf("staged forces = %v, want client units unconverted", f)
	}
	if _, _, fresh := s.StagedForces(); fresh {
		t.Error("second read still reports the batch as fresh")
	}
}

func TestForceBatchBadIndexDisconnects(t *testing.T) {
	s, collector := newTestSession(t, Config{AllowForces: true, TrackedAtoms: 4, DefaultPeriod: 1})
	c := attach(t, s)

	var buf bytes.Buffer
	wire.WriteHeader(&buf, wire.MsgForceBatch, 1)
	binary.Write(&buf, binary.BigEndian, []int32{9})
	binary.Write(&buf, binary.BigEndian, []float32{1, 1, 1})
	if _, err := c.Write(buf.Bytes()); err != nil {
		t.Fatalf("sending batch: %v", err)
	}

	drainUntil(t, s, func() bool { return s.State() == AwaitingConnection }, "bad index disconnects")
	snap := collector.Snapshot()
	if snap.ProtocolErrors == 0 {
		t.Error("protocol error not counted")
	}
	if snap.ForceBatches != 0 {
		t.Error("rejected batch was staged")
	}
}

func TestOversizedForceBatchDisconnects(t *testing.T) {
	s, _ := newTestSession(t, Config{AllowForces: true, TrackedAtoms: 2, DefaultPeriod: 1})
	c := attach(t, s)

	if err := wire.WriteHeader(c, wire.MsgForceBatch, 5); err != nil {
		t.Fatalf("sending header: %v", err)
	}
	drainUntil(t, s, func() bool { return s.State() == AwaitingConnection }, "oversized batch disconnects")
}

func TestUnexpectedMessageDisconnects(t *testing.T) {
	s, collector := newTestSession(t, Config{AllowForces: true, TrackedAtoms: 2, DefaultPeriod: 1})
	c := attach(t, s)

	// Energies only ever flow server to client.
	if err := wire.WriteHeader(c, wire.MsgEnergies, 1); err != nil {
		t.Fatalf("sending header: %v", err)
	}
	drainUntil(t, s, func() bool { return s.State() == AwaitingConnection }, "unexpected message disconnects")
	if collector.Snapshot().ProtocolErrors == 0 {
		t.Error("protocol error not counted")
	}
}

func TestRateChangeUpdatesPeriodRequest(t *testing.T) {
	s, _ := newTestSession(t, Config{AllowForces: true, TrackedAtoms: 2, DefaultPeriod: 10})
	c := attach(t, s)

	if err := wire.WriteHeader(c, wire.MsgRateChange, 7); err != nil {
		t.Fatalf("sending rate change: %v", err)
	}
	drainUntil(t, s, func() bool { return s.PeriodRequest() == 7 }, "period request updated")

	// A non-positive rate falls back to the configured default.
	if err := wire.WriteHeader(c, wire.MsgRateChange, 0); err != nil {
		t.Fatalf("sending rate change: %v", err)
	}
	drainUntil(t, s, func() bool { return s.PeriodRequest() == 10 }, "period request reset")
}

func TestPauseBlocksUntilUnpaused(t *testing.T) {
	s, _ := newTestSession(t, Config{AllowForces: true, TrackedAtoms: 2, DefaultPeriod: 1})
	c := attach(t, s)

	if err := wire.WriteHeader(c, wire.MsgPause, 0); err != nil {
		t.Fatalf("sending pause: %v", err)
	}
	go func() {
		time.Sleep(300 * time.Millisecond)
		wire.WriteHeader(c, wire.MsgPause, 0)
	}()

	// Drain must hold the caller while paused and only return once the
	// un-pause arrives.
	start := time.Now()
	drainUntil(t, s, func() bool { return !s.paused }, "unpaused")
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("drain returned after %v, expected to block through the pause", elapsed)
	}
	if s.State() != Active {
		t.Errorf("state = %v after pause cycle, want %v", s.State(), Active)
	}
}

func TestKillHonoredLeadsToTerminated(t *testing.T) {
	s, _ := newTestSession(t, Config{Terminatable: true, WaitForClient: true, TrackedAtoms: 2, DefaultPeriod: 1})
	c := attach(t, s)

	if !s.WaitForClient() {
		t.Fatal("wait flag should start set")
	}
	if err := wire.WriteHeader(c, wire.MsgKill, 0); err != nil {
		t.Fatalf("sending kill: %v", err)
	}
	drainUntil(t, s, func() bool { return s.TerminationRequested() }, "termination requested")
	if s.WaitForClient() {
		t.Error("permitted kill must clear the wait flag")
	}

	s.Disconnect()
	if s.State() != Terminated {
		t.Errorf("state = %v after kill and disconnect, want %v", s.State(), Terminated)
	}
}

func TestKillIgnoredKeepsSessionActive(t *testing.T) {
	s, collector := newTestSession(t, Config{AllowForces: true, TrackedAtoms: 2, DefaultPeriod: 1})
	c := attach(t, s)

	if err := wire.WriteHeader(c, wire.MsgKill, 0); err != nil {
		t.Fatalf("sending kill: %v", err)
	}
	drainUntil(t, s, func() bool { return collector.Snapshot().KillsIgnored == 1 }, "kill ignored")
	if s.TerminationRequested() {
		t.Error("termination honored despite being disabled")
	}
	if s.State() != Active {
		t.Errorf("state = %v after ignored kill, want %v", s.State(), Active)
	}
}

func TestClientDisconnectReturnsToAwaiting(t *testing.T) {
	s, collector := newTestSession(t, Config{AllowForces: true, TrackedAtoms: 2, DefaultPeriod: 5})
	c := attach(t, s)

	// Leave a period request behind so the reset is observable.
	if err := wire.WriteHeader(c, wire.MsgRateChange, 2); err != nil {
		t.Fatalf("sending rate change: %v", err)
	}
	drainUntil(t, s, func() bool { return s.PeriodRequest() == 2 }, "period request updated")

	if err := wire.WriteHeader(c, wire.MsgDisconnect, 0); err != nil {
		t.Fatalf("sending disconnect: %v", err)
	}
	drainUntil(t, s, func() bool { return s.State() == AwaitingConnection }, "clean disconnect")

	if s.PeriodRequest() != 5 {
		t.Errorf("period request = %d after disconnect, want the default 5", s.PeriodRequest())
	}
	if collector.Snapshot().Disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", collector.Snapshot().Disconnects)
	}

	// A second client can attach to the same session.
	attach(t, s)
	if s.State() != Active {
		t.Errorf("state = %v after reattach, want %v", s.State(), Active)
	}
}

func TestAbruptClientLossDisconnects(t *testing.T) {
	s, _ := newTestSession(t, Config{AllowForces: true, TrackedAtoms: 2, DefaultPeriod: 1})
	c := attach(t, s)

	// Half a header, then the socket dies.
	if _, err := c.Write([]byte{0, 0}); err != nil {
		t.Fatalf("writing partial header: %v", err)
	}
	c.Close()
	drainUntil(t, s, func() bool { return s.State() == AwaitingConnection }, "abrupt loss disconnects")
}
