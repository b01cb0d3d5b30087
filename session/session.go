// Package session implements the steering session state machine on the
// coordinating process: accepting a client, the handshake/go sequence,
// draining and interpreting client messages, and the outgoing
// energies+coordinates frame.
//
// Every fault on an established connection resolves to a clean disconnect
// and a return to AwaitingConnection; nothing in this package ever aborts
// the host simulation.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/apexsims/steer/forcelog"
	"github.com/apexsims/steer/iox"
	"github.com/apexsims/steer/log"
	"github.com/apexsims/steer/metrics"
	"github.com/apexsims/steer/transport"
	"github.com/apexsims/steer/types"
	"github.com/apexsims/steer/wire"
)

// Connect-phase waits: poll the listener once a second while blocked, and
// give the client one second to follow the handshake with its go order.
const (
	loopWait    = time.Second
	connectWait = time.Second
	pauseWait   = time.Second
)

// State of the session machine.
type State int

const (
	// Unconfigured means no session is possible for this run.
	Unconfigured State = iota
	// AwaitingConnection means the listener is up with no client attached.
	AwaitingConnection
	// Handshaking covers accept, handshake send, and the bounded wait for go.
	Handshaking
	// Active means bidirectional traffic is flowing.
	Active
	// Terminated is terminal; the host simulation has been signaled to stop.
	Terminated
)

var stateNames = map[State]string{
	Unconfigured:       "unconfigured",
	AwaitingConnection: "awaiting-connection",
	Handshaking:        "handshaking",
	Active:             "active",
	Terminated:         "terminated",
}

func (s State) String() string { return stateNames[s] }

// Config is the session configuration surface. Permission switches are
// independent; a session is only created when at least one of them is set.
type Config struct {
	// TrackedAtoms is the size of the tracked atom set.
	TrackedAtoms int
	// DefaultPeriod is the communication period adopted when the client has
	// not requested one (or requested zero).
	DefaultPeriod int
	// Port to listen on; 0 picks an ephemeral port.
	Port int
	// WaitForClient blocks simulation start until a client attached.
	WaitForClient bool
	// Terminatable allows the client to stop the simulation.
	Terminatable bool
	// AllowForces allows the client to inject external forces.
	AllowForces bool
}

// Enabled reports whether this configuration asks for a session at all.
func (c Config) Enabled() bool {
	return c.WaitForClient || c.Terminatable || c.AllowForces
}

// Session is the single long-lived steering context on the coordinator.
type Session struct {
	cfg     Config
	logger  *log.Logger
	metrics *metrics.Collector
	flog    *forcelog.Log

	listener *transport.Listener
	client   *transport.Conn
	connID   string

	state      State
	paused     bool
	terminated bool
	wait       bool // live copy of cfg.WaitForClient, cleared by kill

	periodRequest int

	newForces bool
	stagedIdx []int32
	stagedF   []float32 // client units, flat 3N

	energies types.EnergyBlock
}

// New opens the listening endpoint and returns the session in
// AwaitingConnection. Bind/listen failures are fatal to session setup and
// propagate. flog may be forcelog.Discard().
func New(cfg Config, logger *log.Logger, collector *metrics.Collector, flog *forcelog.Log) (*Session, error) {
	ln, err := transport.Listen(cfg.Port)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:           cfg,
		logger:        logger,
		metrics:       collector,
		flog:          flog,
		listener:      ln,
		state:         AwaitingConnection,
		wait:          cfg.WaitForClient,
		periodRequest: cfg.DefaultPeriod,
	}
	logger.Info("listening for steering connections", map[string]any{"port": ln.Port()})
	return s, nil
}

// Port returns the actually bound listening port.
func (s *Session) Port() int { return s.listener.Port() }

// State returns the current machine state.
func (s *Session) State() State { return s.state }

// Connected reports whether a client is attached and past the go order.
func (s *Session) Connected() bool { return s.state == Active }

// TerminationRequested reports whether a permitted kill order arrived.
func (s *Session) TerminationRequested() bool { return s.terminated }

// WaitForClient reports whether the run should block until a client
// attaches. Cleared by a permitted kill so shutdown does not re-block.
func (s *Session) WaitForClient() bool { return s.wait }

// PeriodRequest returns the communication period the client asked for, or
// the configured default.
func (s *Session) PeriodRequest() int { return s.periodRequest }

// ForcesAllowed reports whether force injection is enabled for this run.
func (s *Session) ForcesAllowed() bool { return s.cfg.AllowForces }

// ForceLog returns the change-tracked force log.
func (s *Session) ForceLog() *forcelog.Log { return s.flog }

// TryConnect polls the listener once and, when a client is pending, runs
// the accept + handshake + bounded go wait. Returns whether a client is now
// attached. Any failure in the sequence disconnects and logs; it never
// propagates.
func (s *Session) TryConnect() bool {
	if s.state == Active {
		return true
	}
	conn, err := s.listener.Accept(0)
	if err != nil {
		s.logger.Warn("accepting the connection failed", map[string]any{"error": err.Error()})
		return false
	}
	if conn == nil {
		return false
	}

	s.client = conn
	s.connID = uuid.NewString()
	s.state = Handshaking
	s.metrics.IncConnectionAccepted()
	s.logger.Info("client connected", map[string]any{
		"conn_id": s.connID,
		"remote":  conn.RemoteAddr(),
	})

	if err := wire.WriteHandshake(conn); err != nil {
		s.fail("handshake failed", err)
		return false
	}

	// The client must follow up with its go order within the bounded wait.
	ready, err := conn.HasInput(connectWait)
	if err != nil || !ready {
		s.fail("no go order received, connection failed", err)
		return false
	}
	typ, _, err := wire.ReadHeader(conn)
	if err != nil || typ != wire.MsgGo {
		s.fail("no go order received, connection failed", err)
		return false
	}

	s.state = Active
	s.logger.Info("session active", map[string]any{"conn_id": s.connID})
	return true
}

// BlockConnect waits until a client attached and sent go, polling once per
// loopWait. The wait is preempted when stop closes.
func (s *Session) BlockConnect(stop <-chan struct{}) {
	select {
	case <-stop:
		return
	default:
	}
	s.logger.Info("waiting for a steering client", map[string]any{"port": s.Port()})
	for s.state != Active {
		if s.TryConnect() {
			return
		}
		select {
		case <-stop:
			return
		case <-time.After(loopWait):
		}
	}
}

// Drain reads and interprets all currently pending client messages in one
// pass. While paused, the drain blocks waiting for the next message, which
// is what holds the simulation still. Returns once no input is pending (or
// the client is gone).
func (s *Session) Drain() {
	for s.client != nil {
		timeout := time.Duration(0)
		if s.paused {
			timeout = pauseWait
		}
		ready, err := s.client.HasInput(timeout)
		if err != nil {
			s.fail("reading from client failed", err)
			return
		}
		if !ready {
			if s.paused {
				continue
			}
			return
		}

		typ, length, err := wire.ReadHeader(s.client)
		if err != nil {
			s.metrics.IncProtocolError()
			s.fail("malformed message header", err)
			return
		}
		s.metrics.IncMessage(typ.String())

		switch typ {
		case wire.MsgKill:
			s.handleKill()

		case wire.MsgDisconnect:
			s.logger.Info("client disconnecting", map[string]any{"conn_id": s.connID})
			s.Disconnect()
			return

		case wire.MsgForceBatch:
			if !s.stageForces(length) {
				return
			}

		case wire.MsgPause:
			s.paused = !s.paused
			if s.paused {
				s.logger.Info("pause command received", map[string]any{"conn_id": s.connID})
			} else {
				s.logger.Info("un-pause command received", map[string]any{"conn_id": s.connID})
			}

		case wire.MsgRateChange:
			if length > 0 {
				s.periodRequest = int(length)
			} else {
				s.periodRequest = s.cfg.DefaultPeriod
			}
			s.logger.Info("communication period updated", map[string]any{
				"conn_id": s.connID,
				"period":  s.periodRequest,
			})

		default:
			// Energies, Coordinates, Handshake, Go and anything else are
			// never legal from the client while draining.
			s.metrics.IncProtocolError()
			s.logger.Warn("received unexpected message, terminating connection", map[string]any{
				"conn_id": s.connID,
				"type":    typ.String(),
			})
			s.Disconnect()
			return
		}
	}
}

// handleKill honors a termination request only when permitted by
// configuration; otherwise it is logged and ignored.
func (s *Session) handleKill() {
	if !s.cfg.Terminatable {
		s.metrics.IncKillIgnored()
		s.logger.Warn("kill order ignored, termination not permitted by configuration", map[string]any{
			"conn_id": s.connID,
		})
		return
	}
	s.logger.Info("terminating simulation on client request", map[string]any{"conn_id": s.connID})
	s.terminated = true
	s.wait = false
}

// stageForces reads a force batch of the given atom count and stages it as
// the pending assignment. A decode failure is fatal to the connection, not
// to the simulation.
func (s *Session) stageForces(count int32) bool {
	if int(count) > s.cfg.TrackedAtoms {
		s.metrics.IncProtocolError()
		s.logger.Warn("force batch exceeds tracked atom count", map[string]any{
			"conn_id": s.connID,
			"count":   count,
			"tracked": s.cfg.TrackedAtoms,
		})
		s.Disconnect()
		return false
	}
	idx, f, err := wire.ReadForceBatch(s.client, count)
	if err != nil {
		s.metrics.IncProtocolError()
		s.fail("reading forces from client failed", err)
		return false
	}
	for _, i := range idx {
		if int(i) < 0 || int(i) >= s.cfg.TrackedAtoms {
			s.metrics.IncProtocolError()
			s.logger.Warn("force batch addresses an untracked atom", map[string]any{
				"conn_id": s.connID,
				"index":   i,
			})
			s.Disconnect()
			return false
		}
	}
	s.stagedIdx = idx
	s.stagedF = f
	s.newForces = true
	s.metrics.IncForceBatch()
	return true
}

// StagedForces returns the most recent force batch in client units and
// whether it is new since the last call. Consuming it clears the new flag;
// the staged arrays stay valid for re-broadcast decisions.
func (s *Session) StagedForces() (idx []int32, f []float32, fresh bool) {
	fresh = s.newForces
	s.newForces = false
	return s.stagedIdx, s.stagedF, fresh
}

// UpdateEnergies stamps the step number and, when fresh values are
// authoritative this step, overwrites the energy terms. Otherwise the
// previous terms stay on display.
func (s *Session) UpdateEnergies(step int32, fresh *types.EnergyBlock) {
	s.energies.Step = step
	if fresh != nil {
		stamped := *fresh
		stamped.Step = step
		s.energies = stamped
	}
}

// SendFrame writes the outgoing energies and coordinates messages. Any
// write failure disconnects the client.
func (s *Session) SendFrame(x []types.Vec3) {
	if s.state != Active {
		return
	}
	if err := wire.WriteEnergies(s.client, &s.energies); err != nil {
		s.fail("sending updated energies failed", err)
		return
	}
	if err := wire.WriteCoordinates(s.client, x); err != nil {
		s.fail("sending updated positions failed", err)
		return
	}
	s.metrics.IncFrameSent()
}

// fail logs the connection-level fault and disconnects. It never escalates.
func (s *Session) fail(msg string, err error) {
	fields := map[string]any{"conn_id": s.connID}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger.Warn(msg, fields)
	s.Disconnect()
}

// Disconnect flushes pending force-log output, shuts the client endpoint
// down, resets the period request to the configured default, and returns to
// AwaitingConnection (or Terminated after a permitted kill).
func (s *Session) Disconnect() {
	iox.DiscardErr(s.flog.Flush)
	if s.client != nil {
		iox.DiscardClose(s.client)
		s.client = nil
		s.metrics.IncDisconnect()
		s.logger.Info("client disconnected", map[string]any{"conn_id": s.connID})
	}
	s.connID = ""
	s.paused = false
	s.newForces = false
	s.periodRequest = s.cfg.DefaultPeriod
	if s.terminated {
		s.state = Terminated
	} else {
		s.state = AwaitingConnection
	}
}

// Close tears the session down at simulation shutdown. Idempotent.
func (s *Session) Close() error {
	if s.client != nil {
		s.Disconnect()
	}
	return s.listener.Close()
}
