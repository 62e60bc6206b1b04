// Copyright (c) 2024 Lan-OS Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package engine

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/Puskar-Roy/Lan-OS/lib/discovery"
	"github.com/Puskar-Roy/Lan-OS/lib/game"
	"github.com/Puskar-Roy/Lan-OS/lib/history"
	"github.com/Puskar-Roy/Lan-OS/lib/protocol"
	"github.com/Puskar-Roy/Lan-OS/lib/remote"
	"github.com/Puskar-Roy/Lan-OS/lib/transfer"
)

// TargetBroadcast is the sentinel active target naming every established
// session.
const TargetBroadcast = "broadcast"

// Config defines engine configuration.
type Config struct {
	NodeID            string `yaml:"node_id"`
	Name              string `yaml:"name"`
	ListenPort        int    `yaml:"listen_port"`
	DialTimeout       string `yaml:"dial_timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

// Engine is the peer network core: it owns the session map, the discovered
// peer registry, the active chat target, and the synchronized game and
// command-approval state. All shared state is mutated by a single run loop;
// per-session I/O runs on independent goroutines that post events into it.
type Engine struct {
	config Config
	clock  clock.Clock
	stats  tally.Scope
	logger *zap.Logger

	nodeID string
	name   string
	device string

	listener          net.Listener
	dialTimeout       time.Duration
	heartbeatInterval time.Duration

	registry *Registry
	sessions map[string]*Session
	target   string

	transfers   *transfer.Engine
	fileOrigins map[string]string // fileId -> peerId of open inbound transfers
	gameMachine *game.Machine
	gameInviter string
	consent     *remote.ConsentFlow
	store       *history.Store // optional transfer ledger

	notifier *notifier

	tasks    chan func()
	stopChan chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates an engine listening on the configured port. A zero port picks
// a free one. The history store may be nil.
func New(config Config, transfers *transfer.Engine, store *history.Store, clk clock.Clock, stats tally.Scope, logger *zap.Logger) (*Engine, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("create listener: %s", err)
	}

	nodeID := config.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	name := config.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	device, _ := os.Hostname()

	dialTimeout := 5 * time.Second
	if config.DialTimeout != "" {
		if parsed, err := time.ParseDuration(config.DialTimeout); err == nil {
			dialTimeout = parsed
		}
	}
	heartbeatInterval := 3 * time.Second
	if config.HeartbeatInterval != "" {
		if parsed, err := time.ParseDuration(config.HeartbeatInterval); err == nil {
			heartbeatInterval = parsed
		}
	}

	return &Engine{
		config:            config,
		clock:             clk,
		stats:             stats,
		logger:            logger,
		nodeID:            nodeID,
		name:              name,
		device:            device,
		listener:          listener,
		dialTimeout:       dialTimeout,
		heartbeatInterval: heartbeatInterval,
		registry:          NewRegistry(),
		sessions:          make(map[string]*Session),
		target:            TargetBroadcast,
		transfers:         transfers,
		fileOrigins:       make(map[string]string),
		gameMachine:       game.NewMachine(logger),
		consent:           remote.NewConsentFlow(logger),
		notifier:          newNotifier(logger),
		tasks:             make(chan func(), 256),
		stopChan:          make(chan struct{}),
		stopped:           make(chan struct{}),
	}, nil
}

// NodeID returns the local peer id.
func (e *Engine) NodeID() string {
	return e.nodeID
}

// Port returns the bound listen port.
func (e *Engine) Port() int {
	return e.listener.Addr().(*net.TCPAddr).Port
}

// Subscribe registers an observer of engine events.
func (e *Engine) Subscribe() <-chan Event {
	return e.notifier.subscribe()
}

// SetExecRunner replaces the command runner used on approval. Call before
// Start.
func (e *Engine) SetExecRunner(runner remote.Runner) {
	e.consent.SetRunner(runner)
}

// Start launches the run loop and the accept loop.
func (e *Engine) Start() error {
	e.logger.Info("Starting peer engine",
		zap.String("node_id", e.nodeID),
		zap.String("name", e.name),
		zap.Int("port", e.Port()))

	go e.run()
	go e.acceptLoop()
	return nil
}

// Stop tears the engine down: the run loop exits, the listener closes, and
// every session transport is force-closed.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("Stopping peer engine")
		close(e.stopChan)
		e.listener.Close()
		<-e.stopped

		for _, session := range e.sessions {
			session.close()
		}
		e.transfers.Abort()
	})
}

// Consume feeds discovery boundary events into the registry.
func (e *Engine) Consume(events <-chan discovery.PeerEvent) {
	go func() {
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				e.handlePeerEvent(event)
			case <-e.stopChan:
				return
			}
		}
	}()
}

// ConsumeOutbox auto-sends files dropped into the outbox directory to the
// current direct target.
func (e *Engine) ConsumeOutbox(paths <-chan string) {
	go func() {
		for {
			select {
			case path, ok := <-paths:
				if !ok {
					return
				}
				if err := e.SendFile(path); err != nil {
					e.notifier.publish(Notice{Text: fmt.Sprintf("outbox send failed: %s", err)})
				}
			case <-e.stopChan:
				return
			}
		}
	}()
}

// handlePeerEvent converts a peer-up/peer-down event into a registry update.
func (e *Engine) handlePeerEvent(event discovery.PeerEvent) {
	e.post(func() {
		switch event.Kind {
		case discovery.PeerUp:
			changed := e.registry.Upsert(PeerInfo{
				PeerID:   event.PeerID,
				Name:     event.Name,
				Device:   event.Device,
				Addr:     event.Addr,
				Port:     event.Port,
				LastSeen: e.clock.Now(),
			})
			if changed {
				e.logger.Info("Peer discovered",
					zap.String("peer_id", event.PeerID),
					zap.String("name", event.Name),
					zap.String("addr", event.Addr),
					zap.Int("port", event.Port))
				e.notifier.publish(RegistryChanged{Peers: e.registry.List()})
			}
		case discovery.PeerDown:
			if e.registry.Remove(event.PeerID) {
				e.logger.Info("Peer withdrawn", zap.String("peer_id", event.PeerID))
				e.notifier.publish(RegistryChanged{Peers: e.registry.List()})
			}
		}
	})
}

// run serializes every state mutation: inbound messages, discovery events,
// heartbeat ticks and local commands all land here one at a time.
func (e *Engine) run() {
	defer close(e.stopped)

	ticker := e.clock.Ticker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-ticker.C:
			e.heartbeat()
		case <-e.stopChan:
			return
		}
	}
}

// post queues work onto the run loop without waiting for it.
func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.stopChan:
	}
}

// do runs fn on the run loop and returns its error to the caller.
func (e *Engine) do(fn func() error) error {
	result := make(chan error, 1)
	select {
	case e.tasks <- func() { result <- fn() }:
	case <-e.stopChan:
		return fmt.Errorf("engine stopped")
	}

	select {
	case err := <-result:
		return err
	case <-e.stopChan:
		return fmt.Errorf("engine stopped")
	}
}

// acceptLoop wraps newly accepted transports in session bookkeeping.
func (e *Engine) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.stopChan:
				return
			default:
				e.logger.Error("Error accepting connection", zap.Error(err))
				continue
			}
		}

		session := newSession(conn, false, e.logger)
		e.logger.Debug("Inbound connection", zap.String("addr", session.Addr))
		session.start(e)
	}
}

// Connect dials a discovered peer and initiates the pairing handshake.
// Unknown peers and duplicate connections are application errors; a dial
// timeout is reported as a notice and never retried.
func (e *Engine) Connect(peerID string) error {
	var peer PeerInfo
	err := e.do(func() error {
		var ok bool
		peer, ok = e.registry.Get(peerID)
		if !ok {
			return fmt.Errorf("peer %s not discovered", peerID)
		}
		if _, connected := e.sessions[peerID]; connected {
			return fmt.Errorf("already connected to %s", peerID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	go e.dial(peer)
	return nil
}

// dial opens the outbound transport with a bounded timeout and sends the
// initiator-side pairing message.
func (e *Engine) dial(peer PeerInfo) {
	addr := fmt.Sprintf("%s:%d", peer.Addr, peer.Port)
	conn, err := net.DialTimeout("tcp", addr, e.dialTimeout)
	if err != nil {
		e.stats.Counter("dial_failures").Inc(1)
		e.logger.Warn("Dial failed",
			zap.String("peer_id", peer.PeerID),
			zap.String("addr", addr),
			zap.Error(err))
		e.notifier.publish(Notice{Text: fmt.Sprintf("connect to %s failed: %s", peer.PeerID, err)})
		return
	}

	session := newSession(conn, true, e.logger)
	session.start(e)

	if err := e.sendPair(session, false); err != nil {
		e.logger.Warn("Failed to send pairing message",
			zap.String("peer_id", peer.PeerID),
			zap.Error(err))
		session.close()
	}
}

// sendPair queues the local pairing message on a session.
func (e *Engine) sendPair(session *Session, ack bool) error {
	data, err := protocol.EncodeEnvelope(protocol.TypePair, protocol.PairPayload{
		PeerID: e.nodeID,
		Name:   e.name,
		Device: e.device,
		Ack:    ack,
	})
	if err != nil {
		return err
	}
	return session.enqueue(protocol.Frame(protocol.KindControl, data))
}

// handlePair processes a pairing message. The session is established the
// moment the first pairing message is stored against its peer id. A
// duplicate pairing for an already-connected peer replaces the prior
// session: the newest transport wins and the old one is force-closed.
func (e *Engine) handlePair(session *Session, pair protocol.PairPayload) {
	if session.paired {
		return
	}
	if pair.PeerID == "" || pair.PeerID == e.nodeID {
		e.logger.Warn("Dropping invalid pairing message",
			zap.String("addr", session.Addr),
			zap.String("peer_id", pair.PeerID))
		return
	}

	session.PeerID = pair.PeerID
	session.Name = pair.Name
	session.Device = pair.Device
	session.paired = true
	session.alive = true
	session.lastPong = e.clock.Now()

	if prior, ok := e.sessions[pair.PeerID]; ok {
		e.logger.Info("Replacing existing session",
			zap.String("peer_id", pair.PeerID),
			zap.String("old_addr", prior.Addr),
			zap.String("new_addr", session.Addr))
		prior.close()
	}
	e.sessions[pair.PeerID] = session

	if !pair.Ack && !session.ackSent {
		session.ackSent = true
		if err := e.sendPair(session, true); err != nil {
			e.logger.Warn("Failed to acknowledge pairing",
				zap.String("peer_id", pair.PeerID),
				zap.Error(err))
		}
	}

	e.stats.Counter("sessions_established").Inc(1)
	e.logger.Info("Session established",
		zap.String("peer_id", pair.PeerID),
		zap.String("name", pair.Name),
		zap.Bool("initiator", session.Initiator))

	e.notifier.publish(ConnectionsChanged{Sessions: e.sessionSnapshots()})
	e.notifier.publish(Notice{Text: fmt.Sprintf("connected to %s", pair.Name)})
}

// heartbeat runs once per tick: a session that failed to answer the prior
// probe has its transport force-closed; everyone else gets a fresh probe.
// This catches half-open connections that never signal closure.
func (e *Engine) heartbeat() {
	for peerID, session := range e.sessions {
		if !session.alive {
			e.stats.Counter("heartbeat_force_closes").Inc(1)
			e.logger.Warn("Session missed heartbeat, closing",
				zap.String("peer_id", peerID),
				zap.Time("last_pong", session.lastPong))
			session.close()
			continue
		}

		session.alive = false
		if err := session.enqueue(protocol.Frame(protocol.KindPing, nil)); err != nil {
			e.logger.Debug("Failed to queue heartbeat probe",
				zap.String("peer_id", peerID))
		}
	}
}

// handlePong marks the session live again.
func (e *Engine) handlePong(session *Session) {
	session.alive = true
	session.lastPong = e.clock.Now()
}

// dropSession removes a torn-down session. If the closed peer was the
// active target, the target resets to broadcast and observers are notified
// exactly once.
func (e *Engine) dropSession(session *Session) {
	if session.PeerID == "" {
		return
	}
	current, ok := e.sessions[session.PeerID]
	if !ok || current != session {
		// Already replaced by a newer session for the same peer.
		return
	}
	delete(e.sessions, session.PeerID)

	e.logger.Info("Session closed",
		zap.String("peer_id", session.PeerID),
		zap.String("name", session.Name))

	if e.target == session.PeerID {
		e.target = TargetBroadcast
		e.notifier.publish(TargetChanged{Target: TargetBroadcast})
	}

	if e.gameMachine.Active() && e.gameMachine.Opponent() == session.PeerID {
		e.notifier.publish(Notice{Text: "game abandoned: opponent disconnected"})
	}

	e.notifier.publish(ConnectionsChanged{Sessions: e.sessionSnapshots()})
	e.notifier.publish(Notice{Text: fmt.Sprintf("disconnected from %s", session.Name)})
}

// sessionSnapshots copies the session map for observers. Engine loop only.
func (e *Engine) sessionSnapshots() []SessionInfo {
	infos := make([]SessionInfo, 0, len(e.sessions))
	for _, session := range e.sessions {
		infos = append(infos, session.snapshot())
	}
	return infos
}
