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
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Puskar-Roy/Lan-OS/lib/protocol"
)

// SessionInfo is an immutable session snapshot for observers.
type SessionInfo struct {
	PeerID string
	Name   string
	Device string
	Addr   string
	Alive  bool
}

// Session is one paired connection to a remote peer. Identity and liveness
// fields are mutated only on the engine's serialized event path; the
// outbound queue and close state are safe from any goroutine.
type Session struct {
	PeerID    string
	Name      string
	Device    string
	Addr      string
	Initiator bool

	// pairing and liveness, owned by the engine loop
	paired   bool
	ackSent  bool
	alive    bool
	lastPong time.Time

	conn     net.Conn
	outbound chan []byte

	closeOnce sync.Once
	done      chan struct{}
	logger    *zap.Logger
}

func newSession(conn net.Conn, initiator bool, logger *zap.Logger) *Session {
	return &Session{
		Addr:      conn.RemoteAddr().String(),
		Initiator: initiator,
		alive:     true,
		conn:      conn,
		outbound:  make(chan []byte, 256),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// start launches the session's independent I/O goroutines.
func (s *Session) start(e *Engine) {
	go s.readLoop(e)
	go s.writeLoop()
}

// close shuts the transport down. Idempotent; the read loop's exit reports
// the teardown to the engine.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// enqueue queues a framed wire message without blocking. A full queue drops
// the message; one slow session must never stall the engine or its peers.
func (s *Session) enqueue(framed []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}

	select {
	case s.outbound <- framed:
		return nil
	default:
		return fmt.Errorf("session send queue full")
	}
}

// enqueueWait queues a framed wire message, blocking until there is room or
// the session closes. Used by file senders running on their own goroutine.
func (s *Session) enqueueWait(framed []byte) error {
	select {
	case s.outbound <- framed:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	}
}

// readLoop decodes inbound wire messages and hands them to the engine loop.
// Malformed messages are dropped without tearing the connection down.
func (s *Session) readLoop(e *Engine) {
	defer func() {
		s.close()
		e.post(func() { e.dropSession(s) })
	}()

	for {
		kind, payload, err := protocol.ReadMessage(s.conn)
		if err != nil {
			s.logger.Debug("Session read ended",
				zap.String("addr", s.Addr),
				zap.Error(err))
			return
		}

		switch kind {
		case protocol.KindPing:
			if err := s.enqueue(protocol.Frame(protocol.KindPong, nil)); err != nil {
				s.logger.Debug("Dropped pong", zap.String("addr", s.Addr))
			}

		case protocol.KindPong:
			e.post(func() { e.handlePong(s) })

		case protocol.KindControl:
			env, err := protocol.DecodeEnvelope(payload)
			if err != nil {
				e.stats.Counter("protocol_errors").Inc(1)
				s.logger.Warn("Dropping malformed control message",
					zap.String("addr", s.Addr),
					zap.Error(err))
				continue
			}
			e.post(func() { e.routeControl(s, env) })

		case protocol.KindBinary:
			fileID, chunk, err := protocol.DecodeChunkFrame(payload)
			if err != nil {
				e.stats.Counter("protocol_errors").Inc(1)
				s.logger.Warn("Dropping malformed chunk frame",
					zap.String("addr", s.Addr),
					zap.Error(err))
				continue
			}
			e.post(func() { e.handleChunk(s, fileID, chunk) })

		default:
			e.stats.Counter("protocol_errors").Inc(1)
			s.logger.Warn("Dropping message of unknown kind",
				zap.String("addr", s.Addr),
				zap.Uint8("kind", uint8(kind)))
		}
	}
}

// writeLoop drains the outbound queue onto the transport.
func (s *Session) writeLoop() {
	for {
		select {
		case framed := <-s.outbound:
			if _, err := s.conn.Write(framed); err != nil {
				s.logger.Debug("Session write failed",
					zap.String("addr", s.Addr),
					zap.Error(err))
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// snapshot copies observer-visible session state. Engine loop only.
func (s *Session) snapshot() SessionInfo {
	return SessionInfo{
		PeerID: s.PeerID,
		Name:   s.Name,
		Device: s.Device,
		Addr:   s.Addr,
		Alive:  s.alive,
	}
}

// sessionSender adapts a session to the transfer.Sender contract. Sends
// block on queue backpressure, pacing the file reader to the transport.
type sessionSender struct {
	session *Session
}

func (ss sessionSender) SendControl(msgType string, payload interface{}) error {
	data, err := protocol.EncodeEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return ss.session.enqueueWait(protocol.Frame(protocol.KindControl, data))
}

func (ss sessionSender) SendBinary(frame []byte) error {
	return ss.session.enqueueWait(protocol.Frame(protocol.KindBinary, frame))
}
