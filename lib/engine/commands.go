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
	"os"

	"go.uber.org/zap"

	"github.com/Puskar-Roy/Lan-OS/lib/game"
	"github.com/Puskar-Roy/Lan-OS/lib/protocol"
	"github.com/Puskar-Roy/Lan-OS/lib/remote"
)

// The local command surface. Every method serializes onto the run loop;
// application errors come back synchronously and produce no network traffic.

// Peers returns the discovered peer snapshot.
func (e *Engine) Peers() []PeerInfo {
	return e.registry.List()
}

// Sessions returns the established session snapshot.
func (e *Engine) Sessions() []SessionInfo {
	var infos []SessionInfo
	e.do(func() error {
		infos = e.sessionSnapshots()
		return nil
	})
	return infos
}

// Target returns the current active chat target.
func (e *Engine) Target() string {
	target := TargetBroadcast
	e.do(func() error {
		target = e.target
		return nil
	})
	return target
}

// SetTarget selects the default destination for outbound chat: the
// broadcast sentinel or the id of an established session.
func (e *Engine) SetTarget(target string) error {
	return e.do(func() error {
		if target != TargetBroadcast {
			if _, ok := e.sessions[target]; !ok {
				return fmt.Errorf("no session for peer %s", target)
			}
		}
		e.target = target
		e.notifier.publish(TargetChanged{Target: target})
		return nil
	})
}

// SendChat sends text to the active target. Broadcast fan-out is
// fire-and-forget per session. If a direct target's session vanished, the
// target resets to broadcast, the message is broadcast instead, and the
// returned flag reports the redirect.
func (e *Engine) SendChat(text string) (bool, error) {
	redirected := false
	err := e.do(func() error {
		if e.target == TargetBroadcast {
			return e.broadcastChat(text)
		}

		session, ok := e.sessions[e.target]
		if !ok {
			e.target = TargetBroadcast
			e.notifier.publish(TargetChanged{Target: TargetBroadcast})
			redirected = true
			return e.broadcastChat(text)
		}

		data, err := protocol.EncodeEnvelope(protocol.TypeChat, protocol.ChatPayload{
			Text:   text,
			Direct: true,
		})
		if err != nil {
			return err
		}
		e.stats.Counter("chat_sent").Inc(1)
		return session.enqueue(protocol.Frame(protocol.KindControl, data))
	})
	return redirected, err
}

// broadcastChat fans text out to every established session. A failed send
// to one session never blocks or cancels the others. Engine loop only.
func (e *Engine) broadcastChat(text string) error {
	data, err := protocol.EncodeEnvelope(protocol.TypeChat, protocol.ChatPayload{Text: text})
	if err != nil {
		return err
	}

	framed := protocol.Frame(protocol.KindControl, data)
	for peerID, session := range e.sessions {
		if err := session.enqueue(framed); err != nil {
			e.logger.Warn("Broadcast send failed",
				zap.String("peer_id", peerID),
				zap.Error(err))
		}
	}
	e.stats.Counter("chat_sent").Inc(int64(len(e.sessions)))
	return nil
}

// SendNudge sends a nudge to the active target (all sessions on broadcast).
func (e *Engine) SendNudge() error {
	return e.do(func() error {
		data, err := protocol.EncodeEnvelope(protocol.TypeNudge, nil)
		if err != nil {
			return err
		}
		framed := protocol.Frame(protocol.KindControl, data)

		if e.target == TargetBroadcast {
			for peerID, session := range e.sessions {
				if err := session.enqueue(framed); err != nil {
					e.logger.Warn("Nudge send failed",
						zap.String("peer_id", peerID),
						zap.Error(err))
				}
			}
			return nil
		}

		session, ok := e.sessions[e.target]
		if !ok {
			return fmt.Errorf("no session for peer %s", e.target)
		}
		return session.enqueue(framed)
	})
}

// SendFile streams a file to the current direct target. File transfer is
// direct-only; a broadcast target is an application error. The send runs on
// its own goroutine so a large file never stalls other peers' traffic.
func (e *Engine) SendFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stat source file: %s", err)
	}

	var session *Session
	err := e.do(func() error {
		if e.target == TargetBroadcast {
			return fmt.Errorf("file transfer requires a direct target")
		}
		var ok bool
		session, ok = e.sessions[e.target]
		if !ok {
			return fmt.Errorf("no session for peer %s", e.target)
		}
		return nil
	})
	if err != nil {
		return err
	}

	go func() {
		fileID, err := e.transfers.SendFile(sessionSender{session: session}, path)
		if err != nil {
			e.logger.Warn("File send failed",
				zap.String("path", path),
				zap.String("peer_id", session.PeerID),
				zap.Error(err))
			e.notifier.publish(Notice{Text: fmt.Sprintf("send %s failed: %s", path, err)})
			return
		}
		e.notifier.publish(Notice{Text: fmt.Sprintf("sent %s (transfer %s)", path, fileID)})
	}()
	return nil
}

// RequestExec asks the current direct target to run a command after its
// user approves. Nothing is recorded locally; the requester never executes.
func (e *Engine) RequestExec(command string) error {
	return e.do(func() error {
		session, err := e.directSession()
		if err != nil {
			return err
		}
		data, err := protocol.EncodeEnvelope(protocol.TypeExecRequest, protocol.ExecRequestPayload{
			Command: command,
		})
		if err != nil {
			return err
		}
		return session.enqueue(protocol.Frame(protocol.KindControl, data))
	})
}

// ApproveExec runs the single pending command request exactly once and
// delivers its output to the requesting peer. With nothing pending it is a
// reported no-op and sends no message. The pending slot is claimed on the
// run loop; the command itself runs on its own goroutine so its duration
// never stalls other peers' event processing.
func (e *Engine) ApproveExec() error {
	var req *remote.PendingRequest
	err := e.do(func() error {
		claimed, err := e.consent.Take()
		if err != nil {
			return err
		}
		req = claimed
		return nil
	})
	if err != nil {
		return err
	}

	go func() {
		output := e.consent.Execute(req)
		e.post(func() {
			e.deliverExecResult(req.RequesterPeerID, output)
		})
	}()
	return nil
}

// deliverExecResult sends a finished command's output back to its
// requester. Engine loop only.
func (e *Engine) deliverExecResult(peerID, output string) {
	session, ok := e.sessions[peerID]
	if !ok {
		e.notifier.publish(Notice{Text: "requester disconnected before result delivery"})
		return
	}

	data, err := protocol.EncodeEnvelope(protocol.TypeExecResult, protocol.ExecResultPayload{
		Output:    output,
		Timestamp: e.clock.Now(),
	})
	if err != nil {
		e.logger.Error("Failed to encode exec result", zap.Error(err))
		return
	}
	if err := session.enqueue(protocol.Frame(protocol.KindControl, data)); err != nil {
		e.logger.Warn("Failed to deliver exec result",
			zap.String("peer_id", peerID),
			zap.Error(err))
	}
}

// PendingExec returns the command awaiting approval, or empty strings.
func (e *Engine) PendingExec() (string, string) {
	var peerID, command string
	e.do(func() error {
		if pending := e.consent.Pending(); pending != nil {
			peerID = pending.RequesterPeerID
			command = pending.Command
		}
		return nil
	})
	return peerID, command
}

// InviteGame proposes a game to the current direct target. Local game state
// does not change until the peer accepts.
func (e *Engine) InviteGame() error {
	return e.do(func() error {
		session, err := e.directSession()
		if err != nil {
			return err
		}
		data, err := protocol.EncodeEnvelope(protocol.TypeGameInvite, nil)
		if err != nil {
			return err
		}
		return session.enqueue(protocol.Frame(protocol.KindControl, data))
	})
}

// AcceptGame starts a game. Accepting a received invite makes the local
// side "O" (the inviter is always "X" and moves first); accepting with no
// invite pending self-starts a game as "X" against the direct target. The
// peer's role is sent explicitly so both sides agree.
func (e *Engine) AcceptGame() error {
	return e.do(func() error {
		peerID := e.gameInviter
		localRole := game.O
		if peerID == "" {
			if e.target == TargetBroadcast {
				return fmt.Errorf("no game invite pending and no direct target")
			}
			peerID = e.target
			localRole = game.X
		}

		session, ok := e.sessions[peerID]
		if !ok {
			e.gameInviter = ""
			return fmt.Errorf("no session for peer %s", peerID)
		}

		remoteRole := game.X
		if localRole == game.X {
			remoteRole = game.O
		}

		data, err := protocol.EncodeEnvelope(protocol.TypeGameStart, protocol.GameStartPayload{
			Role: string(remoteRole),
		})
		if err != nil {
			return err
		}
		if err := session.enqueue(protocol.Frame(protocol.KindControl, data)); err != nil {
			return err
		}

		e.gameInviter = ""
		e.gameMachine.Start(localRole, peerID)
		e.notifier.publish(GameUpdated{State: e.gameMachine.Snapshot()})
		return nil
	})
}

// MoveGame plays the local role at cell. A valid move is applied
// immediately and relayed to the opponent; an invalid one is rejected with
// no network traffic.
func (e *Engine) MoveGame(cell int) error {
	return e.do(func() error {
		if !e.gameMachine.Active() {
			return fmt.Errorf("no active game")
		}

		session, ok := e.sessions[e.gameMachine.Opponent()]
		if !ok {
			return fmt.Errorf("opponent disconnected")
		}

		role := e.gameMachine.LocalRole()
		if !e.gameMachine.Apply(cell, role) {
			return fmt.Errorf("invalid move")
		}

		data, err := protocol.EncodeEnvelope(protocol.TypeGameMove, protocol.GameMovePayload{
			Cell: cell,
			Role: string(role),
		})
		if err != nil {
			return err
		}
		if err := session.enqueue(protocol.Frame(protocol.KindControl, data)); err != nil {
			e.logger.Warn("Failed to relay game move", zap.Error(err))
		}

		e.notifier.publish(GameUpdated{State: e.gameMachine.Snapshot()})
		e.announceResult()
		return nil
	})
}

// Game returns the current game snapshot.
func (e *Engine) Game() game.Snapshot {
	var snap game.Snapshot
	e.do(func() error {
		snap = e.gameMachine.Snapshot()
		return nil
	})
	return snap
}

// directSession resolves the active target to a single session.
func (e *Engine) directSession() (*Session, error) {
	if e.target == TargetBroadcast {
		return nil, fmt.Errorf("a direct target is required")
	}
	session, ok := e.sessions[e.target]
	if !ok {
		return nil, fmt.Errorf("no session for peer %s", e.target)
	}
	return session, nil
}
