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
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Puskar-Roy/Lan-OS/lib/game"
	"github.com/Puskar-Roy/Lan-OS/lib/history"
	"github.com/Puskar-Roy/Lan-OS/lib/protocol"
)

// routeControl dispatches a decoded control message by type. Pairing is the
// only message an unpaired session may deliver; everything else from an
// unpaired transport is dropped. Runs on the engine loop.
func (e *Engine) routeControl(session *Session, env *protocol.Envelope) {
	e.stats.Counter("messages_routed").Inc(1)

	if env.Type == protocol.TypePair {
		var pair protocol.PairPayload
		if err := json.Unmarshal(env.Payload, &pair); err != nil {
			e.logger.Warn("Dropping malformed pairing payload", zap.Error(err))
			return
		}
		e.handlePair(session, pair)
		return
	}

	if !session.paired {
		e.logger.Warn("Dropping message from unpaired session",
			zap.String("addr", session.Addr),
			zap.String("type", env.Type))
		return
	}

	switch env.Type {
	case protocol.TypeChat:
		var chat protocol.ChatPayload
		if err := json.Unmarshal(env.Payload, &chat); err != nil {
			e.logger.Warn("Dropping malformed chat payload", zap.Error(err))
			return
		}
		e.notifier.publish(ChatReceived{
			FromID: session.PeerID,
			From:   session.Name,
			Text:   chat.Text,
			Direct: chat.Direct,
		})

	case protocol.TypeFileOffer:
		var offer protocol.FileOfferPayload
		if err := json.Unmarshal(env.Payload, &offer); err != nil {
			e.logger.Warn("Dropping malformed file offer", zap.Error(err))
			return
		}
		if err := e.transfers.Offer(offer.FileID, offer.Filename, offer.Size); err != nil {
			e.logger.Warn("Rejecting file offer",
				zap.String("file_id", offer.FileID),
				zap.Error(err))
			return
		}
		e.fileOrigins[offer.FileID] = session.PeerID
		e.notifier.publish(Notice{Text: fmt.Sprintf("receiving %s from %s", offer.Filename, session.Name)})

	case protocol.TypeFileEnd:
		var end protocol.FileEndPayload
		if err := json.Unmarshal(env.Payload, &end); err != nil {
			e.logger.Warn("Dropping malformed file end", zap.Error(err))
			return
		}
		e.finishTransfer(session, end.FileID)

	case protocol.TypeGameInvite:
		e.gameInviter = session.PeerID
		e.notifier.publish(GameInvited{FromID: session.PeerID, From: session.Name})

	case protocol.TypeGameStart:
		var start protocol.GameStartPayload
		if err := json.Unmarshal(env.Payload, &start); err != nil {
			e.logger.Warn("Dropping malformed game start", zap.Error(err))
			return
		}
		role := game.Mark(start.Role)
		if role != game.X && role != game.O {
			e.logger.Warn("Dropping game start with invalid role",
				zap.String("role", start.Role))
			return
		}
		e.gameInviter = ""
		e.gameMachine.Start(role, session.PeerID)
		e.notifier.publish(GameUpdated{State: e.gameMachine.Snapshot()})

	case protocol.TypeGameMove:
		var move protocol.GameMovePayload
		if err := json.Unmarshal(env.Payload, &move); err != nil {
			e.logger.Warn("Dropping malformed game move", zap.Error(err))
			return
		}
		e.applyRemoteMove(session, move)

	case protocol.TypeExecRequest:
		var req protocol.ExecRequestPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			e.logger.Warn("Dropping malformed exec request", zap.Error(err))
			return
		}
		e.consent.Receive(session.PeerID, req.Command)
		e.notifier.publish(ExecRequested{
			FromID:  session.PeerID,
			From:    session.Name,
			Command: req.Command,
		})

	case protocol.TypeExecResult:
		var res protocol.ExecResultPayload
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			e.logger.Warn("Dropping malformed exec result", zap.Error(err))
			return
		}
		e.notifier.publish(ExecResultReceived{
			FromID: session.PeerID,
			From:   session.Name,
			Output: res.Output,
		})

	case protocol.TypeNudge:
		e.notifier.publish(NudgeReceived{FromID: session.PeerID, From: session.Name})

	default:
		e.stats.Counter("protocol_errors").Inc(1)
		e.logger.Warn("Dropping control message of unknown type",
			zap.String("type", env.Type))
	}
}

// handleChunk appends a binary chunk frame to its open transfer. Frames from
// a session other than the offering one are dropped. Runs on the engine
// loop.
func (e *Engine) handleChunk(session *Session, fileID string, chunk []byte) {
	if origin, ok := e.fileOrigins[fileID]; ok && origin != session.PeerID {
		e.logger.Warn("Dropping chunk from wrong session",
			zap.String("file_id", fileID),
			zap.String("peer_id", session.PeerID))
		return
	}
	if err := e.transfers.Chunk(fileID, chunk); err != nil {
		e.logger.Error("Chunk write failed, aborting transfer",
			zap.String("file_id", fileID),
			zap.Error(err))
		delete(e.fileOrigins, fileID)
		e.transfers.AbortFile(fileID)
	}
}

// finishTransfer finalizes an inbound file, records it in the ledger, and
// notifies observers.
func (e *Engine) finishTransfer(session *Session, fileID string) {
	delete(e.fileOrigins, fileID)

	state, err := e.transfers.End(fileID)
	if err != nil {
		e.logger.Error("Failed to finalize transfer",
			zap.String("file_id", fileID),
			zap.Error(err))
		return
	}
	if state == nil {
		return
	}

	if e.store != nil {
		record := &history.TransferRecord{
			FileID:    state.FileID,
			PeerID:    session.PeerID,
			PeerName:  session.Name,
			Filename:  state.Filename,
			Path:      state.Path,
			Bytes:     state.ByteCount,
			Completed: e.clock.Now(),
		}
		if err := e.store.RecordTransfer(record); err != nil {
			e.logger.Warn("Failed to record transfer", zap.Error(err))
		}
	}

	e.notifier.publish(FileReceived{
		FromID:   session.PeerID,
		From:     session.Name,
		Filename: state.Filename,
		Path:     state.Path,
		Bytes:    state.ByteCount,
	})
	e.notifier.publish(Notice{Text: fmt.Sprintf("received %s (%d bytes)", state.Filename, state.ByteCount)})
}

// applyRemoteMove validates and applies a peer's move. Invalid moves are
// silent no-ops.
func (e *Engine) applyRemoteMove(session *Session, move protocol.GameMovePayload) {
	role := game.Mark(move.Role)
	if role != game.X && role != game.O {
		return
	}
	if e.gameMachine.Opponent() != session.PeerID || role == e.gameMachine.LocalRole() {
		e.logger.Warn("Dropping game move from unexpected peer",
			zap.String("peer_id", session.PeerID))
		return
	}
	if !e.gameMachine.Apply(move.Cell, role) {
		return
	}

	e.notifier.publish(GameUpdated{State: e.gameMachine.Snapshot()})
	e.announceResult()
}

// announceResult notices a finished game.
func (e *Engine) announceResult() {
	switch e.gameMachine.Evaluate() {
	case game.XWins:
		e.notifier.publish(Notice{Text: "game over: X wins"})
	case game.OWins:
		e.notifier.publish(Notice{Text: "game over: O wins"})
	case game.Draw:
		e.notifier.publish(Notice{Text: "game over: draw"})
	}
}
