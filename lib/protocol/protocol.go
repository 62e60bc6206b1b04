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
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MessageKind identifies the outer wire message shape. Every transport
// message carries exactly one complete control envelope, binary chunk frame,
// ping or pong.
type MessageKind uint8

const (
	KindControl MessageKind = 0x01
	KindBinary  MessageKind = 0x02

	KindPing MessageKind = 0x30
	KindPong MessageKind = 0x31
)

// MaxMessageSize bounds a single wire message. Chunks are 16 KiB, so this
// leaves generous headroom for envelope overhead.
const MaxMessageSize = 1 << 20

// Control message types.
const (
	TypePair        = "pair"
	TypeChat        = "msg"
	TypeFileOffer   = "file-offer"
	TypeFileEnd     = "file-end"
	TypeGameInvite  = "game-invite"
	TypeGameStart   = "game-start"
	TypeGameMove    = "game-move"
	TypeExecRequest = "exec-request"
	TypeExecResult  = "exec-result"
	TypeNudge       = "nudge"
)

// Envelope is the control message record shared by all non-binary traffic.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PairPayload carries local identity during the pairing handshake. Ack is
// set on the responding side's pairing message.
type PairPayload struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
	Device string `json:"device"`
	Ack    bool   `json:"ack"`
}

// ChatPayload carries a chat line. Direct marks a targeted (non-broadcast)
// message.
type ChatPayload struct {
	Text   string `json:"text"`
	Direct bool   `json:"direct"`
}

// FileOfferPayload announces an inbound file ahead of its first chunk.
type FileOfferPayload struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// FileEndPayload finalizes a transfer.
type FileEndPayload struct {
	FileID string `json:"file_id"`
}

// GameStartPayload assigns the receiver's role. The inviter is always "X"
// and moves first, so the accepting side sends {role: "X"}.
type GameStartPayload struct {
	Role string `json:"role"`
}

// GameMovePayload relays a single applied move.
type GameMovePayload struct {
	Cell int    `json:"cell"`
	Role string `json:"role"`
}

// ExecRequestPayload asks the remote side to run a command after explicit
// local approval.
type ExecRequestPayload struct {
	Command string `json:"command"`
}

// ExecResultPayload returns the combined output of an approved command.
type ExecResultPayload struct {
	Output    string    `json:"output"`
	Timestamp time.Time `json:"timestamp"`
}

// chunkHeader is the text-encoded header inside a binary chunk frame.
type chunkHeader struct {
	FileID string `json:"file_id"`
}

// EncodeEnvelope serializes a control message for the wire.
func EncodeEnvelope(msgType string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %s", err)
		}
		raw = data
	}

	data, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %s", err)
	}
	return data, nil
}

// DecodeEnvelope parses a control message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %s", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// EncodeChunkFrame builds a binary chunk frame:
// [4-byte big-endian header length][JSON header {file_id}][raw chunk bytes].
func EncodeChunkFrame(fileID string, chunk []byte) ([]byte, error) {
	header, err := json.Marshal(chunkHeader{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("marshal chunk header: %s", err)
	}

	frame := make([]byte, 4+len(header)+len(chunk))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(header)))
	copy(frame[4:], header)
	copy(frame[4+len(header):], chunk)
	return frame, nil
}

// DecodeChunkFrame parses a binary chunk frame back into its fileId and
// payload. The frame is rejected when the declared header length exceeds the
// buffer or the header does not parse.
func DecodeChunkFrame(frame []byte) (string, []byte, error) {
	if len(frame) < 4 {
		return "", nil, fmt.Errorf("chunk frame too short: %d bytes", len(frame))
	}

	headerLen := binary.BigEndian.Uint32(frame[:4])
	if int(headerLen) > len(frame)-4 {
		return "", nil, fmt.Errorf("chunk header length %d exceeds frame", headerLen)
	}

	var header chunkHeader
	if err := json.Unmarshal(frame[4:4+headerLen], &header); err != nil {
		return "", nil, fmt.Errorf("unmarshal chunk header: %s", err)
	}
	if header.FileID == "" {
		return "", nil, fmt.Errorf("chunk header missing file_id")
	}

	return header.FileID, frame[4+headerLen:], nil
}

// WriteMessage writes one complete wire message: a kind byte, a big-endian
// uint32 payload length, and the payload.
func WriteMessage(w io.Writer, kind MessageKind, payload []byte) error {
	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write message header: %s", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write message payload: %s", err)
		}
	}
	return nil
}

// ReadMessage reads one complete wire message.
func ReadMessage(r io.Reader) (MessageKind, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	kind := MessageKind(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxMessageSize {
		return 0, nil, fmt.Errorf("message length %d exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read message payload: %s", err)
	}
	return kind, payload, nil
}

// Frame prepends the outer wire header to a payload, producing the bytes a
// session writer puts on the transport in a single write.
func Frame(kind MessageKind, payload []byte) []byte {
	framed := make([]byte, 5+len(payload))
	framed[0] = byte(kind)
	binary.BigEndian.PutUint32(framed[1:5], uint32(len(payload)))
	copy(framed[5:], payload)
	return framed
}
