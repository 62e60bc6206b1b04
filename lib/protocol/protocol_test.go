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
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"
)

func TestChunkFrameRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 16384}

	for _, size := range sizes {
		chunk := make([]byte, size)
		for i := range chunk {
			chunk[i] = byte(i % 251)
		}

		frame, err := EncodeChunkFrame("abc", chunk)
		if err != nil {
			t.Fatalf("encode chunk frame (size %d): %v", size, err)
		}

		fileID, decoded, err := DecodeChunkFrame(frame)
		if err != nil {
			t.Fatalf("decode chunk frame (size %d): %v", size, err)
		}
		if fileID != "abc" {
			t.Errorf("expected file ID 'abc', got %q", fileID)
		}
		if !bytes.Equal(decoded, chunk) {
			t.Errorf("chunk mismatch for size %d", size)
		}
	}
}

func TestDecodeChunkFrameHeaderOverrun(t *testing.T) {
	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame[:4], 100) // claims more header than exists

	if _, _, err := DecodeChunkFrame(frame); err == nil {
		t.Error("expected error for header length exceeding frame")
	}
}

func TestDecodeChunkFrameBadHeader(t *testing.T) {
	header := []byte("not json")
	frame := make([]byte, 4+len(header))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(header)))
	copy(frame[4:], header)

	if _, _, err := DecodeChunkFrame(frame); err == nil {
		t.Error("expected error for unparsable header")
	}
}

func TestDecodeChunkFrameTooShort(t *testing.T) {
	if _, _, err := DecodeChunkFrame([]byte{0x00, 0x01}); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := EncodeEnvelope(TypeChat, ChatPayload{Text: "hello", Direct: true})
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != TypeChat {
		t.Errorf("expected type %q, got %q", TypeChat, env.Type)
	}

	var chat ChatPayload
	if err := json.Unmarshal(env.Payload, &chat); err != nil {
		t.Fatalf("unmarshal chat payload: %v", err)
	}
	if chat.Text != "hello" || !chat.Direct {
		t.Errorf("unexpected chat payload: %+v", chat)
	}
}

func TestDecodeEnvelopeMissingType(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"payload":{}}`)); err == nil {
		t.Error("expected error for envelope without type")
	}
}

func TestWireMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("frame payload")

	if err := WriteMessage(&buf, KindControl, payload); err != nil {
		t.Fatalf("write message: %v", err)
	}

	kind, decoded, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if kind != KindControl {
		t.Errorf("expected kind %d, got %d", KindControl, kind)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("payload mismatch: %q", decoded)
	}
}

func TestWireMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, KindPing, nil); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	kind, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read ping: %v", err)
	}
	if kind != KindPing {
		t.Errorf("expected ping kind, got %d", kind)
	}
	if len(payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(payload))
	}
}

func TestReadMessageRejectsOversize(t *testing.T) {
	header := make([]byte, 5)
	header[0] = byte(KindBinary)
	binary.BigEndian.PutUint32(header[1:], MaxMessageSize+1)

	if _, _, err := ReadMessage(bytes.NewReader(header)); err == nil {
		t.Error("expected error for oversize message")
	}
}

func TestFrameMatchesWriteMessage(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, KindBinary, payload); err != nil {
		t.Fatalf("write message: %v", err)
	}

	if !bytes.Equal(Frame(KindBinary, payload), buf.Bytes()) {
		t.Error("Frame output differs from WriteMessage output")
	}
}
