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
package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/Puskar-Roy/Lan-OS/lib/protocol"
)

// captureSender records everything a transfer sends.
type captureSender struct {
	controls []protocol.Envelope
	frames   [][]byte
}

func (s *captureSender) SendControl(msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.controls = append(s.controls, protocol.Envelope{Type: msgType, Payload: data})
	return nil
}

func (s *captureSender) SendBinary(frame []byte) error {
	s.frames = append(s.frames, frame)
	return nil
}

func newTestEngine(t *testing.T, clk clock.Clock) *Engine {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	engine, err := NewEngine(Config{
		ReceiveDir: t.TempDir(),
		ChunkSize:  1024,
	}, clk, tally.NoopScope, logger)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	return engine
}

func TestSendReceiveRoundTrip(t *testing.T) {
	for _, chunks := range []int{1, 1000} {
		sendEngine := newTestEngine(t, clock.New())
		recvEngine := newTestEngine(t, clock.New())

		source := make([]byte, chunks*100)
		for i := range source {
			source[i] = byte(i % 253)
		}

		srcPath := filepath.Join(t.TempDir(), "payload.bin")
		if err := os.WriteFile(srcPath, source, 0644); err != nil {
			t.Fatalf("write source: %v", err)
		}

		sender := &captureSender{}
		if _, err := sendEngine.SendFile(sender, srcPath); err != nil {
			t.Fatalf("send file: %v", err)
		}

		// Replay the captured wire traffic into the receiver in order.
		var state *TransferState
		for _, env := range sender.controls {
			switch env.Type {
			case protocol.TypeFileOffer:
				var offer protocol.FileOfferPayload
				if err := json.Unmarshal(env.Payload, &offer); err != nil {
					t.Fatalf("unmarshal offer: %v", err)
				}
				if err := recvEngine.Offer(offer.FileID, offer.Filename, offer.Size); err != nil {
					t.Fatalf("offer: %v", err)
				}
				for _, frame := range sender.frames {
					fileID, data, err := protocol.DecodeChunkFrame(frame)
					if err != nil {
						t.Fatalf("decode frame: %v", err)
					}
					if err := recvEngine.Chunk(fileID, data); err != nil {
						t.Fatalf("chunk: %v", err)
					}
				}
			case protocol.TypeFileEnd:
				var end protocol.FileEndPayload
				if err := json.Unmarshal(env.Payload, &end); err != nil {
					t.Fatalf("unmarshal end: %v", err)
				}
				var err error
				state, err = recvEngine.End(end.FileID)
				if err != nil {
					t.Fatalf("end: %v", err)
				}
			}
		}

		if state == nil {
			t.Fatal("transfer never finalized")
		}
		if state.ByteCount != int64(len(source)) {
			t.Errorf("expected %d bytes, got %d", len(source), state.ByteCount)
		}

		received, err := os.ReadFile(state.Path)
		if err != nil {
			t.Fatalf("read received file: %v", err)
		}
		if !bytes.Equal(received, source) {
			t.Errorf("received bytes differ from source (%d chunks)", chunks)
		}
	}
}

func TestReceiveNamingContract(t *testing.T) {
	mock := clock.NewMock()
	engine := newTestEngine(t, mock)

	if err := engine.Offer("file-1", "notes.txt", 16); err != nil {
		t.Fatalf("offer: %v", err)
	}
	state, err := engine.End("file-1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}

	want := fmt.Sprintf("%d_notes.txt", mock.Now().UnixMilli())
	if filepath.Base(state.Path) != want {
		t.Errorf("expected sink name %q, got %q", want, filepath.Base(state.Path))
	}
}

func TestUnknownFileIDDroppedSilently(t *testing.T) {
	engine := newTestEngine(t, clock.New())

	if err := engine.Chunk("never-offered", []byte("data")); err != nil {
		t.Errorf("expected silent drop, got error: %v", err)
	}

	state, err := engine.End("never-offered")
	if err != nil {
		t.Errorf("expected silent ignore, got error: %v", err)
	}
	if state != nil {
		t.Error("expected nil state for unknown transfer")
	}
}

func TestChunkAfterEndDropped(t *testing.T) {
	engine := newTestEngine(t, clock.New())

	if err := engine.Offer("file-1", "a.bin", 4); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := engine.End("file-1"); err != nil {
		t.Fatalf("end: %v", err)
	}

	// Transfer already finalized; late chunks must not error or resurrect it.
	if err := engine.Chunk("file-1", []byte("late")); err != nil {
		t.Errorf("expected silent drop after finalize, got %v", err)
	}
}

func TestAbortFileDropsStateAndPartial(t *testing.T) {
	engine := newTestEngine(t, clock.New())

	if err := engine.Offer("file-1", "big.bin", 1024); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := engine.Chunk("file-1", []byte("partial data")); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	partial := engine.inbound["file-1"].Path

	engine.AbortFile("file-1")

	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Errorf("expected partial file removed, stat returned %v", err)
	}

	// Chunks after the abort drop silently instead of failing forever.
	if err := engine.Chunk("file-1", []byte("more")); err != nil {
		t.Errorf("expected silent drop after abort, got %v", err)
	}

	// The eventual file-end must not finalize the aborted transfer.
	state, err := engine.End("file-1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if state != nil {
		t.Error("expected nil state for aborted transfer")
	}

	// Aborting an unknown transfer is a no-op.
	engine.AbortFile("never-offered")
}

func TestSendFileMissingSource(t *testing.T) {
	engine := newTestEngine(t, clock.New())
	sender := &captureSender{}

	if _, err := engine.SendFile(sender, filepath.Join(t.TempDir(), "absent.bin")); err == nil {
		t.Fatal("expected error for missing source")
	}
	if len(sender.controls) != 0 || len(sender.frames) != 0 {
		t.Error("expected no traffic for missing source")
	}
}

func TestOfferSanitizesFilename(t *testing.T) {
	engine := newTestEngine(t, clock.New())

	if err := engine.Offer("file-1", "../../etc/passwd", 0); err != nil {
		t.Fatalf("offer: %v", err)
	}
	state, err := engine.End("file-1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if filepath.Dir(state.Path) != engine.config.ReceiveDir {
		t.Errorf("sink escaped receive dir: %s", state.Path)
	}
}
