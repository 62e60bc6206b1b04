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
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Puskar-Roy/Lan-OS/lib/protocol"
)

const (
	// DefaultChunkSize is the fixed read size for outbound files (16 KiB).
	DefaultChunkSize = 16 * 1024

	// MaxChunkSize bounds a single chunk.
	MaxChunkSize = 256 * 1024
)

// Config defines file transfer configuration.
type Config struct {
	ReceiveDir       string `yaml:"receive_dir"`
	ChunkSize        int    `yaml:"chunk_size"`
	EgressBitsPerSec int64  `yaml:"egress_bits_per_sec"`
}

// Sender pushes one wire message toward a single peer. Implementations must
// not block indefinitely; a failed send surfaces as an error on the transfer.
type Sender interface {
	SendControl(msgType string, payload interface{}) error
	SendBinary(frame []byte) error
}

// NewFileID returns a fresh transfer identifier.
func NewFileID() string {
	return uuid.NewString()
}

// Engine manages chunked file send and per-fileId reassembly on receive.
// Receive-side state is mutated only on the node's serialized event path.
type Engine struct {
	config Config
	clock  clock.Clock
	stats  tally.Scope
	logger *zap.Logger

	limiter *rate.Limiter

	// open inbound transfers keyed by fileId
	inbound map[string]*TransferState
}

// TransferState is an in-progress inbound file keyed by its fileId.
type TransferState struct {
	FileID    string
	Path      string
	Filename  string
	sink      *os.File
	ByteCount int64
}

// NewEngine creates a transfer engine.
func NewEngine(config Config, clk clock.Clock, stats tally.Scope, logger *zap.Logger) (*Engine, error) {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ChunkSize > MaxChunkSize {
		config.ChunkSize = MaxChunkSize
	}
	if config.ReceiveDir == "" {
		config.ReceiveDir = "received"
	}

	if err := os.MkdirAll(config.ReceiveDir, 0755); err != nil {
		return nil, fmt.Errorf("create receive directory: %s", err)
	}

	var limiter *rate.Limiter
	if config.EgressBitsPerSec > 0 {
		bytesPerSec := config.EgressBitsPerSec / 8
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
		logger.Info("Transfer bandwidth limiting enabled",
			zap.Int64("egress_bytes_per_sec", bytesPerSec))
	}

	return &Engine{
		config:  config,
		clock:   clk,
		stats:   stats,
		logger:  logger,
		limiter: limiter,
		inbound: make(map[string]*TransferState),
	}, nil
}

// SendFile streams path to the peer behind sender: one file-offer, fixed-size
// binary chunk frames in order, then a file-end. A missing or unreadable
// source fails before any offer is sent.
func (e *Engine) SendFile(sender Sender, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat source file: %s", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("source %s is a directory", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source file: %s", err)
	}
	defer file.Close()

	fileID := NewFileID()
	filename := filepath.Base(path)

	offer := protocol.FileOfferPayload{
		FileID:   fileID,
		Filename: filename,
		Size:     info.Size(),
	}
	if err := sender.SendControl(protocol.TypeFileOffer, offer); err != nil {
		return "", fmt.Errorf("send file offer: %s", err)
	}

	buffer := make([]byte, e.config.ChunkSize)
	for {
		n, err := file.Read(buffer)
		if n > 0 {
			if e.limiter != nil {
				if err := e.limiter.WaitN(context.Background(), n); err != nil {
					return "", fmt.Errorf("bandwidth wait: %s", err)
				}
			}

			frame, err := protocol.EncodeChunkFrame(fileID, buffer[:n])
			if err != nil {
				return "", fmt.Errorf("encode chunk frame: %s", err)
			}
			if err := sender.SendBinary(frame); err != nil {
				return "", fmt.Errorf("send chunk: %s", err)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read source chunk: %s", err)
		}
	}

	end := protocol.FileEndPayload{FileID: fileID}
	if err := sender.SendControl(protocol.TypeFileEnd, end); err != nil {
		return "", fmt.Errorf("send file end: %s", err)
	}

	e.stats.Counter("files_sent").Inc(1)
	e.logger.Info("File sent",
		zap.String("file_id", fileID),
		zap.String("filename", filename),
		zap.Int64("size", info.Size()))

	return fileID, nil
}

// Offer opens the destination sink for an announced inbound file and
// registers its TransferState. The sink name is
// {receiveTimestamp}_{offeredFilename} under the receive directory so
// repeated offers of the same filename never collide.
func (e *Engine) Offer(fileID, filename string, size int64) error {
	if _, exists := e.inbound[fileID]; exists {
		return fmt.Errorf("transfer %s already open", fileID)
	}

	// Strip any path components a peer might smuggle into the offer.
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) {
		base = "unnamed"
	}

	name := fmt.Sprintf("%d_%s", e.clock.Now().UnixMilli(), base)
	path := filepath.Join(e.config.ReceiveDir, name)

	sink, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create destination sink: %s", err)
	}

	e.inbound[fileID] = &TransferState{
		FileID:   fileID,
		Path:     path,
		Filename: base,
		sink:     sink,
	}

	e.logger.Info("Receiving file",
		zap.String("file_id", fileID),
		zap.String("filename", base),
		zap.Int64("size", size),
		zap.String("path", path))
	return nil
}

// Chunk appends frame data to the matching open transfer. Chunks for an
// unknown fileId are dropped silently; that is not a protocol error.
func (e *Engine) Chunk(fileID string, data []byte) error {
	state, exists := e.inbound[fileID]
	if !exists {
		e.stats.Counter("chunks_dropped").Inc(1)
		e.logger.Debug("Dropping chunk for unknown transfer",
			zap.String("file_id", fileID),
			zap.Int("size", len(data)))
		return nil
	}

	if _, err := state.sink.Write(data); err != nil {
		return fmt.Errorf("write chunk: %s", err)
	}
	state.ByteCount += int64(len(data))
	return nil
}

// End finalizes a transfer: the sink is flushed and closed, the state
// removed. Returns the completed state, or nil for an unknown fileId.
func (e *Engine) End(fileID string) (*TransferState, error) {
	state, exists := e.inbound[fileID]
	if !exists {
		e.logger.Debug("Ignoring file-end for unknown transfer",
			zap.String("file_id", fileID))
		return nil, nil
	}
	delete(e.inbound, fileID)

	if err := state.sink.Close(); err != nil {
		return nil, fmt.Errorf("close destination sink: %s", err)
	}

	e.stats.Counter("files_received").Inc(1)
	e.logger.Info("File received",
		zap.String("file_id", fileID),
		zap.String("path", state.Path),
		zap.Int64("bytes", state.ByteCount))

	return state, nil
}

// AbortFile closes and removes one open inbound transfer, deleting the
// partial file. After the abort, further chunks for the fileId drop
// silently and a file-end is ignored instead of finalizing a truncated file.
func (e *Engine) AbortFile(fileID string) {
	state, exists := e.inbound[fileID]
	if !exists {
		return
	}
	delete(e.inbound, fileID)

	state.sink.Close()
	os.Remove(state.Path)
	e.logger.Warn("Aborted incomplete transfer",
		zap.String("file_id", fileID),
		zap.String("path", state.Path))
}

// Abort closes and removes every open inbound transfer, deleting partial
// files. Used on shutdown.
func (e *Engine) Abort() {
	for fileID := range e.inbound {
		e.AbortFile(fileID)
	}
}
