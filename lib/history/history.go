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
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

const transferPrefix = "transfer:"

// Config defines history storage configuration.
type Config struct {
	Path string `yaml:"path"`
}

// TransferRecord is a completed inbound file transfer. Chat lines are never
// persisted here.
type TransferRecord struct {
	FileID    string    `json:"file_id"`
	PeerID    string    `json:"peer_id"`
	PeerName  string    `json:"peer_name"`
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	Bytes     int64     `json:"bytes"`
	Completed time.Time `json:"completed"`
}

// Store persists the transfer ledger.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewStore opens the history database.
func NewStore(config Config, logger *zap.Logger) (*Store, error) {
	if config.Path == "" {
		config.Path = "history"
	}
	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %s", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = &badgerLogger{logger: logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %s", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordTransfer saves a completed transfer.
func (s *Store) RecordTransfer(record *TransferRecord) error {
	key := transferPrefix + record.FileID
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal transfer record: %s", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// ListTransfers returns all recorded transfers.
func (s *Store) ListTransfers() ([]*TransferRecord, error) {
	var records []*TransferRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(transferPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var record TransferRecord
				if err := json.Unmarshal(val, &record); err != nil {
					return fmt.Errorf("unmarshal transfer record: %s", err)
				}
				records = append(records, &record)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list transfers: %s", err)
	}

	return records, nil
}

// badgerLogger adapts zap to badger's logger interface.
type badgerLogger struct {
	logger *zap.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Sugar().Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Sugar().Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Sugar().Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Sugar().Debugf(format, args...)
}
