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
	"sync"

	"go.uber.org/zap"

	"github.com/Puskar-Roy/Lan-OS/lib/game"
)

// Event is a one-directional notification to the presentation layer. Every
// event carries immutable snapshots, never internal state references.
type Event interface {
	event()
}

// RegistryChanged fires when the set of discovered peers changes.
type RegistryChanged struct {
	Peers []PeerInfo
}

// ConnectionsChanged fires when a session is established or torn down.
type ConnectionsChanged struct {
	Sessions []SessionInfo
}

// TargetChanged fires when the active chat target changes, including the
// automatic reset to broadcast when the targeted session closes.
type TargetChanged struct {
	Target string
}

// ChatReceived carries one inbound chat line.
type ChatReceived struct {
	FromID string
	From   string
	Text   string
	Direct bool
}

// FileReceived fires when an inbound transfer finalizes.
type FileReceived struct {
	FromID   string
	From     string
	Filename string
	Path     string
	Bytes    int64
}

// GameInvited fires when a peer proposes a game.
type GameInvited struct {
	FromID string
	From   string
}

// GameUpdated carries the board after any applied change.
type GameUpdated struct {
	State game.Snapshot
}

// ExecRequested fires when a peer asks for command execution. Nothing runs
// until the local human approves.
type ExecRequested struct {
	FromID  string
	From    string
	Command string
}

// ExecResultReceived carries the output of a command a peer ran for us.
type ExecResultReceived struct {
	FromID string
	From   string
	Output string
}

// NudgeReceived fires on an inbound nudge.
type NudgeReceived struct {
	FromID string
	From   string
}

// Notice is a free-form log line for the UI.
type Notice struct {
	Text string
}

func (RegistryChanged) event()    {}
func (ConnectionsChanged) event() {}
func (TargetChanged) event()      {}
func (ChatReceived) event()       {}
func (FileReceived) event()       {}
func (GameInvited) event()        {}
func (GameUpdated) event()        {}
func (ExecRequested) event()      {}
func (ExecResultReceived) event() {}
func (NudgeReceived) event()      {}
func (Notice) event()             {}

// notifier fans events out to subscribers. Delivery is best-effort: a
// subscriber that stops draining loses events rather than stalling the
// engine.
type notifier struct {
	mutex  sync.Mutex
	subs   []chan Event
	logger *zap.Logger
}

func newNotifier(logger *zap.Logger) *notifier {
	return &notifier{logger: logger}
}

// subscribe registers a new observer channel.
func (n *notifier) subscribe() <-chan Event {
	ch := make(chan Event, 128)
	n.mutex.Lock()
	n.subs = append(n.subs, ch)
	n.mutex.Unlock()
	return ch
}

// publish delivers an event to every subscriber without blocking.
func (n *notifier) publish(event Event) {
	n.mutex.Lock()
	subs := n.subs
	n.mutex.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			n.logger.Warn("Observer channel full, dropping event")
		}
	}
}
