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
	"sort"
	"sync"
	"time"
)

// PeerInfo describes a discovered peer. A registry entry never implies an
// active session.
type PeerInfo struct {
	PeerID   string
	Name     string
	Device   string
	Addr     string
	Port     int
	LastSeen time.Time
}

// Registry tracks discovered-but-unconnected peers. Mutation happens only on
// the engine's serialized event path; reads may come from any goroutine.
type Registry struct {
	mutex sync.RWMutex
	peers map[string]*PeerInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*PeerInfo)}
}

// Upsert adds or refreshes a peer. Returns true when the entry is new or its
// identity fields changed, so repeated announcements stay idempotent.
func (r *Registry) Upsert(info PeerInfo) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	existing, ok := r.peers[info.PeerID]
	if ok {
		changed := existing.Name != info.Name ||
			existing.Addr != info.Addr ||
			existing.Port != info.Port ||
			existing.Device != info.Device
		existing.Name = info.Name
		existing.Device = info.Device
		existing.Addr = info.Addr
		existing.Port = info.Port
		existing.LastSeen = info.LastSeen
		return changed
	}

	copied := info
	r.peers[info.PeerID] = &copied
	return true
}

// Remove deletes a peer. Returns true if it was present.
func (r *Registry) Remove(peerID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.peers[peerID]; !ok {
		return false
	}
	delete(r.peers, peerID)
	return true
}

// Get looks up a peer by id.
func (r *Registry) Get(peerID string) (PeerInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	peer, ok := r.peers[peerID]
	if !ok {
		return PeerInfo{}, false
	}
	return *peer, true
}

// List returns a snapshot ordered by peer id for stable display.
func (r *Registry) List() []PeerInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	peers := make([]PeerInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, *peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].PeerID < peers[j].PeerID
	})
	return peers
}
