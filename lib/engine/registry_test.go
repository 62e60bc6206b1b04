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
	"testing"
	"time"
)

func TestRegistryUpsertIdempotent(t *testing.T) {
	r := NewRegistry()

	info := PeerInfo{PeerID: "p1", Name: "alice", Addr: "10.0.0.2", Port: 7000}
	if !r.Upsert(info) {
		t.Error("expected first upsert to report a change")
	}
	if r.Upsert(info) {
		t.Error("expected repeated identical announcement to report no change")
	}

	// A changed address is an update in place, not a new entry.
	info.Addr = "10.0.0.3"
	if !r.Upsert(info) {
		t.Error("expected changed address to report a change")
	}
	if len(r.List()) != 1 {
		t.Errorf("expected 1 peer, got %d", len(r.List()))
	}
	if peer, _ := r.Get("p1"); peer.Addr != "10.0.0.3" {
		t.Errorf("expected updated address, got %q", peer.Addr)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.Upsert(PeerInfo{PeerID: "p1"})

	if !r.Remove("p1") {
		t.Error("expected removal of known peer to report true")
	}
	if r.Remove("p1") {
		t.Error("expected removal of unknown peer to report false")
	}
	if _, ok := r.Get("p1"); ok {
		t.Error("expected peer to be gone")
	}
}

func TestRegistryListStableOrder(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Upsert(PeerInfo{PeerID: "charlie", LastSeen: now})
	r.Upsert(PeerInfo{PeerID: "alice", LastSeen: now})
	r.Upsert(PeerInfo{PeerID: "bob", LastSeen: now})

	list := r.List()
	want := []string{"alice", "bob", "charlie"}
	for i, peer := range list {
		if peer.PeerID != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], peer.PeerID)
		}
	}
}
