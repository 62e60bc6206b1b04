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
package game

import (
	"testing"

	"go.uber.org/zap"
)

func TestEvaluateBoard(t *testing.T) {
	tests := []struct {
		name  string
		board [9]Mark
		want  Result
	}{
		{
			name:  "top row X wins",
			board: [9]Mark{X, X, X, Empty, O, O, Empty, Empty, Empty},
			want:  XWins,
		},
		{
			name:  "column O wins",
			board: [9]Mark{O, X, X, O, X, Empty, O, Empty, Empty},
			want:  OWins,
		},
		{
			name:  "diagonal X wins",
			board: [9]Mark{X, O, O, Empty, X, Empty, Empty, Empty, X},
			want:  XWins,
		},
		{
			name:  "full board no line is a draw",
			board: [9]Mark{X, O, X, X, O, O, O, X, X},
			want:  Draw,
		},
		{
			name:  "partial board no line has no result",
			board: [9]Mark{X, O, Empty, Empty, X, Empty, Empty, Empty, Empty},
			want:  NoResult,
		},
	}

	for _, tt := range tests {
		if got := EvaluateBoard(tt.board); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.name, tt.want, got)
		}
	}
}

func TestApplyAlternatesTurns(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := NewMachine(logger)
	m.Start(X, "peer-1")

	if !m.Apply(0, X) {
		t.Fatal("expected first X move to succeed")
	}
	if m.Apply(1, X) {
		t.Error("expected second consecutive X move to be rejected")
	}
	if !m.Apply(1, O) {
		t.Error("expected O move to succeed")
	}
}

func TestApplyRejectsReplay(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := NewMachine(logger)
	m.Start(X, "peer-1")

	if !m.Apply(4, X) {
		t.Fatal("expected move to succeed")
	}
	before := m.Snapshot().Board

	// Replaying the same (cell, role) must never change the board.
	if m.Apply(4, X) {
		t.Error("expected replayed move to be rejected")
	}
	if m.Snapshot().Board != before {
		t.Error("board changed after rejected replay")
	}
}

func TestApplyRejectsOccupiedAndInactive(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := NewMachine(logger)

	if m.Apply(0, X) {
		t.Error("expected move on idle machine to be rejected")
	}

	m.Start(O, "peer-1")
	m.Apply(0, X)
	if m.Apply(0, O) {
		t.Error("expected move on occupied cell to be rejected")
	}
	if m.Apply(9, O) {
		t.Error("expected out-of-range cell to be rejected")
	}
}

func TestWinDeactivatesGame(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := NewMachine(logger)
	m.Start(X, "peer-1")

	m.Apply(0, X)
	m.Apply(3, O)
	m.Apply(1, X)
	m.Apply(4, O)
	m.Apply(2, X) // X completes the top row

	if m.Active() {
		t.Error("expected game to be inactive after win")
	}
	if got := m.Evaluate(); got != XWins {
		t.Errorf("expected X to win, got %q", got)
	}
	if m.Apply(5, O) {
		t.Error("expected move after game over to be rejected")
	}
}

func TestStartResetsBoard(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := NewMachine(logger)
	m.Start(X, "peer-1")
	m.Apply(0, X)

	m.Start(O, "peer-2")
	snap := m.Snapshot()
	if snap.Board != ([9]Mark{}) {
		t.Error("expected fresh board after restart")
	}
	if snap.Turn != X {
		t.Errorf("expected X to move first, got %q", snap.Turn)
	}
	if snap.Opponent != "peer-2" {
		t.Errorf("expected opponent peer-2, got %q", snap.Opponent)
	}
}
