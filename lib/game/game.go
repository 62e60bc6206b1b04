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
	"go.uber.org/zap"
)

// Mark is a board cell value.
type Mark string

const (
	Empty Mark = ""
	X     Mark = "X"
	O     Mark = "O"
)

// Result of a finished game.
type Result string

const (
	NoResult Result = ""
	XWins    Result = "X"
	OWins    Result = "O"
	Draw     Result = "DRAW"
)

// winningLines are the 8 tic-tac-toe lines: rows, columns, diagonals.
var winningLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Machine is the two-player board state mirrored across a connection.
// A node has a single Machine; only one game may be active at a time, and
// mutation happens only on the engine's serialized event path.
type Machine struct {
	board     [9]Mark
	turn      Mark
	active    bool
	localRole Mark
	opponent  string
	logger    *zap.Logger
}

// Snapshot is an immutable copy of game state for observers.
type Snapshot struct {
	Board     [9]Mark
	Turn      Mark
	Active    bool
	LocalRole Mark
	Opponent  string
	Result    Result
}

// NewMachine creates an idle game machine.
func NewMachine(logger *zap.Logger) *Machine {
	return &Machine{logger: logger}
}

// Start resets the board for a fresh game against opponent, assigning the
// local role. X always moves first; the inviter is always X.
func (m *Machine) Start(localRole Mark, opponent string) {
	m.board = [9]Mark{}
	m.turn = X
	m.active = true
	m.localRole = localRole
	m.opponent = opponent

	m.logger.Info("Game started",
		zap.String("local_role", string(localRole)),
		zap.String("opponent", opponent))
}

// Active reports whether a game is in progress.
func (m *Machine) Active() bool {
	return m.active
}

// LocalRole returns the local player's mark.
func (m *Machine) LocalRole() Mark {
	return m.localRole
}

// Opponent returns the peer ID of the current opponent.
func (m *Machine) Opponent() string {
	return m.opponent
}

// Apply plays role at cell. Invalid moves (inactive game, out-of-range or
// occupied cell, not role's turn) return false and leave the board unchanged.
// A valid move that ends the game flips the machine inactive.
func (m *Machine) Apply(cell int, role Mark) bool {
	if !m.active || cell < 0 || cell > 8 {
		return false
	}
	if m.board[cell] != Empty || role != m.turn {
		return false
	}

	m.board[cell] = role
	if m.turn == X {
		m.turn = O
	} else {
		m.turn = X
	}

	if m.Evaluate() != NoResult {
		m.active = false
	}
	return true
}

// Evaluate inspects the board for a finished game.
func (m *Machine) Evaluate() Result {
	return EvaluateBoard(m.board)
}

// Snapshot returns a copy of current state for the observer surface.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		Board:     m.board,
		Turn:      m.turn,
		Active:    m.active,
		LocalRole: m.localRole,
		Opponent:  m.opponent,
		Result:    m.Evaluate(),
	}
}

// EvaluateBoard reports the winner if any line holds three identical marks,
// Draw when the board is full with no winner, and NoResult otherwise.
func EvaluateBoard(board [9]Mark) Result {
	for _, line := range winningLines {
		mark := board[line[0]]
		if mark != Empty && board[line[1]] == mark && board[line[2]] == mark {
			if mark == X {
				return XWins
			}
			return OWins
		}
	}

	for _, cell := range board {
		if cell == Empty {
			return NoResult
		}
	}
	return Draw
}
