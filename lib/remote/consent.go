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
package remote

import (
	"fmt"
	"os/exec"
	"runtime"

	"go.uber.org/zap"
)

// ErrNothingPending is returned when approval is requested with no command
// waiting.
var ErrNothingPending = fmt.Errorf("no pending command request")

// PendingRequest is the single outstanding remote command awaiting explicit
// local approval. A new inbound request overwrites any unapproved prior one;
// the protocol carries no request id to disambiguate a queue.
type PendingRequest struct {
	RequesterPeerID string
	Command         string
}

// Runner executes an approved command and returns its combined output.
type Runner func(command string) (string, error)

// ConsentFlow gates remote command execution behind explicit local approval.
// State is mutated only on the node's serialized event path.
type ConsentFlow struct {
	pending *PendingRequest
	runner  Runner
	logger  *zap.Logger
}

// NewConsentFlow creates a consent flow using the default shell runner.
func NewConsentFlow(logger *zap.Logger) *ConsentFlow {
	return &ConsentFlow{
		runner: shellRun,
		logger: logger,
	}
}

// SetRunner replaces the command runner. Used by tests.
func (c *ConsentFlow) SetRunner(runner Runner) {
	c.runner = runner
}

// Receive stores an inbound request as the pending one, overwriting any
// unapproved prior request. It never executes anything.
func (c *ConsentFlow) Receive(requesterPeerID, command string) {
	if c.pending != nil {
		c.logger.Info("Replacing unapproved command request",
			zap.String("prior_peer", c.pending.RequesterPeerID))
	}
	c.pending = &PendingRequest{
		RequesterPeerID: requesterPeerID,
		Command:         command,
	}
	c.logger.Info("Command request pending approval",
		zap.String("peer_id", requesterPeerID),
		zap.String("command", command))
}

// Pending returns a copy of the outstanding request, or nil.
func (c *ConsentFlow) Pending() *PendingRequest {
	if c.pending == nil {
		return nil
	}
	copied := *c.pending
	return &copied
}

// Take claims the pending request and clears the slot. A request can be
// taken exactly once; the caller owns running it afterwards.
func (c *ConsentFlow) Take() (*PendingRequest, error) {
	if c.pending == nil {
		return nil, ErrNothingPending
	}

	req := c.pending
	c.pending = nil
	return req, nil
}

// Execute runs a taken request through the runner and returns the output to
// deliver. A failed command is not an error here; its failure output is the
// result payload. Execute touches no consent state, so it may run off the
// serialized path.
func (c *ConsentFlow) Execute(req *PendingRequest) string {
	output, err := c.runner(req.Command)
	if err != nil {
		c.logger.Warn("Approved command failed",
			zap.String("command", req.Command),
			zap.Error(err))
		if output == "" {
			output = err.Error()
		}
	}

	c.logger.Info("Approved command executed",
		zap.String("peer_id", req.RequesterPeerID),
		zap.String("command", req.Command))

	return output
}

// shellRun executes command through the platform shell, capturing combined
// stdout and stderr.
func shellRun(command string) (string, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", "/C", command)
	} else {
		cmd = exec.Command("sh", "-c", command)
	}

	output, err := cmd.CombinedOutput()
	return string(output), err
}
