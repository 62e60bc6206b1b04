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
	"testing"

	"go.uber.org/zap"
)

func TestTakeNothingPending(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	flow := NewConsentFlow(logger)

	calls := 0
	flow.SetRunner(func(string) (string, error) {
		calls++
		return "", nil
	})

	if _, err := flow.Take(); err != ErrNothingPending {
		t.Errorf("expected ErrNothingPending, got %v", err)
	}
	if calls != 0 {
		t.Error("expected no command execution")
	}
}

func TestTakeClaimsExactlyOnce(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	flow := NewConsentFlow(logger)

	calls := 0
	flow.SetRunner(func(command string) (string, error) {
		calls++
		return "output of " + command, nil
	})

	flow.Receive("peer-1", "uptime")

	req, err := flow.Take()
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if req.RequesterPeerID != "peer-1" {
		t.Errorf("expected requester peer-1, got %q", req.RequesterPeerID)
	}

	if output := flow.Execute(req); output != "output of uptime" {
		t.Errorf("unexpected output: %q", output)
	}
	if calls != 1 {
		t.Errorf("expected exactly one execution, got %d", calls)
	}

	// A second take finds nothing pending; nothing re-runs.
	if _, err := flow.Take(); err != ErrNothingPending {
		t.Errorf("expected ErrNothingPending after take, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no re-execution, got %d calls", calls)
	}
}

func TestNewRequestOverwritesPending(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	flow := NewConsentFlow(logger)
	flow.SetRunner(func(command string) (string, error) {
		return command, nil
	})

	flow.Receive("peer-1", "first")
	flow.Receive("peer-2", "second")

	req, err := flow.Take()
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if req.RequesterPeerID != "peer-2" || flow.Execute(req) != "second" {
		t.Errorf("expected latest request to win, got %+v", req)
	}
}

func TestFailedCommandStillProducesOutput(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	flow := NewConsentFlow(logger)
	flow.SetRunner(func(string) (string, error) {
		return "stderr text", fmt.Errorf("exit status 1")
	})

	flow.Receive("peer-1", "false")

	req, err := flow.Take()
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if output := flow.Execute(req); output != "stderr text" {
		t.Errorf("expected failure output as result, got %q", output)
	}
}

func TestShellRunCapturesOutput(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	flow := NewConsentFlow(logger)

	flow.Receive("peer-1", "echo hello")
	req, err := flow.Take()
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if output := flow.Execute(req); output != "hello\n" {
		t.Errorf("expected %q, got %q", "hello\n", output)
	}
}
