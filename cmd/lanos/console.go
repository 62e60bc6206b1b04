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
package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/Puskar-Roy/Lan-OS/lib/engine"
	"github.com/Puskar-Roy/Lan-OS/lib/game"
	"github.com/Puskar-Roy/Lan-OS/lib/history"
)

var (
	chatColor   = color.New(color.FgGreen)
	directColor = color.New(color.FgHiGreen, color.Bold)
	noticeColor = color.New(color.FgYellow)
	alertColor  = color.New(color.FgHiRed, color.Bold)
	infoColor   = color.New(color.FgCyan)
)

// console is the interactive operator surface: it maps commands onto the
// engine's local command surface and renders the observer events.
type console struct {
	engine *engine.Engine
	store  *history.Store
	rl     *readline.Instance

	closeOnce sync.Once
}

func newConsole(eng *engine.Engine, store *history.Store) *console {
	rl, err := readline.New("> ")
	if err != nil {
		panic(fmt.Sprintf("readline: %s", err))
	}
	return &console{engine: eng, store: store, rl: rl}
}

// Close ends the console loop.
func (c *console) Close() {
	c.closeOnce.Do(func() {
		c.rl.Close()
	})
}

// Run drives the input loop until exit or EOF.
func (c *console) Run() {
	defer c.Close()

	go c.renderEvents()

	c.printHelp()
	for {
		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return
		}
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			c.sendChat(line)
			continue
		}
		if !c.handleCommand(line) {
			return
		}
	}
}

// handleCommand runs one slash command. Returns false on exit.
func (c *console) handleCommand(line string) bool {
	fields := strings.Fields(line)
	out := c.rl.Stdout()

	switch fields[0] {
	case "/help":
		c.printHelp()

	case "/exit":
		return false

	case "/peers":
		peers := c.engine.Peers()
		if len(peers) == 0 {
			noticeColor.Fprintln(out, "no peers discovered")
		}
		for _, peer := range peers {
			infoColor.Fprintf(out, "%s  %s  %s:%d\n", peer.PeerID, peer.Name, peer.Addr, peer.Port)
		}

	case "/sessions":
		sessions := c.engine.Sessions()
		if len(sessions) == 0 {
			noticeColor.Fprintln(out, "no active sessions")
		}
		for _, session := range sessions {
			infoColor.Fprintf(out, "%s  %s  %s  alive=%t\n", session.PeerID, session.Name, session.Addr, session.Alive)
		}

	case "/connect":
		if len(fields) != 2 {
			noticeColor.Fprintln(out, "usage: /connect <peer-id>")
			break
		}
		if err := c.engine.Connect(fields[1]); err != nil {
			alertColor.Fprintf(out, "connect: %s\n", err)
		}

	case "/to":
		if len(fields) != 2 {
			noticeColor.Fprintln(out, "usage: /to <peer-id|all>")
			break
		}
		target := fields[1]
		if target == "all" {
			target = engine.TargetBroadcast
		}
		if err := c.engine.SetTarget(target); err != nil {
			alertColor.Fprintf(out, "target: %s\n", err)
			break
		}
		c.updatePrompt(target)

	case "/send":
		if len(fields) < 2 {
			noticeColor.Fprintln(out, "usage: /send <path>")
			break
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, "/send"))
		if err := c.engine.SendFile(path); err != nil {
			alertColor.Fprintf(out, "send: %s\n", err)
		}

	case "/nudge":
		if err := c.engine.SendNudge(); err != nil {
			alertColor.Fprintf(out, "nudge: %s\n", err)
		}

	case "/exec":
		if len(fields) < 2 {
			noticeColor.Fprintln(out, "usage: /exec <command>")
			break
		}
		command := strings.TrimSpace(strings.TrimPrefix(line, "/exec"))
		if err := c.engine.RequestExec(command); err != nil {
			alertColor.Fprintf(out, "exec: %s\n", err)
		}

	case "/approve":
		if err := c.engine.ApproveExec(); err != nil {
			noticeColor.Fprintf(out, "approve: %s\n", err)
		}

	case "/game":
		c.handleGame(fields[1:])

	case "/history":
		records, err := c.store.ListTransfers()
		if err != nil {
			alertColor.Fprintf(out, "history: %s\n", err)
			break
		}
		if len(records) == 0 {
			noticeColor.Fprintln(out, "no transfers recorded")
		}
		for _, record := range records {
			infoColor.Fprintf(out, "%s  %s  %d bytes  from %s  -> %s\n",
				record.Completed.Format("2006-01-02 15:04:05"),
				record.Filename, record.Bytes, record.PeerName, record.Path)
		}

	default:
		noticeColor.Fprintf(out, "unknown command %s (try /help)\n", fields[0])
	}
	return true
}

// handleGame runs the /game subcommands.
func (c *console) handleGame(args []string) {
	out := c.rl.Stdout()
	if len(args) == 0 {
		noticeColor.Fprintln(out, "usage: /game invite|accept|move <cell>|show")
		return
	}

	switch args[0] {
	case "invite":
		if err := c.engine.InviteGame(); err != nil {
			alertColor.Fprintf(out, "game: %s\n", err)
		}
	case "accept":
		if err := c.engine.AcceptGame(); err != nil {
			alertColor.Fprintf(out, "game: %s\n", err)
		}
	case "move":
		if len(args) != 2 {
			noticeColor.Fprintln(out, "usage: /game move <cell 0-8>")
			return
		}
		cell, err := strconv.Atoi(args[1])
		if err != nil {
			noticeColor.Fprintln(out, "cell must be a number 0-8")
			return
		}
		if err := c.engine.MoveGame(cell); err != nil {
			alertColor.Fprintf(out, "game: %s\n", err)
		}
	case "show":
		fmt.Fprint(out, renderBoard(c.engine.Game()))
	default:
		noticeColor.Fprintln(out, "usage: /game invite|accept|move <cell>|show")
	}
}

// sendChat delivers a chat line to the active target.
func (c *console) sendChat(text string) {
	redirected, err := c.engine.SendChat(text)
	if err != nil {
		alertColor.Fprintf(c.rl.Stdout(), "chat: %s\n", err)
		return
	}
	if redirected {
		noticeColor.Fprintln(c.rl.Stdout(), "target gone, message broadcast instead")
		c.updatePrompt(engine.TargetBroadcast)
	}
}

// renderEvents prints observer notifications above the prompt.
func (c *console) renderEvents() {
	out := c.rl.Stdout()

	for event := range c.engine.Subscribe() {
		switch e := event.(type) {
		case engine.ChatReceived:
			if e.Direct {
				directColor.Fprintf(out, "[%s -> you] %s\n", e.From, e.Text)
			} else {
				chatColor.Fprintf(out, "[%s] %s\n", e.From, e.Text)
			}
		case engine.RegistryChanged:
			noticeColor.Fprintf(out, "* %d peer(s) on the network\n", len(e.Peers))
		case engine.ConnectionsChanged:
			noticeColor.Fprintf(out, "* %d active session(s)\n", len(e.Sessions))
		case engine.TargetChanged:
			noticeColor.Fprintf(out, "* chat target is now %s\n", e.Target)
			c.updatePrompt(e.Target)
		case engine.FileReceived:
			infoColor.Fprintf(out, "* received %s (%d bytes) from %s -> %s\n", e.Filename, e.Bytes, e.From, e.Path)
		case engine.GameInvited:
			alertColor.Fprintf(out, "* %s wants to play (/game accept)\n", e.From)
		case engine.GameUpdated:
			fmt.Fprint(out, renderBoard(e.State))
		case engine.ExecRequested:
			alertColor.Fprintf(out, "* %s wants to run: %s  (/approve to allow)\n", e.From, e.Command)
		case engine.ExecResultReceived:
			infoColor.Fprintf(out, "* output from %s:\n%s\n", e.From, e.Output)
		case engine.NudgeReceived:
			alertColor.Fprintf(out, "* %s nudged you!\n", e.From)
		case engine.Notice:
			noticeColor.Fprintf(out, "* %s\n", e.Text)
		}
	}
}

// updatePrompt reflects the active target in the prompt.
func (c *console) updatePrompt(target string) {
	if target == engine.TargetBroadcast {
		c.rl.SetPrompt("> ")
	} else {
		c.rl.SetPrompt(fmt.Sprintf("[%s]> ", target))
	}
}

// renderBoard draws the 3x3 board; empty cells show their index.
func renderBoard(snap game.Snapshot) string {
	var sb strings.Builder
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			cell := row*3 + col
			mark := string(snap.Board[cell])
			if mark == "" {
				mark = strconv.Itoa(cell)
			}
			sb.WriteString(" " + mark + " ")
			if col < 2 {
				sb.WriteString("|")
			}
		}
		sb.WriteString("\n")
		if row < 2 {
			sb.WriteString("---+---+---\n")
		}
	}
	if snap.Active {
		sb.WriteString(fmt.Sprintf("turn: %s (you are %s)\n", snap.Turn, snap.LocalRole))
	} else if snap.Result != game.NoResult {
		sb.WriteString(fmt.Sprintf("result: %s\n", snap.Result))
	}
	return sb.String()
}

func (c *console) printHelp() {
	out := c.rl.Stdout()
	fmt.Fprintln(out, "commands:")
	fmt.Fprintln(out, "  /peers              list discovered peers")
	fmt.Fprintln(out, "  /sessions           list active sessions")
	fmt.Fprintln(out, "  /connect <peer-id>  open a session")
	fmt.Fprintln(out, "  /to <peer-id|all>   select chat target")
	fmt.Fprintln(out, "  /send <path>        send a file to the direct target")
	fmt.Fprintln(out, "  /nudge              nudge the target")
	fmt.Fprintln(out, "  /exec <command>     ask the direct target to run a command")
	fmt.Fprintln(out, "  /approve            run the pending command request")
	fmt.Fprintln(out, "  /game invite|accept|move <cell>|show")
	fmt.Fprintln(out, "  /history            list received files")
	fmt.Fprintln(out, "  /exit               quit")
	fmt.Fprintln(out, "anything else is sent as chat")
}
