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
package discovery

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

// EventKind distinguishes peer-announced from peer-withdrawn events.
type EventKind int

const (
	PeerUp EventKind = iota
	PeerDown
)

// PeerEvent crosses the discovery boundary into the engine. Up events may
// repeat for an already-known peer; consumers must treat them idempotently.
type PeerEvent struct {
	Kind   EventKind
	PeerID string
	Name   string
	Device string
	Addr   string
	Port   int
}

// Config defines discovery configuration.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	LookupInterval string `yaml:"lookup_interval"`
}

// Service announces the local node over mDNS and periodically looks up
// peers, synthesizing withdraw events for peers that stop answering.
type Service struct {
	nodeID      string
	name        string
	device      string
	port        int
	serviceName string
	interval    time.Duration
	clock       clock.Clock
	logger      *zap.Logger

	server *mdns.Server
	events chan PeerEvent

	mutex    sync.Mutex
	lastSeen map[string]time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewService creates a discovery service for the local identity.
func NewService(config Config, nodeID, name string, port int, clk clock.Clock, logger *zap.Logger) *Service {
	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "_lanos._tcp"
	}

	interval := 15 * time.Second
	if config.LookupInterval != "" {
		if parsed, err := time.ParseDuration(config.LookupInterval); err == nil {
			interval = parsed
		}
	}

	device, _ := os.Hostname()

	return &Service{
		nodeID:      nodeID,
		name:        name,
		device:      device,
		port:        port,
		serviceName: serviceName,
		interval:    interval,
		clock:       clk,
		logger:      logger,
		events:      make(chan PeerEvent, 64),
		lastSeen:    make(map[string]time.Time),
		stopChan:    make(chan struct{}),
	}
}

// Events returns the channel of peer up/down events.
func (s *Service) Events() <-chan PeerEvent {
	return s.events
}

// Start announces the local node and begins the lookup loop.
func (s *Service) Start() error {
	if err := s.startServer(); err != nil {
		return fmt.Errorf("start mDNS server: %s", err)
	}

	s.wg.Add(1)
	go s.lookupLoop()

	s.logger.Info("Peer discovery started",
		zap.String("node_id", s.nodeID),
		zap.String("service_name", s.serviceName),
		zap.Int("port", s.port))
	return nil
}

// Stop withdraws the announcement and stops lookups.
func (s *Service) Stop() {
	close(s.stopChan)
	if s.server != nil {
		s.server.Shutdown()
	}
	s.wg.Wait()
	s.logger.Info("Peer discovery stopped")
}

// startServer advertises this node with identity in TXT records.
func (s *Service) startServer() error {
	ips, err := localIPs()
	if err != nil {
		return fmt.Errorf("get local IPs: %s", err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("no local IP addresses found")
	}

	host, _ := os.Hostname()
	service, err := mdns.NewMDNSService(
		s.nodeID,
		s.serviceName,
		"",
		"",
		s.port,
		ips,
		[]string{
			fmt.Sprintf("node_id=%s", s.nodeID),
			fmt.Sprintf("name=%s", s.name),
			fmt.Sprintf("device=%s", host),
		},
	)
	if err != nil {
		return fmt.Errorf("create mDNS service: %s", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("create mDNS server: %s", err)
	}

	s.server = server
	return nil
}

// lookupLoop performs periodic lookups and expires silent peers.
func (s *Service) lookupLoop() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.lookup()

	for {
		select {
		case <-ticker.C:
			s.lookup()
			s.expireStale()
		case <-s.stopChan:
			return
		}
	}
}

// lookup queries the LAN for peers.
func (s *Service) lookup() {
	entriesCh := make(chan *mdns.ServiceEntry, 8)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entriesCh {
			s.handleEntry(entry)
		}
	}()

	if err := mdns.Lookup(s.serviceName, entriesCh); err != nil {
		s.logger.Error("mDNS lookup failed", zap.Error(err))
	}
	close(entriesCh)
	<-done
}

// handleEntry converts one mDNS answer into a peer-up event.
func (s *Service) handleEntry(entry *mdns.ServiceEntry) {
	info := parseTXT(entry.InfoFields)

	nodeID := info["node_id"]
	if nodeID == "" {
		s.logger.Warn("Discovered peer without node_id",
			zap.String("name", entry.Name))
		return
	}

	// Self-announcements never reach the registry.
	if nodeID == s.nodeID {
		return
	}

	var ip string
	if entry.AddrV4 != nil {
		ip = entry.AddrV4.String()
	} else if entry.AddrV6 != nil {
		ip = entry.AddrV6.String()
	} else {
		s.logger.Warn("Discovered peer without IP address",
			zap.String("node_id", nodeID))
		return
	}

	s.mutex.Lock()
	s.lastSeen[nodeID] = s.clock.Now()
	s.mutex.Unlock()

	s.emit(PeerEvent{
		Kind:   PeerUp,
		PeerID: nodeID,
		Name:   info["name"],
		Device: info["device"],
		Addr:   ip,
		Port:   entry.Port,
	})
}

// expireStale withdraws peers not seen for three lookup intervals.
func (s *Service) expireStale() {
	cutoff := s.clock.Now().Add(-3 * s.interval)

	s.mutex.Lock()
	var expired []string
	for nodeID, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			expired = append(expired, nodeID)
			delete(s.lastSeen, nodeID)
		}
	}
	s.mutex.Unlock()

	for _, nodeID := range expired {
		s.logger.Info("Peer announcement expired", zap.String("node_id", nodeID))
		s.emit(PeerEvent{Kind: PeerDown, PeerID: nodeID})
	}
}

// emit delivers an event without ever blocking the lookup loop.
func (s *Service) emit(event PeerEvent) {
	select {
	case s.events <- event:
	default:
		s.logger.Warn("Discovery event channel full, dropping event",
			zap.String("peer_id", event.PeerID))
	}
}

// parseTXT turns key=value TXT records into a map.
func parseTXT(records []string) map[string]string {
	info := make(map[string]string)
	for _, record := range records {
		if i := strings.Index(record, "="); i > 0 {
			info[record[:i]] = record[i+1:]
		}
	}
	return info
}

// localIPs returns non-loopback IPv4 addresses.
func localIPs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
