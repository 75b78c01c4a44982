// MIT License
//
// Copyright (c) 2024 vHive team
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package forwarding controls the per-device traffic forwarders (IPv6
// neighbor discovery, multicast, broadcast) between an uplink network and a
// guest-facing interface.
package forwarding

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vhive-serverless/guestnet/uplink"
)

// Set selects which forwarders an operation applies to.
type Set struct {
	IPv6      bool
	Multicast bool
	Broadcast bool
}

// AllSet returns a Set with every forwarder selected.
func AllSet() Set {
	return Set{IPv6: true, Multicast: true, Broadcast: true}
}

// Service starts and stops traffic forwarders between an uplink and a
// guest-facing interface. Operations are idempotent per forwarder.
type Service interface {
	StartForwarding(up uplink.Network, guestIfname string, set Set)
	StopForwarding(up uplink.Network, guestIfname string, set Set)
	// RestartIPv6 stops IPv6 forwarding immediately and starts it again
	// after delay, dropping stale neighbor state in between. A pending
	// restart for the same pair is superseded.
	RestartIPv6(up uplink.Network, guestIfname string, delay time.Duration)
}

type pairKey struct {
	uplinkName  string
	guestIfname string
}

// Tracker is the default Service implementation. It keeps the active
// forwarder set per (uplink, guest interface) pair and owns the delayed IPv6
// restart timers.
type Tracker struct {
	mu     sync.Mutex
	active map[pairKey]Set
	timers map[pairKey]*time.Timer
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active: make(map[pairKey]Set),
		timers: make(map[pairKey]*time.Timer),
	}
}

// StartForwarding starts the selected forwarders between the uplink and the
// guest interface. Forwarders already running are left untouched.
func (t *Tracker) StartForwarding(up uplink.Network, guestIfname string, set Set) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := pairKey{uplinkName: up.Name, guestIfname: guestIfname}
	cur := t.active[key]
	logger := log.WithFields(log.Fields{"uplink": up.Name, "guest": guestIfname})

	if set.IPv6 && !cur.IPv6 {
		t.cancelRestartLocked(key)
		cur.IPv6 = true
		logger.Info("Started IPv6 NDP forwarding")
	}
	if set.Multicast && !cur.Multicast {
		cur.Multicast = true
		logger.Info("Started multicast forwarding")
	}
	if set.Broadcast && !cur.Broadcast {
		cur.Broadcast = true
		logger.Info("Started broadcast forwarding")
	}
	t.active[key] = cur
}

// StopForwarding stops the selected forwarders between the uplink and the
// guest interface. Forwarders not running are ignored.
func (t *Tracker) StopForwarding(up uplink.Network, guestIfname string, set Set) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := pairKey{uplinkName: up.Name, guestIfname: guestIfname}
	// A pending restart is void even if IPv6 forwarding is already down.
	if set.IPv6 {
		t.cancelRestartLocked(key)
	}

	cur, ok := t.active[key]
	if !ok {
		return
	}
	logger := log.WithFields(log.Fields{"uplink": up.Name, "guest": guestIfname})

	if set.IPv6 && cur.IPv6 {
		cur.IPv6 = false
		logger.Info("Stopped IPv6 NDP forwarding")
	}
	if set.Multicast && cur.Multicast {
		cur.Multicast = false
		logger.Info("Stopped multicast forwarding")
	}
	if set.Broadcast && cur.Broadcast {
		cur.Broadcast = false
		logger.Info("Stopped broadcast forwarding")
	}

	if cur == (Set{}) {
		delete(t.active, key)
		return
	}
	t.active[key] = cur
}

// RestartIPv6 stops IPv6 forwarding now and schedules it to start again after
// delay. Used when the uplink IP configuration changed and the guest must
// re-learn its neighbors.
func (t *Tracker) RestartIPv6(up uplink.Network, guestIfname string, delay time.Duration) {
	t.StopForwarding(up, guestIfname, Set{IPv6: true})

	t.mu.Lock()
	defer t.mu.Unlock()

	key := pairKey{uplinkName: up.Name, guestIfname: guestIfname}
	t.cancelRestartLocked(key)
	t.timers[key] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, key)
		t.mu.Unlock()
		t.StartForwarding(up, guestIfname, Set{IPv6: true})
	})
}

func (t *Tracker) cancelRestartLocked(key pairKey) {
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
}

// ActiveSet returns the forwarders currently running between the uplink and
// the guest interface.
func (t *Tracker) ActiveSet(up uplink.Network, guestIfname string) Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[pairKey{uplinkName: up.Name, guestIfname: guestIfname}]
}
