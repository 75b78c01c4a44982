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

package guest

import (
	log "github.com/sirupsen/logrus"
)

// guestIfManager tracks which interface name the guest assigns to each host
// tap device of a VM guest.
type guestIfManager interface {
	// GuestIfname returns the guest interface name for a host tap.
	GuestIfname(hostIfname string) (string, bool)
	// AddInterface assigns a guest interface name to a tap being attached.
	// The name is usable immediately, before the VM manager confirms the
	// attachment.
	AddInterface(hostIfname string) (string, bool)
	// ConfirmAttach records the guest bus a tap ended up attached at.
	// Returns false for taps no longer tracked.
	ConfirmAttach(hostIfname string, bus uint8) bool
	// RemoveInterface forgets a tap and returns the bus it was attached
	// at. Returns false while the attachment is still unconfirmed; the
	// name assignment is dropped either way.
	RemoveInterface(hostIfname string) (uint8, bool)
}

// staticIfManager serves VMs whose tap devices are all created at startup.
// Guest interface names follow tap creation order and never change, so
// attaching or detaching at runtime is not supported.
type staticIfManager struct {
	names map[string]string
}

// newStaticIfManager maps the given taps to guest interface names in order,
// starting at eth0 for the management tap.
func newStaticIfManager(tapIfnames []string) *staticIfManager {
	names := make(map[string]string, len(tapIfnames))
	for i, tap := range tapIfnames {
		names[tap] = guestIfnameForIndex(i)
	}
	return &staticIfManager{names: names}
}

func (m *staticIfManager) GuestIfname(hostIfname string) (string, bool) {
	name, ok := m.names[hostIfname]
	return name, ok
}

func (m *staticIfManager) AddInterface(hostIfname string) (string, bool) {
	log.WithFields(log.Fields{"tap": hostIfname}).Error("Cannot attach an interface to a statically configured guest")
	return "", false
}

func (m *staticIfManager) ConfirmAttach(hostIfname string, bus uint8) bool {
	log.WithFields(log.Fields{"tap": hostIfname}).Error("Cannot attach an interface to a statically configured guest")
	return false
}

func (m *staticIfManager) RemoveInterface(hostIfname string) (uint8, bool) {
	log.WithFields(log.Fields{"tap": hostIfname}).Error("Cannot detach an interface from a statically configured guest")
	return 0, false
}

// hotplugIfManager serves VMs whose tap devices come and go while the guest
// runs. Guest interface indices are allocated from a bitset; index 0 is
// reserved for the management device created at startup.
type hotplugIfManager struct {
	usedIndices [256]bool
	// indices and buses are keyed by host tap name.
	indices map[string]int
	buses   map[string]uint8
}

func newHotplugIfManager() *hotplugIfManager {
	m := &hotplugIfManager{
		indices: make(map[string]int),
		buses:   make(map[string]uint8),
	}
	m.usedIndices[0] = true
	return m
}

func (m *hotplugIfManager) GuestIfname(hostIfname string) (string, bool) {
	index, ok := m.indices[hostIfname]
	if !ok {
		return "", false
	}
	return guestIfnameForIndex(index), true
}

// AddInterface allocates the lowest free guest interface index for the tap.
// A tap already recorded is replaced: a fresh attach request for the same tap
// means the old record is stale and must not win.
func (m *hotplugIfManager) AddInterface(hostIfname string) (string, bool) {
	if oldIndex, ok := m.indices[hostIfname]; ok {
		log.WithFields(log.Fields{"tap": hostIfname}).Warn("Tap already attached to guest, replacing stale record")
		m.usedIndices[oldIndex] = false
		delete(m.indices, hostIfname)
		delete(m.buses, hostIfname)
	}

	index := -1
	for i, used := range m.usedIndices {
		if !used {
			index = i
			break
		}
	}
	if index < 0 {
		log.WithFields(log.Fields{"tap": hostIfname}).Error("No guest interface index available")
		return "", false
	}

	m.usedIndices[index] = true
	m.indices[hostIfname] = index
	return guestIfnameForIndex(index), true
}

func (m *hotplugIfManager) ConfirmAttach(hostIfname string, bus uint8) bool {
	if _, ok := m.indices[hostIfname]; !ok {
		log.WithFields(log.Fields{"tap": hostIfname}).Warn("Attach confirmation for untracked tap")
		return false
	}
	if old, ok := m.buses[hostIfname]; ok {
		log.WithFields(log.Fields{"tap": hostIfname, "bus": old}).Warn("Duplicate attach confirmation, overwriting bus location")
	}
	m.buses[hostIfname] = bus
	return true
}

// RemoveInterface drops the name assignment of a tap. Detaching needs the
// guest bus, so the call fails while the attachment is unconfirmed.
func (m *hotplugIfManager) RemoveInterface(hostIfname string) (uint8, bool) {
	index, ok := m.indices[hostIfname]
	if !ok {
		log.WithFields(log.Fields{"tap": hostIfname}).Error("Tap is not attached to the guest")
		return 0, false
	}
	m.usedIndices[index] = false
	delete(m.indices, hostIfname)

	bus, confirmed := m.buses[hostIfname]
	if !confirmed {
		log.WithFields(log.Fields{"tap": hostIfname}).Error("Tap attachment was never confirmed")
		return 0, false
	}
	delete(m.buses, hostIfname)
	return bus, true
}
