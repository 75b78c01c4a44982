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

package addressing

import (
	"net"

	log "github.com/sirupsen/logrus"
)

// GuestType identifies the pool an IPv4 subnet is allocated from. Each guest
// type owns a disjoint slice of the 100.115.92.0/23 arena.
type GuestType int

const (
	// GuestTypeManagement is the single subnet of the always-present guest
	// management device.
	GuestTypeManagement GuestType = iota
	// GuestTypeNetDevice is the pool backing one guest device per uplink
	// network.
	GuestTypeNetDevice
	// GuestTypeLinuxVM is the pool for application Linux VMs.
	GuestTypeLinuxVM
	// GuestTypeUserVM is the pool for user VMs. This is the only pool
	// supporting allocation at an explicit slot.
	GuestTypeUserVM
	// GuestTypeContainer is the pool for nested application containers.
	GuestTypeContainer
	// GuestTypeNetns is the pool for client-requested routed namespaces.
	GuestTypeNetns
)

// AnySlot lets the allocator pick the lowest free subnet slot.
const AnySlot = 0

func (t GuestType) String() string {
	switch t {
	case GuestTypeManagement:
		return "management"
	case GuestTypeNetDevice:
		return "netdevice"
	case GuestTypeLinuxVM:
		return "linuxvm"
	case GuestTypeUserVM:
		return "uservm"
	case GuestTypeContainer:
		return "container"
	case GuestTypeNetns:
		return "netns"
	}
	return "unknown"
}

// subnetPool carves a fixed number of equally sized subnets out of a base
// address and tracks which slots are handed out.
type subnetPool struct {
	base      uint32
	prefixLen int
	inUse     []bool
}

// AddressManager allocates non-overlapping IPv4 subnets per guest type and
// generates EUI-48 hardware addresses for guest virtual interfaces.
type AddressManager struct {
	pools map[GuestType]*subnetPool
	macs  *macGenerator
}

// NewAddressManager creates an AddressManager with the fixed per-guest-type
// subnet pools.
func NewAddressManager() *AddressManager {
	return &AddressManager{
		pools: map[GuestType]*subnetPool{
			GuestTypeManagement: newSubnetPool("100.115.92.0", 30, 1),
			GuestTypeNetDevice:  newSubnetPool("100.115.92.4", 30, 5),
			GuestTypeLinuxVM:    newSubnetPool("100.115.92.24", 30, 26),
			GuestTypeNetns:      newSubnetPool("100.115.92.128", 30, 16),
			GuestTypeContainer:  newSubnetPool("100.115.92.192", 28, 4),
			GuestTypeUserVM:     newSubnetPool("100.115.93.0", 29, 32),
		},
		macs: newMACGenerator(),
	}
}

func newSubnetPool(base string, prefixLen, count int) *subnetPool {
	return &subnetPool{
		base:      ipToUint32(net.ParseIP(base)),
		prefixLen: prefixLen,
		inUse:     make([]bool, count),
	}
}

// AllocateIPv4Subnet returns an owning handle to an unused subnet of the pool
// for the given guest type, or nil if the pool is exhausted. A non-zero slot
// requests a specific subnet of the pool and is only supported for
// GuestTypeUserVM; for all other guest types the allocator picks the lowest
// free slot. Releasing the handle returns the subnet to the pool.
func (m *AddressManager) AllocateIPv4Subnet(guestType GuestType, slot uint32) *Subnet {
	pool, ok := m.pools[guestType]
	if !ok {
		log.Errorf("no subnet pool for guest type %s", guestType)
		return nil
	}
	if slot != AnySlot && guestType != GuestTypeUserVM {
		log.Errorf("subnet slot %d requested for non-indexable guest type %s", slot, guestType)
		return nil
	}

	idx := -1
	if slot != AnySlot {
		if int(slot) > len(pool.inUse) {
			log.Errorf("subnet slot %d out of range for guest type %s", slot, guestType)
			return nil
		}
		idx = int(slot) - 1
		if pool.inUse[idx] {
			log.Errorf("subnet slot %d for guest type %s already in use", slot, guestType)
			return nil
		}
	} else {
		for i, used := range pool.inUse {
			if !used {
				idx = i
				break
			}
		}
		if idx < 0 {
			log.Errorf("subnet pool exhausted for guest type %s", guestType)
			return nil
		}
	}

	pool.inUse[idx] = true
	size := uint32(1) << (32 - pool.prefixLen)
	base := pool.base + uint32(idx)*size
	return newSubnet(base, pool.prefixLen, func() { pool.inUse[idx] = false })
}

// GenerateMACAddress returns a random EUI-48 address that has not been
// returned before by this AddressManager instance. The address is recorded to
// prevent future collisions.
func (m *AddressManager) GenerateMACAddress() net.HardwareAddr {
	return m.macs.Generate()
}

// GetStableMACAddress returns the deterministic EUI-48 address for the given
// id. The result only depends on the low byte of id and is not recorded in
// the collision set of GenerateMACAddress.
func (m *AddressManager) GetStableMACAddress(id uint32) net.HardwareAddr {
	return m.macs.GetStable(id)
}
