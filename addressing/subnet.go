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

// Package addressing provides conflict-free allocation of IPv4 subnets and
// hardware addresses for guest network devices.
package addressing

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
)

// Subnet is an owning handle to an IPv4 subnet allocated from a pool. The
// caller holding the handle has exclusive use of the address range until
// Release is called, which returns the range to the pool.
type Subnet struct {
	base      uint32
	prefixLen int
	// Per-offset allocation bitmap for the usable addresses of the subnet.
	// Offset 0 is the first usable address (base + 1).
	allocated []bool
	release   func()
	released  bool
}

func newSubnet(base uint32, prefixLen int, release func()) *Subnet {
	return &Subnet{
		base:      base,
		prefixLen: prefixLen,
		allocated: make([]bool, 1<<(32-prefixLen)-2),
		release:   release,
	}
}

// Base returns the network base address of the subnet.
func (s *Subnet) Base() net.IP {
	return uint32ToIP(s.base)
}

// PrefixLength returns the prefix length of the subnet.
func (s *Subnet) PrefixLength() int {
	return s.prefixLen
}

// CIDR returns the subnet in CIDR notation, e.g. "100.115.92.4/30".
func (s *Subnet) CIDR() *net.IPNet {
	return &net.IPNet{IP: s.Base(), Mask: net.CIDRMask(s.prefixLen, 32)}
}

// AvailableCount returns the number of usable addresses in the subnet.
func (s *Subnet) AvailableCount() int {
	return len(s.allocated)
}

// AddressAtOffset returns the usable address at the given offset. Offset 0 is
// the first usable address of the subnet, one past the base address.
func (s *Subnet) AddressAtOffset(offset int) net.IP {
	if offset < 0 || offset >= len(s.allocated) {
		return nil
	}
	return uint32ToIP(s.base + 1 + uint32(offset))
}

// CIDRAtOffset returns the usable address at the given offset together with
// the subnet prefix length, e.g. "100.115.92.6/30".
func (s *Subnet) CIDRAtOffset(offset int) *net.IPNet {
	addr := s.AddressAtOffset(offset)
	if addr == nil {
		return nil
	}
	return &net.IPNet{IP: addr, Mask: net.CIDRMask(s.prefixLen, 32)}
}

// AllocateAtOffset marks the usable address at the given offset as in use.
// Returns false if the offset is out of range or already allocated.
func (s *Subnet) AllocateAtOffset(offset int) bool {
	if offset < 0 || offset >= len(s.allocated) || s.allocated[offset] {
		return false
	}
	s.allocated[offset] = true
	return true
}

// FreeAtOffset returns the usable address at the given offset to the subnet.
func (s *Subnet) FreeAtOffset(offset int) {
	if offset >= 0 && offset < len(s.allocated) {
		s.allocated[offset] = false
	}
}

// Release returns the subnet to the pool it was allocated from. The handle
// must not be used afterwards. Release is idempotent.
func (s *Subnet) Release() {
	if s == nil || s.released {
		return
	}
	s.released = true
	if s.release != nil {
		s.release()
	}
}

func (s *Subnet) String() string {
	return fmt.Sprintf("%s/%d", s.Base(), s.prefixLen)
}

func uint32ToIP(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).To4()
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		log.Errorf("not an IPv4 address: %s", ip)
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}
