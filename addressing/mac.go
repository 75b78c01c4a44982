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
	"crypto/rand"
	"net"

	log "github.com/sirupsen/logrus"
)

// stableBaseMAC is the base address used for GetStable. The base address is
// itself random and was not derived from any particular device.
var stableBaseMAC = net.HardwareAddr{0x42, 0x37, 0x05, 0x13, 0x17, 0x00}

// macGenerator generates locally administered EUI-48 addresses and ensures no
// collisions with any address previously generated by the same instance.
type macGenerator struct {
	addrs map[string]struct{}
}

func newMACGenerator() *macGenerator {
	return &macGenerator{addrs: make(map[string]struct{})}
}

// Generate returns a new random EUI-48 address guaranteed to differ from every
// address previously returned by this generator instance.
func (g *macGenerator) Generate() net.HardwareAddr {
	addr := make(net.HardwareAddr, 6)
	for {
		if _, err := rand.Read(addr); err != nil {
			log.Panicf("failed to read random bytes for MAC address: %v", err)
		}
		// Set the locally administered flag and clear the multicast flag.
		addr[0] = (addr[0] | 0x02) &^ 0x01
		if _, ok := g.addrs[addr.String()]; !ok {
			break
		}
	}
	g.addrs[addr.String()] = struct{}{}

	out := make(net.HardwareAddr, 6)
	copy(out, addr)
	return out
}

// GetStable returns a deterministic address whose first five octets are fixed
// and whose last octet is the least significant byte of id. Stable addresses
// are not recorded in the collision set, so a randomly generated address may
// coincide with one.
func (g *macGenerator) GetStable(id uint32) net.HardwareAddr {
	addr := make(net.HardwareAddr, 6)
	copy(addr, stableBaseMAC)
	addr[5] = byte(id)
	return addr
}
