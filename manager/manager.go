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

// Package manager orchestrates guest networking on the host: it feeds uplink
// network events to the guest services and grants clients lifeline-tracked
// network resources (routed namespaces, downstream networks, DNS redirection
// rules) that are torn down automatically when the requesting client goes
// away.
package manager

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vhive-serverless/guestnet/addressing"
	"github.com/vhive-serverless/guestnet/datapath"
	"github.com/vhive-serverless/guestnet/guest"
	"github.com/vhive-serverless/guestnet/metrics"
	"github.com/vhive-serverless/guestnet/uplink"
	"github.com/vhive-serverless/guestnet/vmnet"
)

// Manager is the top-level coordinator. All operations are serialized by an
// internal mutex; lifeline watchers run on their own goroutines and re-enter
// through OnLifelineFdClosed.
type Manager struct {
	dp       datapath.Datapath
	addrs    *addressing.AddressManager
	guestSvc *guest.Service
	vmSvc    *vmnet.Service
	recorder metrics.Recorder

	mu        sync.Mutex
	lifelines map[int]*lifeline
	uplinks   map[string]uplink.Network
	nsCounter int
	stopped   bool
}

// NewManager creates the manager. guestSvc and vmSvc may be nil when the
// respective guest flavor is not deployed; recorder may be nil.
func NewManager(dp datapath.Datapath, addrs *addressing.AddressManager, guestSvc *guest.Service,
	vmSvc *vmnet.Service, recorder metrics.Recorder) *Manager {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Manager{
		dp:        dp,
		addrs:     addrs,
		guestSvc:  guestSvc,
		vmSvc:     vmSvc,
		recorder:  recorder,
		lifelines: make(map[int]*lifeline),
		uplinks:   make(map[string]uplink.Network),
	}
}

// OnUplinkAdded propagates a new uplink network to the guest service.
func (m *Manager) OnUplinkAdded(up uplink.Network) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.uplinks[up.Name] = up
	if m.guestSvc != nil {
		m.guestSvc.AddDevice(up)
	}
}

// OnUplinkRemoved withdraws an uplink network.
func (m *Manager) OnUplinkRemoved(up uplink.Network) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.uplinks, up.Name)
	if m.guestSvc != nil {
		m.guestSvc.RemoveDevice(up)
	}
}

// OnUplinkIPConfigChanged refreshes the IP configuration of a known uplink.
func (m *Manager) OnUplinkIPConfigChanged(up uplink.Network) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.uplinks[up.Name]; !ok {
		log.WithFields(log.Fields{"uplink": up.Name}).Warn("IP configuration change for unknown uplink")
		return
	}
	m.uplinks[up.Name] = up
	if m.guestSvc != nil {
		m.guestSvc.UpdateDeviceIPConfig(up)
	}
}

// SetDefaultUplink selects the uplink VM traffic is routed through. An empty
// name means the host went offline.
func (m *Manager) SetDefaultUplink(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vmSvc == nil {
		return
	}
	if name == "" {
		m.vmSvc.OnDefaultUplinkChanged(nil)
		return
	}
	up, ok := m.uplinks[name]
	if !ok {
		log.WithFields(log.Fields{"uplink": name}).Error("Unknown uplink selected as default")
		return
	}
	m.vmSvc.OnDefaultUplinkChanged(&up)
}

// StartGuest starts the primary guest. id is the container pid or VM context
// id.
func (m *Manager) StartGuest(id uint32) error {
	if m.guestSvc == nil {
		return errors.New("no primary guest service deployed")
	}
	return m.guestSvc.Start(id)
}

// StopGuest stops the primary guest.
func (m *Manager) StopGuest(id uint32) {
	if m.guestSvc != nil {
		m.guestSvc.Stop(id)
	}
}

// StartVM creates the network device of an application VM.
func (m *Manager) StartVM(vmID uint64, vmType vmnet.VMType, slot uint32) (*vmnet.Device, error) {
	if m.vmSvc == nil {
		return nil, errors.New("no VM network service deployed")
	}
	return m.vmSvc.Start(vmID, vmType, slot)
}

// StopVM tears down the network device of an application VM.
func (m *Manager) StopVM(vmID uint64) {
	if m.vmSvc != nil {
		m.vmSvc.Stop(vmID)
	}
}

// ConnectNamespace grants the client a routed network namespace connected to
// the host with a veth pair. pid selects the namespace of a running process;
// pid 0 creates a fresh named namespace. outboundUplink optionally pins the
// namespace traffic to one uplink. The namespace lives until lifelineFd
// closes.
func (m *Manager) ConnectNamespace(lifelineFd, pid int, outboundUplink string, routeOnVPN bool) (*datapath.ConnectedNamespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, errors.New("manager is stopped")
	}

	var outbound *uplink.Network
	if outboundUplink != "" {
		up, ok := m.uplinks[outboundUplink]
		if !ok {
			return nil, errors.Errorf("unknown outbound uplink %s", outboundUplink)
		}
		outbound = &up
	}

	subnet := m.addrs.AllocateIPv4Subnet(addressing.GuestTypeNetns, addressing.AnySlot)
	if subnet == nil {
		return nil, errors.New("allocating namespace subnet")
	}

	id := m.nsCounter
	m.nsCounter++
	ns := &datapath.ConnectedNamespace{
		Pid:        pid,
		NetnsName:  fmt.Sprintf("gn_netns%d", id),
		HostIfname: fmt.Sprintf("gn_ns%d", id),
		PeerIfname: "veth0",
		Subnet:     subnet,
		HostCIDR:   subnet.CIDRAtOffset(0),
		PeerCIDR:   subnet.CIDRAtOffset(1),
		HostMAC:    m.addrs.GenerateMACAddress(),
		PeerMAC:    m.addrs.GenerateMACAddress(),
		Outbound:   outbound,
		RouteOnVPN: routeOnVPN,
	}

	if !m.dp.StartRoutingNamespace(ns) {
		subnet.Release()
		return nil, errors.Errorf("starting routing namespace %s", ns.NetnsName)
	}

	if err := m.registerLifelineLocked(lifelineFd, func(l *lifeline) { l.namespace = ns }); err != nil {
		m.dp.StopRoutingNamespace(ns)
		subnet.Release()
		return nil, err
	}
	return ns, nil
}

// CreateDownstreamNetwork turns a local interface into the gateway of a
// client-managed downstream network, forwarded to an uplink. The network
// lives until lifelineFd closes.
func (m *Manager) CreateDownstreamNetwork(lifelineFd int, downstreamIfname, upstreamUplink string, enableIPv6 bool) (*datapath.DownstreamNetwork, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, errors.New("manager is stopped")
	}

	var upstream *uplink.Network
	if upstreamUplink != "" {
		up, ok := m.uplinks[upstreamUplink]
		if !ok {
			return nil, errors.Errorf("unknown upstream uplink %s", upstreamUplink)
		}
		upstream = &up
	}

	subnet := m.addrs.AllocateIPv4Subnet(addressing.GuestTypeNetns, addressing.AnySlot)
	if subnet == nil {
		return nil, errors.New("allocating downstream subnet")
	}

	dn := &datapath.DownstreamNetwork{
		DownstreamIfname: downstreamIfname,
		Upstream:         upstream,
		Subnet:           subnet,
		GatewayCIDR:      subnet.CIDRAtOffset(0),
		EnableIPv6:       enableIPv6,
	}

	if !m.dp.StartDownstreamNetwork(dn) {
		subnet.Release()
		return nil, errors.Errorf("starting downstream network on %s", downstreamIfname)
	}

	if err := m.registerLifelineLocked(lifelineFd, func(l *lifeline) { l.downstream = dn }); err != nil {
		m.dp.StopDownstreamNetwork(dn)
		subnet.Release()
		return nil, err
	}
	return dn, nil
}

// SetDNSRedirectionRule redirects DNS traffic to a client proxy. The rule
// lives until lifelineFd closes.
func (m *Manager) SetDNSRedirectionRule(lifelineFd int, rule datapath.DNSRedirectRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return errors.New("manager is stopped")
	}

	if !m.dp.StartDNSRedirection(&rule) {
		return errors.Errorf("starting DNS redirection to %s", rule.ProxyAddress)
	}

	if err := m.registerLifelineLocked(lifelineFd, func(l *lifeline) { l.dnsRule = &rule }); err != nil {
		m.dp.StopDNSRedirection(&rule)
		return err
	}
	return nil
}

// registerLifelineLocked duplicates the client descriptor and starts the
// watcher goroutine. Each descriptor carries exactly one resource.
func (m *Manager) registerLifelineLocked(clientFd int, attach func(*lifeline)) error {
	if _, ok := m.lifelines[clientFd]; ok {
		return errors.Errorf("lifeline fd %d already registered", clientFd)
	}

	dupFd, err := unix.Dup(clientFd)
	if err != nil {
		return errors.Wrapf(err, "duplicating lifeline fd %d", clientFd)
	}
	unix.CloseOnExec(dupFd)

	l := &lifeline{
		clientFd: clientFd,
		dupFd:    dupFd,
		stop:     make(chan struct{}),
	}
	attach(l)
	m.lifelines[clientFd] = l

	go m.watchLifeline(clientFd, dupFd, l.stop)

	log.WithFields(log.Fields{"fd": clientFd}).Info("Lifeline registered")
	m.recorder.LifelineEvent(metrics.EventRegistered)
	return nil
}

// OnLifelineFdClosed tears down the resource tied to a client descriptor. It
// is invoked by the watcher goroutines and may be invoked directly when
// another channel reports the client gone.
func (m *Manager) OnLifelineFdClosed(clientFd int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lifelines[clientFd]
	if !ok {
		log.WithFields(log.Fields{"fd": clientFd}).Error("Unknown lifeline fd")
		return
	}
	m.teardownLifelineLocked(l)
	m.recorder.LifelineEvent(metrics.EventClosed)
}

// ReleaseLifeline proactively tears down the resource tied to a client
// descriptor, without waiting for the descriptor to close. Returns false if
// the descriptor is unknown.
func (m *Manager) ReleaseLifeline(clientFd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lifelines[clientFd]
	if !ok {
		return false
	}
	m.teardownLifelineLocked(l)
	m.recorder.LifelineEvent(metrics.EventTornDown)
	return true
}

// teardownLifelineLocked releases the resource of a lifeline. Downstream
// networks are stopped before namespaces so a namespace serving as the
// downstream uplink is dismantled after its dependents; DNS rules go last as
// they reference nothing.
func (m *Manager) teardownLifelineLocked(l *lifeline) {
	if !l.stopped {
		l.stopped = true
		close(l.stop)
	}

	if l.downstream != nil {
		m.dp.StopDownstreamNetwork(l.downstream)
		l.downstream.Subnet.Release()
	}
	if l.namespace != nil {
		m.dp.StopRoutingNamespace(l.namespace)
		l.namespace.Subnet.Release()
	}
	if l.dnsRule != nil {
		m.dp.StopDNSRedirection(l.dnsRule)
	}

	unix.Close(l.dupFd)
	delete(m.lifelines, l.clientFd)
	log.WithFields(log.Fields{"fd": l.clientFd}).Info("Lifeline torn down")
}

// Stop tears down every remaining lifeline resource. The manager accepts no
// further requests afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true

	fds := make([]int, 0, len(m.lifelines))
	for fd := range m.lifelines {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	for _, fd := range fds {
		m.teardownLifelineLocked(m.lifelines[fd])
		m.recorder.LifelineEvent(metrics.EventTornDown)
	}
	log.Info("Manager stopped")
}
