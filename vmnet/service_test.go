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

package vmnet

import (
	"os"
	"testing"

	ctrdlog "github.com/containerd/log"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vhive-serverless/guestnet/addressing"
	"github.com/vhive-serverless/guestnet/datapath"
	"github.com/vhive-serverless/guestnet/forwarding"
	"github.com/vhive-serverless/guestnet/metrics"
	"github.com/vhive-serverless/guestnet/uplink"
)

func TestMain(m *testing.M) {
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: ctrdlog.RFC3339NanoFixed,
		FullTimestamp:   true,
	})

	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)

	os.Exit(m.Run())
}

func newTestService() (*Service, *datapath.Fake, *forwarding.Tracker) {
	fake := datapath.NewFake()
	tracker := forwarding.NewTracker()
	return NewService(fake, addressing.NewAddressManager(), tracker, metrics.NopRecorder{}), fake, tracker
}

func TestStartStopLinuxVM(t *testing.T) {
	svc, fake, _ := newTestService()

	device, err := svc.Start(42, TypeLinux, 0)
	require.NoError(t, err)
	require.True(t, fake.Taps[device.TapIfname])
	require.Equal(t, "100.115.92.25", device.GatewayIPv4().String())
	require.Equal(t, "100.115.92.26", device.GuestIPv4().String())
	require.Same(t, device, svc.GetDevice(42))

	svc.Stop(42)
	require.Empty(t, fake.Taps)
	require.Nil(t, svc.GetDevice(42))

	// Stopping an unknown VM is a harmless no-op.
	svc.Stop(42)
}

func TestSubnetReleasedOnStop(t *testing.T) {
	svc, _, _ := newTestService()

	first, err := svc.Start(1, TypeLinux, 0)
	require.NoError(t, err)
	svc.Stop(1)

	second, err := svc.Start(2, TypeLinux, 0)
	require.NoError(t, err)
	require.Equal(t, first.Subnet().Base().String(), second.Subnet().Base().String(),
		"Released subnet must be reusable")
}

func TestUserVMSlots(t *testing.T) {
	svc, _, _ := newTestService()

	device, err := svc.Start(7, TypeUser, 3)
	require.NoError(t, err)
	require.Equal(t, "100.115.93.16", device.Subnet().Base().String())

	// The slot is occupied until the VM stops.
	_, err = svc.Start(8, TypeUser, 3)
	require.Error(t, err)

	svc.Stop(7)
	recreated, err := svc.Start(8, TypeUser, 3)
	require.NoError(t, err)
	require.Equal(t, device.Subnet().Base().String(), recreated.Subnet().Base().String())
	require.Equal(t, device.MAC().String(), recreated.MAC().String(),
		"User VM slots must keep a stable hardware address")
}

func TestConfigReleasedOnTapFailure(t *testing.T) {
	svc, fake, _ := newTestService()

	fake.FailNext("AddTunTap")
	_, err := svc.Start(7, TypeUser, 1)
	require.Error(t, err)

	// The slot subnet was released by the failed start.
	_, err = svc.Start(8, TypeUser, 1)
	require.NoError(t, err)
}

func TestDefensiveRestart(t *testing.T) {
	svc, fake, _ := newTestService()

	first, err := svc.Start(42, TypeLinux, 0)
	require.NoError(t, err)
	second, err := svc.Start(42, TypeLinux, 0)
	require.NoError(t, err)

	require.False(t, fake.Taps[first.TapIfname], "Stale device must be torn down on restart")
	require.True(t, fake.Taps[second.TapIfname])
	require.Len(t, svc.GetDevices(), 1)
}

func TestDefaultUplinkRouting(t *testing.T) {
	svc, fake, tracker := newTestService()
	eth0 := uplink.Network{Name: "eth0", Ifname: "eth0", Technology: uplink.TechnologyEthernet}
	wlan0 := uplink.Network{Name: "wlan0", Ifname: "wlan0", Technology: uplink.TechnologyWiFi}

	device, err := svc.Start(42, TypeLinux, 0)
	require.NoError(t, err)
	require.False(t, fake.RoutedBridges[device.TapIfname], "No routing without a default uplink")

	svc.OnDefaultUplinkChanged(&eth0)
	require.True(t, fake.RoutedBridges[device.TapIfname])
	require.True(t, tracker.ActiveSet(eth0, device.TapIfname).IPv6)

	// Devices started while online are routed immediately.
	late, err := svc.Start(43, TypeLinux, 0)
	require.NoError(t, err)
	require.True(t, fake.RoutedBridges[late.TapIfname])

	svc.OnDefaultUplinkChanged(&wlan0)
	require.True(t, tracker.ActiveSet(wlan0, device.TapIfname).IPv6)
	require.False(t, tracker.ActiveSet(eth0, device.TapIfname).IPv6)

	svc.OnDefaultUplinkChanged(nil)
	require.False(t, fake.RoutedBridges[device.TapIfname])
}

func TestGetDevicesOrdered(t *testing.T) {
	svc, _, _ := newTestService()

	for _, id := range []uint64{9, 3, 7} {
		_, err := svc.Start(id, TypeLinux, 0)
		require.NoError(t, err)
	}

	devices := svc.GetDevices()
	require.Len(t, devices, 3)
	require.Equal(t, uint64(3), devices[0].VMID)
	require.Equal(t, uint64(7), devices[1].VMID)
	require.Equal(t, uint64(9), devices[2].VMID)
}
