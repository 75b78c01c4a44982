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

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	ctrdlog "github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vhive-serverless/guestnet/addressing"
	"github.com/vhive-serverless/guestnet/config"
	"github.com/vhive-serverless/guestnet/datapath"
	"github.com/vhive-serverless/guestnet/forwarding"
	"github.com/vhive-serverless/guestnet/guest"
	"github.com/vhive-serverless/guestnet/manager"
	"github.com/vhive-serverless/guestnet/metrics"
	"github.com/vhive-serverless/guestnet/uplink"
	"github.com/vhive-serverless/guestnet/vmnet"
)

func main() {
	debug := flag.Bool("dbg", false, "Enable debug logging")
	configPath := flag.String("config", "", "Path to the JSON config file")
	hostIface := flag.String("hostIface", "", "Host net-interface guests bind to for internet access")
	hostTech := flag.String("hostTech", "ethernet", "Technology of the host interface, valid options: ethernet, wifi, cellular")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: ctrdlog.RFC3339NanoFixed,
		FullTimestamp:   true,
	})
	log.SetOutput(os.Stdout)

	if *debug {
		log.SetLevel(log.DebugLevel)
		log.Debug("Debug logging is enabled")
	} else {
		log.SetLevel(log.InfoLevel)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil && !*debug {
		log.SetLevel(level)
	}

	kind, err := parseGuestKind(cfg.GuestKind)
	if err != nil {
		log.Fatalf("failed to parse guest kind: %v", err)
	}
	tech, err := parseTechnology(*hostTech)
	if err != nil {
		log.Fatalf("failed to parse host technology: %v", err)
	}

	dp, err := datapath.NewLinux()
	if err != nil {
		log.Fatalf("failed to create datapath: %v", err)
	}

	addrs := addressing.NewAddressManager()
	tracker := forwarding.NewTracker()

	var recorder metrics.Recorder = metrics.NopRecorder{}
	registry := prometheus.NewRegistry()
	if cfg.MetricsEnabled {
		recorder = metrics.NewPrometheusRecorder(registry)
	}

	var vmc guest.VMClient
	if kind == guest.KindVMHotplug {
		// Stands in for the VM manager control channel until one is wired.
		vmc = newLocalVMClient()
	}

	opts := []guest.Option{guest.WithTapOwner(cfg.TapOwner)}
	if cfg.LeakConfigOnFailure {
		opts = append(opts, guest.WithConfigLeakOnFailure())
	}
	guestSvc, err := guest.NewService(kind, dp, addrs, tracker, vmc, nil, recorder, opts...)
	if err != nil {
		log.Fatalf("failed to create guest service: %v", err)
	}
	vmSvc := vmnet.NewService(dp, addrs, tracker, recorder)

	mgr := manager.NewManager(dp, addrs, guestSvc, vmSvc, recorder)
	if *hostIface != "" {
		up := uplink.Network{Name: *hostIface, Ifname: *hostIface, Technology: tech}
		mgr.OnUplinkAdded(up)
		mgr.SetDefaultUplink(up.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsEnabled {
		srv := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		group.Go(func() error {
			log.WithFields(log.Fields{"addr": cfg.MetricsAddr}).Info("Serving metrics")
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		return nil
	})

	log.WithFields(log.Fields{"kind": kind, "uplink": *hostIface}).Info("guestnetd started")

	if err := group.Wait(); err != nil {
		log.Errorf("guestnetd run group failed: %v", err)
	}

	mgr.Stop()
	log.Info("guestnetd stopped")
}

func parseGuestKind(s string) (guest.Kind, error) {
	switch s {
	case "container":
		return guest.KindContainer, nil
	case "vm-static":
		return guest.KindVMStatic, nil
	case "vm-hotplug":
		return guest.KindVMHotplug, nil
	}
	return 0, errors.Errorf("unknown guest kind %q", s)
}

func parseTechnology(s string) (uplink.Technology, error) {
	switch s {
	case "ethernet":
		return uplink.TechnologyEthernet, nil
	case "wifi":
		return uplink.TechnologyWiFi, nil
	case "cellular":
		return uplink.TechnologyCellular, nil
	}
	return 0, errors.Errorf("unknown uplink technology %q", s)
}

// localVMClient hands out guest bus numbers locally and confirms every attach.
type localVMClient struct {
	mu      sync.Mutex
	nextBus uint8
}

func newLocalVMClient() *localVMClient {
	return &localVMClient{nextBus: 1}
}

func (c *localVMClient) AttachTapDevice(vmID uint32, tapIfname string, done func(bus uint8, ok bool)) {
	c.mu.Lock()
	bus := c.nextBus
	c.nextBus++
	c.mu.Unlock()
	done(bus, true)
}

func (c *localVMClient) DetachTapDevice(vmID uint32, bus uint8) bool {
	return true
}
