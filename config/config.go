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

package config

import (
	"encoding/json"
	"io/ioutil"

	"github.com/pkg/errors"
)

const (
	defaultConfigPath          = "/etc/guestnetd/config.json"
	defaultLogLevel            = "Info"
	defaultGuestKind           = "vm-static"
	defaultTapOwner            = "guestnet"
	defaultLeakConfigOnFailure = false
	defaultMetricsEnabled      = false
	defaultMetricsAddr         = "localhost:9090"
)

var validGuestKinds = map[string]bool{
	"container":  true,
	"vm-static":  true,
	"vm-hotplug": true,
}

// Config represents runtime configuration parameters
type Config struct {
	LogLevel string `json:"log_level"`
	// GuestKind selects the primary guest flavor: "container",
	// "vm-static" or "vm-hotplug".
	GuestKind string `json:"guest_kind"`
	// TapOwner is the user owning tap devices created for guests.
	TapOwner string `json:"tap_owner"`
	// LeakConfigOnFailure keeps the historical behavior of leaving the
	// device config allocated when adding a guest device fails halfway.
	LeakConfigOnFailure bool   `json:"leak_config_on_failure"`
	MetricsEnabled      bool   `json:"metrics_enabled"`
	MetricsAddr         string `json:"metrics_addr"`
}

// LoadConfig loads configuration from JSON file at 'path'
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = defaultConfigPath
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config from %q", path)
	}

	cfg := &Config{
		LogLevel:            defaultLogLevel,
		GuestKind:           defaultGuestKind,
		TapOwner:            defaultTapOwner,
		LeakConfigOnFailure: defaultLeakConfigOnFailure,
		MetricsEnabled:      defaultMetricsEnabled,
		MetricsAddr:         defaultMetricsAddr,
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %q", path)
	}

	if !validGuestKinds[cfg.GuestKind] {
		return nil, errors.Errorf("invalid guest kind %q", cfg.GuestKind)
	}
	return cfg, nil
}
