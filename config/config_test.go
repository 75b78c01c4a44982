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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{}`))
	require.NoError(t, err)
	require.Equal(t, "Info", cfg.LogLevel)
	require.Equal(t, "vm-static", cfg.GuestKind)
	require.Equal(t, "guestnet", cfg.TapOwner)
	require.False(t, cfg.LeakConfigOnFailure)
	require.False(t, cfg.MetricsEnabled)
	require.Equal(t, "localhost:9090", cfg.MetricsAddr)
}

func TestLoadConfigOverrides(t *testing.T) {
	body := `{
		"log_level": "Debug",
		"guest_kind": "vm-hotplug",
		"tap_owner": "crosvm",
		"leak_config_on_failure": true,
		"metrics_enabled": true,
		"metrics_addr": "localhost:9999"
	}`
	cfg, err := LoadConfig(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, "Debug", cfg.LogLevel)
	require.Equal(t, "vm-hotplug", cfg.GuestKind)
	require.Equal(t, "crosvm", cfg.TapOwner)
	require.True(t, cfg.LeakConfigOnFailure)
	require.True(t, cfg.MetricsEnabled)
	require.Equal(t, "localhost:9999", cfg.MetricsAddr)
}

func TestLoadConfigInvalidGuestKind(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"guest_kind": "lxd"}`))
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoadConfigMalformed(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"log_level":`))
	require.Error(t, err)
}
