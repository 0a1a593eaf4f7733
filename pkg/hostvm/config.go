// Copyright 2021 Quark Container Authors / 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hostvm owns the host side of the guest-kernel sandbox: KVM VM
// bring-up, the vCPU and IO-thread run loops, and the host signal relay
// that feeds the guest's signal core. It is the host supervisor
// collaborator named but not implemented by the fs/kernel/fdnotifier core.
package hostvm

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Debug and release guest kernel image paths, fixed per the binary
// fingerprints this core's loader glue expects.
const (
	KernelImageDebug   = "/usr/local/bin/qkernel_d.bin"
	KernelImageRelease = "/usr/local/bin/qkernel.bin"
	VDSOImage          = "/usr/local/bin/vdso.so"
)

// Config is the supervisor's bring-up configuration, decoded from a TOML
// file layered over DefaultConfig.
type Config struct {
	// VCPUCount is the number of vCPU threads to start. Zero means use
	// runtime.NumCPU.
	VCPUCount int `toml:"vcpu_count"`

	// KernelMemGiB is the size, in GiB, of the single KVM userspace
	// memory region backing the guest physical address space.
	KernelMemGiB uint64 `toml:"kernel_mem_gib"`

	// Debug selects the debug kernel image when true.
	Debug bool `toml:"debug"`

	// KernelImage and VDSOImage override the fixed fingerprinted paths;
	// empty means use the default for Debug.
	KernelImage string `toml:"kernel_image"`
	VDSOImage   string `toml:"vdso_image"`

	// ControlSocket is the filesystem path of the Unix-domain control
	// socket the host signal relay and other control-plane messages are
	// sent over.
	ControlSocket string `toml:"control_socket"`

	// RunDir is the runtime directory the supervisor takes a
	// single-instance advisory lock over during bring-up.
	RunDir string `toml:"run_dir"`

	// Console attaches the sandbox to the host's controlling terminal and
	// switches signal delivery mode to DeliverToForegroundProcessGroup.
	Console bool `toml:"console"`

	// Notify enables sd_notify(READY=1) once Run has started its vCPU,
	// control-socket and signal-relay threads.
	Notify bool `toml:"systemd_notify"`
}

// DefaultConfig returns a Config matching this core's fixed binary
// fingerprints and a conservative single-vCPU, 2GiB bring-up.
func DefaultConfig() Config {
	return Config{
		VCPUCount:     1,
		KernelMemGiB:  2,
		ControlSocket: "/run/qkernel/control.sock",
		RunDir:        "/run/qkernel",
	}
}

// LoadConfig decodes path as TOML over DefaultConfig, so a config file only
// needs to specify the fields it overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("hostvm: decoding config %s: %w", path, err)
	}
	return cfg, nil
}

// kernelImagePath resolves the kernel image path to load: an explicit
// override, or the fixed debug/release fingerprint.
func (c Config) kernelImagePath() string {
	if c.KernelImage != "" {
		return c.KernelImage
	}
	if c.Debug {
		return KernelImageDebug
	}
	return KernelImageRelease
}

func (c Config) vdsoImagePath() string {
	if c.VDSOImage != "" {
		return c.VDSOImage
	}
	return VDSOImage
}
