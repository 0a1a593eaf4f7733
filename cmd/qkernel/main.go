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

// Command qkernel is a minimal wiring shim that brings up the host
// supervisor against a config file. It is not a CLI: command-line
// parsing, container init, and packaging live elsewhere.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/kvmguest/qkernel/pkg/hostvm"
	"github.com/kvmguest/qkernel/pkg/kernel"
)

func main() {
	log := logrus.WithField("cmd", "qkernel")

	cfgPath := "/etc/qkernel/config.toml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := hostvm.LoadConfig(cfgPath)
	if err != nil {
		log.WithError(err).Warn("falling back to default config")
		cfg = hostvm.DefaultConfig()
	}

	// The init thread group that receives relayed host signals. Process
	// creation and executable loading (pkg/loader) are driven by the
	// guest syscall layer, not this shim; it only needs a ThreadGroup to
	// exist so Supervisor has somewhere to inject signals during
	// bring-up.
	initGroup := kernel.NewThreadGroup(nil)

	sup, err := hostvm.New(cfg, nil, hostvm.NewSignalInjector(initGroup))
	if err != nil {
		log.WithError(err).Fatal("failed to bring up supervisor")
	}
	defer sup.Close()

	// The init thread's register/stack context lives in the same memory
	// the KVM slot exposes to the guest.
	mem, base := sup.GuestRegion()
	kernel.NewThread(initGroup, nil, kernel.NewContext64(kernel.NewSliceMemory(base, mem)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := sup.Run(ctx, nil); err != nil {
		log.WithError(err).Fatal("supervisor exited with error")
	}
}
