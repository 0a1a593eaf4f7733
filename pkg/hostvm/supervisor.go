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

package hostvm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"
	"github.com/moby/sys/capability"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/kvmguest/qkernel/pkg/fdnotifier"
	"github.com/kvmguest/qkernel/pkg/kernel"
	"github.com/kvmguest/qkernel/pkg/ring"
)

const memRegionSlot = 1

// capsToDrop is the set of process capabilities the supervisor gives up
// once vCPU threads and the control socket are up, since KVM bring-up
// needs CAP_SYS_ADMIN-adjacent privileges only briefly at startup.
var capsToDrop = []capability.Cap{
	capability.CAP_SYS_PTRACE,
	capability.CAP_SYS_MODULE,
	capability.CAP_NET_ADMIN,
}

// Supervisor owns every host-side handle a running sandbox needs: the KVM
// VM and its vCPU threads, the control-socket thread, and the host signal
// relay. New and Run leave the share and io fields unset, so no IOThread
// drains a shared-space ring.
type Supervisor struct {
	cfg Config

	kvm   *kvmSystem
	vmFD  int
	vcpus []*VCPU

	// mem backs the single KVM memory slot; guest physical addresses
	// equal host addresses within it.
	mem           []byte
	memBase       uint64
	kernelEntry   uint64
	vdsoParamPage uint64

	notifier   *fdnotifier.Notifier
	share      *ShareSpace
	io         *IOThread
	control    *ControlServer
	relay      *SignalRelay
	exitStatus *exitStatusFlag

	runLock *flock.Flock

	// signalInjector delivers a relayed host signal into the guest
	// signal core. cmd/qkernel supplies NewSignalInjector over the init
	// process's thread group.
	signalInjector func(msg ControlMsg)
}

// New brings up a Supervisor from cfg: acquires the single-instance run
// lock, opens /dev/kvm, creates the VM, maps and installs the guest
// memory region, enables HLT/MWAIT exit suppression, loads the guest
// kernel image and VDSO blob, and creates (but does not yet start)
// every vCPU.
func New(cfg Config, submissionRing ring.SubmissionRing, signalInjector func(ControlMsg)) (*Supervisor, error) {
	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return nil, fmt.Errorf("hostvm: creating run dir %s: %w", cfg.RunDir, err)
	}

	lockPath := filepath.Join(cfg.RunDir, "supervisor.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("hostvm: acquiring run lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("hostvm: another supervisor instance holds %s", lockPath)
	}

	kvm, err := openKVM()
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	vmFD, err := kvm.createVM()
	if err != nil {
		kvm.close()
		lock.Unlock()
		return nil, err
	}

	if err := enableX86DisableExits(vmFD); err != nil {
		unix.Close(vmFD)
		kvm.close()
		lock.Unlock()
		return nil, err
	}

	memSize := cfg.KernelMemGiB << 30
	if memSize == 0 {
		memSize = 2 << 30
	}
	mem, err := unix.Mmap(-1, 0, int(memSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(vmFD)
		kvm.close()
		lock.Unlock()
		return nil, fmt.Errorf("hostvm: mapping %d-byte guest region: %w", memSize, err)
	}
	memBase := uint64(uintptr(unsafe.Pointer(&mem[0])))

	// One slot; the guest physical address space is the host userspace
	// mapping verbatim within it.
	if err := setUserMemoryRegion(vmFD, memRegionSlot, memBase, memBase, memSize); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFD)
		kvm.close()
		lock.Unlock()
		return nil, err
	}

	kernelEntry, kernelEnd, err := loadKernelImage(mem, memBase, cfg.kernelImagePath())
	if err != nil {
		unix.Munmap(mem)
		unix.Close(vmFD)
		kvm.close()
		lock.Unlock()
		return nil, err
	}
	vdsoParamPage, err := loadVDSOBlob(mem, memBase, kernelEnd, cfg.vdsoImagePath())
	if err != nil {
		unix.Munmap(mem)
		unix.Close(vmFD)
		kvm.close()
		lock.Unlock()
		return nil, err
	}

	vcpuCount := cfg.VCPUCount
	if vcpuCount <= 0 {
		vcpuCount = runtime.NumCPU()
	}

	mmapSize, err := kvm.vcpuMmapSize()
	if err != nil {
		unix.Munmap(mem)
		unix.Close(vmFD)
		kvm.close()
		lock.Unlock()
		return nil, err
	}

	const kvmMaxCPUIDEntries = 100
	vcpus := make([]*VCPU, 0, vcpuCount)
	for i := 0; i < vcpuCount; i++ {
		vcpu, err := newVCPU(vmFD, kvm.fd, i, mmapSize, kvmMaxCPUIDEntries)
		if err != nil {
			for _, v := range vcpus {
				v.close()
			}
			unix.Munmap(mem)
			unix.Close(vmFD)
			kvm.close()
			lock.Unlock()
			return nil, fmt.Errorf("hostvm: creating vcpu %d: %w", i, err)
		}
		vcpus = append(vcpus, vcpu)
	}

	notifier := fdnotifier.New(submissionRing)
	exitStatus := newExitStatusFlag()

	s := &Supervisor{
		cfg:            cfg,
		kvm:            kvm,
		vmFD:           vmFD,
		vcpus:          vcpus,
		mem:            mem,
		memBase:        memBase,
		kernelEntry:    kernelEntry,
		vdsoParamPage:  vdsoParamPage,
		notifier:       notifier,
		exitStatus:     exitStatus,
		runLock:        lock,
		signalInjector: signalInjector,
	}
	return s, nil
}

// Run starts every vCPU thread, the control-socket thread, and the signal
// relay, blocking until one of them exits or ctx is canceled. It does not
// create a ShareSpace or start an IOThread, and it never calls
// processGuestMessages. It drops the capabilities in capsToDrop once those
// threads are started, then posts sd_notify(READY=1) if cfg.Notify is set.
func (s *Supervisor) Run(ctx context.Context, processGuestMessages func()) error {
	if s.cfg.Console {
		hc, err := AttachHostConsole()
		if err != nil {
			return err
		}
		defer hc.Close()
	}

	control, err := NewControlServer(s.cfg.ControlSocket, s.signalInjector)
	if err != nil {
		return err
	}
	s.control = control

	s.relay = NewSignalRelay(s.cfg.ControlSocket)
	s.relay.SetConsole(s.cfg.Console)

	g, gctx := errgroup.WithContext(ctx)

	for _, vcpu := range s.vcpus {
		vcpu := vcpu
		g.Go(func() error {
			return vcpu.Run(s.exitStatus)
		})
	}

	g.Go(func() error {
		return s.control.Run()
	})

	g.Go(func() error {
		s.relay.Start()
		<-gctx.Done()
		s.relay.Stop()
		return nil
	})

	if err := dropCapabilities(); err != nil {
		log.WithError(err).Warn("failed to drop host capabilities after bring-up")
	}

	if s.cfg.Notify {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.WithError(err).Warn("sd_notify(READY=1) failed")
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		s.control.Close()
		return nil
	})

	err = g.Wait()
	s.runLock.Unlock()
	return err
}

// SetExitStatus stores status, ending every vCPU and IO-thread loop.
func (s *Supervisor) SetExitStatus(status int32) {
	s.exitStatus.Set(status)
}

// ExitStatus returns the current exit status: -1 while running.
func (s *Supervisor) ExitStatus() int32 {
	return s.exitStatus.Get()
}

// Notifier returns the process-wide host-FD notifier every fs/host Inode
// registers against.
func (s *Supervisor) Notifier() *fdnotifier.Notifier {
	return s.notifier
}

// GuestRegion returns the guest memory region and its base address, for
// constructing kernel.SliceMemory-backed thread contexts over the same
// memory the KVM slot exposes to the guest.
func (s *Supervisor) GuestRegion() ([]byte, uint64) {
	return s.mem, s.memBase
}

// KernelEntry returns the guest kernel ELF's entry point within the
// guest region, the address vCPU 0 starts executing at.
func (s *Supervisor) KernelEntry() uint64 {
	return s.kernelEntry
}

// VDSOParamPageAddr returns the physical address of the VDSO parameter
// page, which the guest-side loader maps as [vvar]/[vdso].
func (s *Supervisor) VDSOParamPageAddr() uint64 {
	return s.vdsoParamPage
}

// NewSignalInjector builds the default signalInjector wired up by
// cmd/qkernel: it decodes a relayed ControlMsg and delivers it to tg via
// the guest signal core.
func NewSignalInjector(tg *kernel.ThreadGroup) func(ControlMsg) {
	return func(msg ControlMsg) {
		if msg.Payload.Signal == nil {
			return
		}
		info := kernel.NewPrivateSignal(kernel.Signal(msg.Payload.Signal.Signo))
		if err := tg.SendSignal(info); err != nil {
			log.WithError(err).WithField("signal", msg.Payload.Signal.Signo).Warn("failed to inject relayed host signal")
		}
	}
}

func dropCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("loading process capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("reading current capability set: %w", err)
	}
	caps.Unset(capability.BOUNDING, capsToDrop...)
	if err := caps.Apply(capability.BOUNDING); err != nil {
		return fmt.Errorf("applying dropped capabilities: %w", err)
	}
	return nil
}

// Close tears down the VM: closes every vCPU, the VM fd, and /dev/kvm.
func (s *Supervisor) Close() error {
	for _, v := range s.vcpus {
		if err := v.close(); err != nil {
			log.WithError(err).WithField("vcpu", v.id).Warn("failed to close vcpu")
		}
	}
	if err := unix.Munmap(s.mem); err != nil {
		log.WithError(err).Warn("failed to unmap guest region")
	}
	if err := unix.Close(s.vmFD); err != nil {
		log.WithError(err).Warn("failed to close vm fd")
	}
	return s.kvm.close()
}
