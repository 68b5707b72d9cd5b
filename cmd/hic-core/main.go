//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/hicore/hic/domain"
	"github.com/hicore/hic/internal/audit"
	"github.com/hicore/hic/internal/callgate"
	"github.com/hicore/hic/internal/captable"
	"github.com/hicore/hic/internal/domainreg"
	"github.com/hicore/hic/internal/fault"
	"github.com/hicore/hic/internal/hal"
	"github.com/hicore/hic/internal/invariant"
	"github.com/hicore/hic/internal/ipc"
	"github.com/hicore/hic/internal/platform"
	"github.com/hicore/hic/internal/respool"
	"github.com/hicore/hic/internal/sched"
	"github.com/hicore/hic/internal/utils"
)

var edition = "HIC-Core"

// core bundles the running instances of every C1-C9 component so main()
// can wire them together and hand them to the exit handler for a clean
// shutdown.
type core struct {
	hal     domain.HALIface
	pool    domain.ResourcePoolIface
	caps    domain.CapabilityTableIface
	domains domain.DomainRegistryIface
	sched   domain.SchedulerIface
	gate    domain.CallGateIface
	audit   domain.AuditLogIface
	checker domain.InvariantCheckerIface
	fault   domain.FaultHandlerIface
	ipc     domain.IPCServiceIface
}

func newCore(cfg domain.PlatformConfig) (*core, error) {
	c := &core{
		hal:     hal.NewHosted(),
		pool:    respool.New(),
		caps:    captable.New(),
		domains: domainreg.New(),
		sched:   sched.New(),
		gate:    callgate.New(),
		audit:   audit.New(),
		checker: invariant.New(),
		fault:   fault.New(),
		ipc:     ipc.New(),
	}

	if err := c.audit.Setup(cfg.AuditCapacity, c.hal); err != nil {
		return nil, fmt.Errorf("audit setup: %w", err)
	}
	if err := c.pool.Setup(c.hal, cfg); err != nil {
		return nil, fmt.Errorf("resource-pool setup: %w", err)
	}
	// domainreg and captable each hold a reference to the other but neither
	// calls into it during Setup (only later, on Create/Destroy/Create), so
	// the two can be constructed in either order as long as both Setups run
	// before either is used.
	if err := c.domains.Setup(c.caps, c.audit); err != nil {
		return nil, fmt.Errorf("domainreg setup: %w", err)
	}
	if err := c.caps.Setup(c.audit, c.checker, c.domains); err != nil {
		return nil, fmt.Errorf("captable setup: %w", err)
	}
	if err := c.sched.Setup(c.domains, c.audit, c.hal); err != nil {
		return nil, fmt.Errorf("sched setup: %w", err)
	}
	if err := c.gate.Setup(c.caps, c.domains, c.sched, c.audit); err != nil {
		return nil, fmt.Errorf("callgate setup: %w", err)
	}
	if err := c.checker.Setup(c.caps, c.domains, c.pool, c.sched, c.audit); err != nil {
		return nil, fmt.Errorf("invariant setup: %w", err)
	}
	if err := c.fault.Setup(c.audit, c.hal); err != nil {
		return nil, fmt.Errorf("fault setup: %w", err)
	}
	if err := c.ipc.Setup(c.caps, c.domains, c.sched, c.gate, c.audit); err != nil {
		return nil, fmt.Errorf("ipc setup: %w", err)
	}

	if err := c.installBootCapabilities(cfg); err != nil {
		return nil, fmt.Errorf("boot capability install: %w", err)
	}

	return c, nil
}

// installBootCapabilities creates the Core domain and files one capability
// per platform-config region and IRQ vector against it, all with
// GRANT so the Core can delegate sub-regions and IRQ ownership to
// services it later spawns. These are the root capabilities the Core
// installs at boot; after boot, capabilities are also created through
// cap_derive and through the administrative cap_create RPC, which passes
// the caller-supplied granter (possibly none) to Create.
func (c *core) installBootCapabilities(cfg domain.PlatformConfig) error {
	coreQuota := domain.Quota{
		MaxMemory:  ^uint64(0),
		MaxThreads: cfg.MaxThreads,
		MaxCaps:    uint32(len(cfg.Regions) + len(cfg.IrqVectors) + 1),
	}
	coreDomain, err := c.domains.Create(domain.DomainTypeCore, coreQuota, domain.DomainFlagCritical)
	if err != nil {
		return fmt.Errorf("create core domain: %w", err)
	}

	rights := domain.NewRights(domain.RightRead, domain.RightWrite, domain.RightGrant)
	for _, region := range cfg.Regions {
		payload := domain.CapPayload{Base: region.Base, Size: region.Size}
		if _, err := c.caps.Create(coreDomain, domain.CapTypeMemory, rights, payload, domain.CapIDNone); err != nil {
			return fmt.Errorf("install region capability for %+v: %w", region, err)
		}
	}

	irqRights := domain.NewRights(domain.RightRead, domain.RightGrant)
	for _, vector := range cfg.IrqVectors {
		payload := domain.CapPayload{Vector: vector}
		if _, err := c.caps.Create(coreDomain, domain.CapTypeIrqLine, irqRights, payload, domain.CapIDNone); err != nil {
			return fmt.Errorf("install irq capability for vector %d: %w", vector, err)
		}
	}

	logrus.Infof("hic-core: installed %d region and %d irq capabilities under core domain %d", len(cfg.Regions), len(cfg.IrqVectors), coreDomain)
	return nil
}

// exitHandler waits for a termination signal, gives every component a
// chance to settle and then exits. Grounded on the teacher's own
// cmd/sysbox-fs exitHandler: SIGQUIT dumps all goroutine stacks before
// terminating, anything else shuts down quietly.
func exitHandler(ctx context.Context, cancel context.CancelFunc, c *core) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	s := <-sigs
	logrus.Infof("hic-core: caught signal %v, shutting down", s)

	if s == syscall.SIGQUIT {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		logrus.Errorf("hic-core: dumping stacks:\n%s", buf[:n])
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if err := c.ipc.Stop(); err != nil {
		logrus.Errorf("hic-core: error stopping ipc service: %v", err)
	}

	cancel()
	_ = ctx
}

func cliApp() *cli.App {
	app := cli.NewApp()
	app.Name = "hic-core"
	app.Usage = "HIC hierarchical-isolation microkernel core"
	app.Version = edition

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Value: "/etc/hic/platform.yaml",
			Usage: "path to the platform configuration file",
		},
		cli.StringFlag{
			Name:  "socket",
			Value: "/run/hic/admin.sock",
			Usage: "administrative IPC unix socket path",
		},
		cli.StringFlag{
			Name:  "pidfile",
			Value: "/run/hic-core.pid",
			Usage: "path to the pidfile",
		},
		cli.StringFlag{
			Name:  "log",
			Usage: "path to log to (defaults to stderr)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log level: debug, info, warn, error",
		},
		cli.BoolFlag{
			Name:  "cpu-profiling",
			Usage: "enable cpu profiling",
		},
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			logrus.SetOutput(f)
		}

		level, err := logrus.ParseLevel(ctx.GlobalString("log-level"))
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logrus.SetLevel(level)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		if ctx.GlobalBool("cpu-profiling") {
			defer profile.Start(profile.CPUProfile).Stop()
		}

		if err := utils.CreatePidFile("hic-core", ctx.GlobalString("pidfile")); err != nil {
			return err
		}
		defer utils.DestroyPidFile(ctx.GlobalString("pidfile"))

		cfg, err := platform.Load(afero.NewOsFs(), ctx.GlobalString("config"))
		if err != nil {
			return fmt.Errorf("platform config: %w", err)
		}

		c, err := newCore(cfg)
		if err != nil {
			return fmt.Errorf("core init: %w", err)
		}

		runCtx, cancel := context.WithCancel(context.Background())
		go exitHandler(runCtx, cancel, c)

		go func() {
			if err := c.ipc.Serve(runCtx, ctx.GlobalString("socket")); err != nil {
				logrus.Errorf("hic-core: ipc serve error: %v", err)
			}
		}()

		_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
		logrus.Infof("hic-core %s ready", edition)

		<-runCtx.Done()
		logrus.Infof("hic-core: shutdown complete")

		return nil
	}

	return app
}

func main() {
	if err := cliApp().Run(os.Args); err != nil {
		logrus.Fatalf("hic-core: %v", err)
	}
}
