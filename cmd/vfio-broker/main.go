// vfio-broker opens PCI devices through VFIO for user-space drivers and,
// in serve mode, brokers them to several cooperating processes over an
// abstract unix socket.
//
// Usage:
//
//	vfio-broker serve --config /etc/vfio-broker.yaml
//	vfio-broker discover --all
//	vfio-broker doctor --pci 0000:17:00.0
//	vfio-broker open --pci 0000:17:00.0 --buffer-size 65536 --broker
//	vfio-broker cdi generate --pci 0000:17:00.0
//	vfio-broker cdi cleanup --prefix vfio
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/vfio-broker/pkg/broker"
	"github.com/Nativu5/vfio-broker/pkg/cdi"
	"github.com/Nativu5/vfio-broker/pkg/client"
	"github.com/Nativu5/vfio-broker/pkg/config"
	"github.com/Nativu5/vfio-broker/pkg/discover"
	"github.com/Nativu5/vfio-broker/pkg/dma"
	"github.com/Nativu5/vfio-broker/pkg/doctor"
	"github.com/Nativu5/vfio-broker/pkg/sysfs"
	"github.com/Nativu5/vfio-broker/pkg/types"
	"github.com/Nativu5/vfio-broker/pkg/utils"
	"github.com/Nativu5/vfio-broker/pkg/vfio"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "vfio-broker",
		Short: "VFIO device broker for user-space drivers",
		Long:  "A tool for opening PCI devices through VFIO, mapping DMA memory for them, and sharing them between processes through a broker.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(lvl)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	root.PersistentFlags().String("config", "", "Path to the YAML config file (built-in defaults if omitted)")

	root.AddCommand(
		newServeCmd(),
		newDiscoverCmd(),
		newDoctorCmd(),
		newOpenCmd(),
		newCDICmd(),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  serve
// ──────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open every VFIO group and serve devices to client processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("socket") {
				cfg.SocketName = socket
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			srv, err := broker.New(cfg)
			if err != nil {
				return fmt.Errorf("broker startup failed: %w", err)
			}
			if err := srv.Start(); err != nil {
				return fmt.Errorf("broker startup failed: %w", err)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case sig := <-sigs:
					log.Infof("received %s, shutting down", sig)
					if err := srv.Shutdown(); err != nil {
						log.Errorf("shutdown: %v", err)
					}
				case <-done:
				}
			}()

			return srv.Serve()
		},
	}

	cmd.Flags().StringVar(&socket, "socket", config.DefaultSocketName, "Abstract socket name to listen on (overrides the config file)")

	return cmd
}

// ──────────────────────────────────────────────
//  discover
// ──────────────────────────────────────────────

func newDiscoverCmd() *cobra.Command {
	var (
		all    bool
		pci    string
		output string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List PCI devices with their driver and IOMMU group",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			devices, err := selectDevices(cfg, pci, all)
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}

			switch output {
			case "json":
				return discover.PrintJSON(cmd.OutOrStdout(), devices)
			default:
				discover.PrintTable(cmd.OutOrStdout(), devices)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include devices not matched by the configured filters")
	cmd.Flags().StringVar(&pci, "pci", "", "PCI BDF address")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	cmd.MarkFlagsMutuallyExclusive("all", "pci")

	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func newDoctorCmd() *cobra.Command {
	var (
		all      bool
		pci      string
		strict   bool
		showPass bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run host and device diagnostics for VFIO readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			devices, err := selectDevices(cfg, pci, all)
			if err != nil {
				return fmt.Errorf("device discovery failed: %w", err)
			}

			// Host checks first, then every device
			reports := []*doctor.Report{doctor.DiagnoseHost()}
			for _, dev := range devices {
				reports = append(reports, doctor.DiagnoseDevice(dev))
			}
			merged := doctor.MergeReports(reports...)

			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), merged, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), merged, showPass)
			}

			// Exit code strategy
			if merged.HasFail {
				os.Exit(exitRuntimeError)
			}
			if strict && merged.HasWarn {
				os.Exit(exitRuntimeError)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include devices not matched by the configured filters")
	cmd.Flags().StringVar(&pci, "pci", "", "PCI BDF address")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	cmd.MarkFlagsMutuallyExclusive("all", "pci")

	return cmd
}

// ──────────────────────────────────────────────
//  open
// ──────────────────────────────────────────────

func newOpenCmd() *cobra.Command {
	var (
		pcis       []string
		viaBroker  bool
		socket     string
		dmaFlag    string
		bufferSize uint64
		kindFlag   string
		reset      bool
	)

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open devices, optionally map a DMA buffer, and print what was set up",
		Long: "Open devices either directly or through a running broker (--broker). " +
			"Devices come from --pci or, when omitted, from the configured filters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("socket") {
				cfg.SocketName = socket
			}
			kind, err := dma.ParseKind(kindFlag)
			if err != nil {
				return err
			}

			var devices []types.PCIDevice
			if len(pcis) > 0 {
				for _, pci := range pcis {
					found, err := selectDevices(cfg, pci, false)
					if err != nil {
						return err
					}
					devices = append(devices, found...)
				}
			} else {
				if devices, err = selectDevices(cfg, "", false); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("dma") {
				capability, err := types.ParseDMACapability(dmaFlag)
				if err != nil {
					return err
				}
				for i := range devices {
					devices[i].DMA = capability
				}
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching devices found.")
				return nil
			}

			var (
				opened []*vfio.Device
				closer func() error
			)
			if viaBroker {
				opened, closer, err = openThroughBroker(cfg, devices)
			} else {
				opened, closer, err = openDirect(cfg, devices)
			}
			if err != nil {
				return err
			}
			defer func() {
				if err := closer(); err != nil {
					log.Warnf("close: %v", err)
				}
			}()

			var phys dma.PhysAllocator
			if kind == dma.KindPhysical {
				phys = dma.NewHugePagePhysAllocator()
			}
			mgr := dma.NewManager(phys)

			var errs []error
			for _, d := range opened {
				printDevice(cmd.OutOrStdout(), d)
				if reset {
					if err := d.Reset(cmd.Context()); err != nil {
						errs = append(errs, fmt.Errorf("%s: reset: %w", d.Address, err))
						continue
					}
				}
				if bufferSize == 0 || d.DMA() == types.DMANone {
					continue
				}
				m, err := mgr.AllocateFor(d, bufferSize, vfio.DMAReadWrite, kind)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: dma: %w", d.Address, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  dma      %s buffer of %#x bytes at iova %#x\n", kind, m.Size(), m.IOVA())
				if err := mgr.Free(m); err != nil {
					errs = append(errs, fmt.Errorf("%s: dma free: %w", d.Address, err))
				}
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringSliceVar(&pcis, "pci", nil, "PCI BDF address (repeatable; configured filters if omitted)")
	cmd.Flags().BoolVar(&viaBroker, "broker", false, "Obtain devices from a running broker instead of opening them directly")
	cmd.Flags().StringVar(&socket, "socket", config.DefaultSocketName, "Abstract socket name of the broker")
	cmd.Flags().StringVar(&dmaFlag, "dma", "", "DMA capability to request (none|32|64; from the matching filter if omitted)")
	cmd.Flags().Uint64Var(&bufferSize, "buffer-size", 0, "Map a DMA buffer of this many bytes for each bus-mastering device")
	cmd.Flags().StringVar(&kindFlag, "buffer-kind", dma.KindHeap.String(), "DMA buffer kind (heap|shared|hugepage|physical)")
	cmd.Flags().BoolVar(&reset, "reset", false, "Reset each device after opening it")

	return cmd
}

func openDirect(cfg config.Config, devices []types.PCIDevice) ([]*vfio.Device, func() error, error) {
	host := vfio.NewHost(cfg)
	opened, err := host.OpenAll(devices)
	if err != nil {
		host.Close()
		return nil, nil, err
	}
	return opened, host.Close, nil
}

func openThroughBroker(cfg config.Config, devices []types.PCIDevice) ([]*vfio.Device, func() error, error) {
	c, err := client.Dial(cfg.SocketName, cfg.Timeout())
	if err != nil {
		return nil, nil, fmt.Errorf("cannot reach broker @%s: %w", cfg.SocketName, err)
	}
	var opened []*vfio.Device
	for _, dev := range devices {
		d, err := c.Open(dev.Address, dev.DMA)
		if err != nil {
			log.WithField("device", dev.Address).Warnf("skipping device: %v", err)
			continue
		}
		opened = append(opened, d)
	}
	closer := func() error {
		var errs []error
		for _, d := range opened {
			errs = append(errs, d.Close())
		}
		errs = append(errs, c.Close())
		return errors.Join(errs...)
	}
	return opened, closer, nil
}

func printDevice(w io.Writer, d *vfio.Device) {
	ctr := d.Container()
	fmt.Fprintf(w, "%s  %s\n", d.Address, d.Identity)
	fmt.Fprintf(w, "  iommu    %s, groups %v, dma %s, reset %t\n", ctr.Mode(), ctr.GroupNumbers(), d.DMA(), d.CanReset())
	for _, r := range d.Regions() {
		if r.Size == 0 {
			continue
		}
		fmt.Fprintf(w, "  region   %d: %#x bytes %s\n", r.Index, r.Size, regionFlags(r))
	}
}

func regionFlags(r vfio.Region) string {
	var flags []string
	if r.Readable() {
		flags = append(flags, "read")
	}
	if r.Writable() {
		flags = append(flags, "write")
	}
	if r.Mappable() {
		flags = append(flags, "mmap")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

// ──────────────────────────────────────────────
//  cdi
// ──────────────────────────────────────────────

func newCDICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cdi",
		Short: "Manage CDI spec files exposing VFIO devices to containers",
	}
	cmd.AddCommand(newGenerateCmd(), newCleanupCmd())
	return cmd
}

func newGenerateCmd() *cobra.Command {
	var (
		all       bool
		pci       string
		prefix    string
		name      string
		outputDir string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate CDI spec files for VFIO-bound devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if !all {
				if name == "" {
					name = deriveDefaultName(pci)
				}
				devices, err := selectDevices(cfg, pci, false)
				if err != nil {
					return fmt.Errorf("device discovery failed: %w", err)
				}
				if err := cdi.CreateCDISpec(prefix, name, devices, outputDir, format); err != nil {
					return fmt.Errorf("CDI spec generation failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "CDI spec written to %s/%s\n",
					outputDir, cdi.SpecFileName(prefix, name, format))
				return nil
			}

			// Batch mode: one spec per device already bound to vfio-pci
			devices, err := selectDevices(cfg, "", true)
			if err != nil {
				return fmt.Errorf("device discovery failed: %w", err)
			}
			var errCount, written int
			for _, dev := range devices {
				if !discover.Ready(dev) {
					log.Debugf("skipping %s: not bound to %s", dev.Address, sysfs.VFIODriver)
					continue
				}
				autoName := deriveDefaultName(dev.Address.String())
				if err := cdi.CreateCDISpec(prefix, autoName, []types.PCIDevice{dev}, outputDir, format); err != nil {
					log.Errorf("failed to generate spec for %s: %v", dev.Address, err)
					errCount++
					continue
				}
				written++
				fmt.Fprintf(cmd.OutOrStdout(), "CDI spec written to %s/%s\n",
					outputDir, cdi.SpecFileName(prefix, autoName, format))
			}
			if written == 0 && errCount == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No VFIO-bound devices found.")
			}
			if errCount > 0 {
				return fmt.Errorf("%d device(s) failed to generate", errCount)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Generate one spec per device bound to vfio-pci")
	cmd.Flags().StringVar(&pci, "pci", "", "PCI BDF address (e.g. 0000:17:00.0)")
	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI resource prefix")
	cmd.Flags().StringVar(&name, "name", "", "CDI resource name (auto-derived if omitted; incompatible with --all)")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "Output directory for CDI spec files")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (json|yaml)")

	cmd.MarkFlagsMutuallyExclusive("all", "pci")
	cmd.MarkFlagsOneRequired("all", "pci")
	// --name is only meaningful for single-device mode
	cmd.MarkFlagsMutuallyExclusive("all", "name")

	return cmd
}

func newCleanupCmd() *cobra.Command {
	var (
		prefix    string
		name      string
		outputDir string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove CDI spec files created by this tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := cdi.CleanupSpecs(outputDir, prefix, name, dryRun)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching spec files found.")
				return nil
			}
			action := "Removed"
			if dryRun {
				action = "Would remove"
			}
			for _, f := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", action, f)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI resource prefix to match")
	cmd.Flags().StringVar(&name, "name", "", "CDI resource name to match (all if omitted)")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "CDI spec directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview files that would be removed")

	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vfio-broker %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

// anyDevice matches every identity. It is appended after the configured
// filters so configured DMA capabilities still win.
var anyDevice = types.Filter{
	Vendor:          types.AnyID,
	Device:          types.AnyID,
	SubsystemVendor: types.AnyID,
	SubsystemDevice: types.AnyID,
	DMA:             types.DMANone,
}

// loadConfig reads --config, or returns the defaults when it is unset.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// selectDevices resolves the device selection flags. A single --pci
// address is looked up regardless of the filters; --all includes every
// PCI device. Otherwise only configured filters and locations apply.
func selectDevices(cfg config.Config, pci string, all bool) ([]types.PCIDevice, error) {
	filters, err := cfg.FilterSet()
	if err != nil {
		return nil, err
	}
	locations, err := cfg.LocationFilter()
	if err != nil {
		return nil, err
	}

	if pci != "" {
		addr, err := types.ParsePCIAddress(pci)
		if err != nil {
			return nil, err
		}
		devices, err := sysfs.ScanDevices(append(filters, anyDevice), types.LocationFilter{addr})
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("PCI device %s not found", addr)
		}
		return devices, nil
	}
	if all {
		return sysfs.ScanDevices(append(filters, anyDevice), nil)
	}
	return sysfs.ScanDevices(filters, locations)
}

// deriveDefaultName builds a default resource name from a PCI address.
func deriveDefaultName(pci string) string {
	if pci != "" {
		return utils.SanitizeName("pci-" + pci)
	}
	return "unknown"
}
