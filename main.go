// Pervie formats removable drives and flashes remote OS images onto them.
// Run without arguments for the interactive console, or use the
// subcommands for scripted operation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/logscore/pervie/pkg/config"
	"github.com/logscore/pervie/pkg/console"
	"github.com/logscore/pervie/pkg/disk"
	"github.com/logscore/pervie/pkg/format"
	"github.com/logscore/pervie/pkg/orchestrator"
	"github.com/logscore/pervie/pkg/privilege"
)

const version = "0.3.0"

func main() {
	var (
		cfgPath  string
		logLevel string
		cfg      config.Config
	)

	root := &cobra.Command{
		Use:   "pervie",
		Short: "Removable drive formatter and remote image flasher",
		Long:  "Format removable drives and stream OS images from the network straight onto them.",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			lvl, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(lvl)
			logrus.SetOutput(os.Stderr)
			cfg, err = config.Load(cfgPath)
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsole(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to the YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "trace|debug|info|warn|error")

	root.AddCommand(listCmd(&cfg))
	root.AddCommand(formatCmd(&cfg))
	root.AddCommand(flashCmd(&cfg))
	root.AddCommand(ejectCmd(&cfg))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("pervie " + version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pervie.yaml"
	}
	return home + "/.config/pervie/config.yaml"
}

// runConsole starts the interactive UI, elevating first so every
// destructive operation inside the session already has raw device access.
func runConsole(ctx context.Context, cfg config.Config) error {
	runner := privilege.NewRunner()
	return runner.WithElevatedRights(ctx, func() error {
		mgr, err := disk.NewManager()
		if err != nil {
			return err
		}
		orch := orchestrator.New(cfg, mgr)
		c, err := console.New(orch, mgr)
		if err != nil {
			return err
		}
		return c.Run()
	})
}

func listCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List attached drives",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := disk.NewManager()
			if err != nil {
				return err
			}
			drives, err := mgr.ListDrives(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%-16s %-24s %-10s %-8s %-6s %s\n",
				"PATH", "NAME", "SIZE", "TYPE", "SYSTEM", "MOUNTED")
			for _, d := range drives {
				size := "?"
				if d.SizeBytes > 0 {
					size = humanize.IBytes(uint64(d.SizeBytes))
				}
				system := "-"
				if d.IsSystem {
					system = "yes"
				}
				mounted := "-"
				if vols := d.MountedVolumes(); len(vols) > 0 {
					mounted = vols[0].MountPoint
				}
				fmt.Printf("%-16s %-24s %-10s %-8s %-6s %s\n",
					d.Path, d.Name, size, d.Filesystem, system, mounted)
			}
			return nil
		},
	}
}

func formatCmd(cfg *config.Config) *cobra.Command {
	var (
		device, fsName, label string
		force                 bool
	)
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Format a whole drive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := disk.ParseFilesystem(fsName)
			if fs == disk.FilesystemUnknown {
				return fmt.Errorf("unknown filesystem %q", fsName)
			}
			if !force {
				return fmt.Errorf("formatting %s destroys all data on it; re-run with --force", device)
			}
			op := orchestrator.Operation{
				Kind:      orchestrator.OpFormat,
				DrivePath: device,
				Format:    orchestrator.FormatParams{Filesystem: fs, Label: label},
			}
			return runOperation(cmd.Context(), *cfg, op)
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "target drive path (e.g. /dev/sdb)")
	cmd.Flags().StringVar(&fsName, "fs", "fat32", "fat32|exfat|ntfs|ext4")
	cmd.Flags().StringVar(&label, "label", format.DefaultLabel, "volume label")
	cmd.Flags().BoolVar(&force, "force", false, "confirm the destructive operation")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func flashCmd(cfg *config.Config) *cobra.Command {
	var (
		device, url, sha string
		force            bool
	)
	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Stream a remote image onto a drive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				return fmt.Errorf("flashing %s destroys all data on it; re-run with --force", device)
			}
			op := orchestrator.Operation{
				Kind:      orchestrator.OpFlash,
				DrivePath: device,
				Flash:     orchestrator.FlashParams{URL: url, SHA256: sha},
			}
			return runOperation(cmd.Context(), *cfg, op)
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "target drive path (e.g. /dev/sdb)")
	cmd.Flags().StringVar(&url, "url", "", "http(s) URL of the image")
	cmd.Flags().StringVar(&sha, "sha256", "", "expected hex digest of the image (optional)")
	cmd.Flags().BoolVar(&force, "force", false, "confirm the destructive operation")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func ejectCmd(cfg *config.Config) *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "eject",
		Short: "Unmount all volumes of a drive and eject it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			op := orchestrator.Operation{
				Kind:      orchestrator.OpUnmountEject,
				DrivePath: device,
			}
			return runOperation(cmd.Context(), *cfg, op)
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "drive path (e.g. /dev/sdb)")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

// runOperation executes op through the orchestrator, elevating first and
// echoing progress to stderr. Ctrl+C cancels the operation cooperatively.
func runOperation(ctx context.Context, cfg config.Config, op orchestrator.Operation) error {
	runner := privilege.NewRunner()
	return runner.WithElevatedRights(ctx, func() error {
		mgr, err := disk.NewManager()
		if err != nil {
			return err
		}
		orch := orchestrator.New(cfg, mgr)
		h, err := orch.Submit(op)
		if err != nil {
			return err
		}
		defer orch.Release(h)
		go func() {
			<-ctx.Done()
			orch.Cancel(h)
		}()

		events, _ := orch.Events(h)
		for ev := range events {
			switch {
			case ev.Progress != nil:
				printProgress(*ev.Progress)
			case ev.Result != nil:
				fmt.Fprint(os.Stderr, "\n")
				return reportResult(*ev.Result)
			}
		}
		return nil
	})
}

func printProgress(p orchestrator.ProgressEvent) {
	switch {
	case p.BytesTotal > 0:
		fmt.Fprintf(os.Stderr, "\r%s: %s / %s (%s/s)    ",
			p.Stage,
			humanize.IBytes(uint64(p.BytesDone)),
			humanize.IBytes(uint64(p.BytesTotal)),
			humanize.IBytes(uint64(p.Rate)))
	case p.BytesDone > 0:
		fmt.Fprintf(os.Stderr, "\r%s: %s (%s/s)    ",
			p.Stage,
			humanize.IBytes(uint64(p.BytesDone)),
			humanize.IBytes(uint64(p.Rate)))
	default:
		fmt.Fprintf(os.Stderr, "\r%s...    ", p.Stage)
	}
}

func reportResult(res orchestrator.Result) error {
	for _, w := range res.Warnings {
		logrus.Warn(w)
	}
	switch res.Status {
	case orchestrator.StatusSuccess:
		fmt.Println("done")
		return nil
	case orchestrator.StatusCancelled:
		return fmt.Errorf("cancelled; the device contents are undefined")
	default:
		return fmt.Errorf("%s", res.Detail)
	}
}
