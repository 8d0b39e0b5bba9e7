// Package cli implements walbctl, the control-surface translation layer of
// spec section 6: one subcommand per control operation, dispatched through
// a urfave/cli App exactly as the teacher's cli.SetupCLI drives mender's
// bootstrap/install/commit/daemon commands. Unlike the teacher, walbctl
// never talks to a running daemon over an RPC channel — spec.md's own
// scope note treats the control tool as "thin ioctl wrappers" around
// kernel state, and here that kernel state is either the on-disk
// checkpoint record (internal/checkpoint.Store) or the config file itself,
// both of which walbctl reads and writes directly.
package cli

import (
	"fmt"

	"github.com/mendersoftware/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/walb-project/walb/conf"
	"github.com/walb-project/walb/internal/blockdev"
	"github.com/walb-project/walb/internal/checkpoint"
	"github.com/walb-project/walb/internal/core"
)

// runOptionsType collects the flag destinations every subcommand's Action
// reads from, the same role the teacher's runOptionsType plays for mender.
type runOptionsType struct {
	config         string
	fallbackConfig string
	minorID        uint
	newSizeLB      uint64
	newLsid        uint64
	newIntervalMS  int
}

// SetupCLI builds and runs the walbctl command tree against args (normally
// os.Args).
func SetupCLI(args []string) error {
	runOptions := &runOptionsType{}

	app := &cli.App{
		Name:  "walbctl",
		Usage: "inspect and control walb devices",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "`PATH` to configuration file.",
				Value:       "/etc/walb/walbd.conf",
				Destination: &runOptions.config,
			},
			&cli.StringFlag{
				Name:        "fallback-config",
				Usage:       "Fallback configuration `PATH`.",
				Destination: &runOptions.fallbackConfig,
			},
		},
		Commands: []*cli.Command{
			runOptions.formatLdevCommand(),
			runOptions.formatDdevCommand(),
			runOptions.deleteWdevCommand(),
			runOptions.resizeCommand(),
			runOptions.resetWalCommand(),
			runOptions.freezeCommand(),
			runOptions.meltCommand(),
			runOptions.getOldestLsidCommand(),
			runOptions.setOldestLsidCommand(),
			runOptions.getWrittenLsidCommand(),
			runOptions.getLogCapacityCommand(),
			runOptions.getLogUsageCommand(),
			runOptions.isLogOverflowCommand(),
			runOptions.isFlushCapableCommand(),
			runOptions.getCheckpointIntervalCommand(),
			runOptions.setCheckpointIntervalCommand(),
			runOptions.getVersionCommand(),
		},
	}
	return app.Run(args)
}

func (r *runOptionsType) loadConfig() (*conf.WalbConfig, error) {
	return conf.LoadConfig(r.config, r.fallbackConfig)
}

func (r *runOptionsType) openStore(cfg *conf.WalbConfig) (*checkpoint.Store, error) {
	return checkpoint.Open(cfg.CheckpointDir, cfg.IsSyncSuperblock)
}

// formatLdevCommand implements spec section 6's format_ldev: size and
// zero a fresh log device.
func (r *runOptionsType) formatLdevCommand() *cli.Command {
	return &cli.Command{
		Name:      "format-ldev",
		Usage:     "Format a log device.",
		ArgsUsage: "<ldev-path>",
		Action: func(ctx *cli.Context) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			path := ctx.Args().First()
			if path == "" {
				return errors.New("walbctl: format-ldev requires <ldev-path>")
			}
			ringBufferPB := uint64(cfg.RingBufferSize.Bytes()) / uint64(cfg.PhysicalBlockSize.Bytes())
			if err := core.FormatLdev(path, int(cfg.PhysicalBlockSize.Bytes()), ringBufferPB, 1); err != nil {
				return err
			}
			log.Infof("walbctl: formatted ldev %s", path)
			return nil
		},
	}
}

// formatDdevCommand implements the data-device half of format_ldev's
// pairing: spec.md treats LDEV/DDEV creation as one conceptual operation,
// but since they are independent files here, each gets its own command.
func (r *runOptionsType) formatDdevCommand() *cli.Command {
	return &cli.Command{
		Name:      "format-ddev",
		Usage:     "Format a data device.",
		ArgsUsage: "<ddev-path> <size-lb>",
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().Get(0)
			sizeLB := ctx.Args().Get(1)
			if path == "" || sizeLB == "" {
				return errors.New("walbctl: format-ddev requires <ddev-path> <size-lb>")
			}
			var n uint64
			if _, err := fmt.Sscanf(sizeLB, "%d", &n); err != nil {
				return errors.Wrap(err, "walbctl: invalid size-lb")
			}
			if err := core.FormatDdev(path, n); err != nil {
				return err
			}
			log.Infof("walbctl: formatted ddev %s (%d lb)", path, n)
			return nil
		},
	}
}

// deleteWdevCommand implements delete_wdev: drop the persisted checkpoint
// for a minor id so a subsequent create-wdev starts clean. It does not
// touch LDEV/DDEV contents — re-running format-ldev/format-ddev is what
// makes the minor id truly reusable.
func (r *runOptionsType) deleteWdevCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-wdev",
		Usage:     "Remove a device's persisted checkpoint.",
		ArgsUsage: "<minor-id>",
		Action: func(ctx *cli.Context) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			minorID, err := parseMinorID(ctx)
			if err != nil {
				return err
			}
			store, err := r.openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Remove(minorID)
		},
	}
}

// resizeCommand implements resize against a file-backed DDEV.
func (r *runOptionsType) resizeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resize",
		Usage:     "Resize a file-backed data device.",
		ArgsUsage: "<ddev-path> <new-size-lb>",
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().Get(0)
			sizeStr := ctx.Args().Get(1)
			if path == "" || sizeStr == "" {
				return errors.New("walbctl: resize requires <ddev-path> <new-size-lb>")
			}
			var n uint64
			if _, err := fmt.Sscanf(sizeStr, "%d", &n); err != nil {
				return errors.Wrap(err, "walbctl: invalid new-size-lb")
			}
			dev, err := blockdev.Open(path)
			if err != nil {
				return err
			}
			defer dev.Close()
			if err := dev.Resize(n); err != nil {
				return err
			}
			log.Infof("walbctl: resized %s to %d lb", path, n)
			return nil
		},
	}
}

// resetWalCommand implements reset_wal (spec scenario 5): clear a device's
// persisted checkpoint, the standalone equivalent of Device.ResetWAL for a
// daemon that is not currently running. The operator must re-run
// format-ldev afterwards before the device is usable again.
func (r *runOptionsType) resetWalCommand() *cli.Command {
	return &cli.Command{
		Name:      "reset-wal",
		Usage:     "Clear a device's checkpoint after a log overflow.",
		ArgsUsage: "<minor-id>",
		Action: func(ctx *cli.Context) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			minorID, err := parseMinorID(ctx)
			if err != nil {
				return err
			}
			store, err := r.openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Remove(minorID); err != nil {
				return err
			}
			log.Infof("walbctl: reset checkpoint for minor %d; re-run format-ldev before reuse", minorID)
			return nil
		},
	}
}

// freezeCommand/meltCommand implement freeze/melt directly against the
// mountpoint backing a device's filesystem, as spec.md's own scope note
// ("freeze/melt ... thin ioctl wrappers") describes for the external tool.
func (r *runOptionsType) freezeCommand() *cli.Command {
	return &cli.Command{
		Name:      "freeze",
		Usage:     "Freeze the filesystem mounted on a device.",
		ArgsUsage: "<mountpoint>",
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				return errors.New("walbctl: freeze requires <mountpoint>")
			}
			return blockdev.FreezeFS(path)
		},
	}
}

func (r *runOptionsType) meltCommand() *cli.Command {
	return &cli.Command{
		Name:      "melt",
		Usage:     "Thaw a previously frozen filesystem.",
		ArgsUsage: "<mountpoint>",
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				return errors.New("walbctl: melt requires <mountpoint>")
			}
			return blockdev.ThawFS(path)
		},
	}
}

// getOldestLsidCommand / getWrittenLsidCommand report the last persisted
// checkpoint for a minor id — the closest a standalone tool with no
// connection to a running daemon can get to a live watermark query.
//
// get_permanent_lsid, get_completed_lsid and is_frozen are deliberately not
// exposed here: checkpoint.Record only persists written/oldest (the two
// watermarks checkpoint.Worker durably needs to resume correctly), and
// permanent/completed/frozen are in-memory-only state on a running
// Device with no on-disk representation at all. A standalone tool with no
// RPC channel to walbd has nothing to read for them; answering these
// requires core.Device's Get*Lsid/IsFrozen methods called in-process by
// the daemon itself.
func (r *runOptionsType) getOldestLsidCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-oldest-lsid",
		Usage:     "Print the last checkpointed oldest lsid.",
		ArgsUsage: "<minor-id>",
		Action: func(ctx *cli.Context) error {
			rec, err := r.loadRecord(ctx)
			if err != nil {
				return err
			}
			fmt.Println(rec.OldestLsid)
			return nil
		},
	}
}

func (r *runOptionsType) getWrittenLsidCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-written-lsid",
		Usage:     "Print the last checkpointed written lsid.",
		ArgsUsage: "<minor-id>",
		Action: func(ctx *cli.Context) error {
			rec, err := r.loadRecord(ctx)
			if err != nil {
				return err
			}
			fmt.Println(rec.WrittenLsid)
			return nil
		},
	}
}

func (r *runOptionsType) loadRecord(ctx *cli.Context) (checkpoint.Record, error) {
	cfg, err := r.loadConfig()
	if err != nil {
		return checkpoint.Record{}, err
	}
	minorID, err := parseMinorID(ctx)
	if err != nil {
		return checkpoint.Record{}, err
	}
	store, err := r.openStore(cfg)
	if err != nil {
		return checkpoint.Record{}, err
	}
	defer store.Close()
	rec, _, err := store.Load(minorID)
	return rec, err
}

// setOldestLsidCommand implements set_oldest_lsid: called by an external
// wlog extractor after archiving a range, it rewrites the checkpoint
// record directly since there is no running daemon to forward the change
// to in this standalone invocation.
func (r *runOptionsType) setOldestLsidCommand() *cli.Command {
	return &cli.Command{
		Name:      "set-oldest-lsid",
		Usage:     "Advance a device's oldest retained lsid.",
		ArgsUsage: "<minor-id> <new-oldest-lsid>",
		Action: func(ctx *cli.Context) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			minorID, err := parseMinorID(ctx)
			if err != nil {
				return err
			}
			lsidStr := ctx.Args().Get(1)
			var newOldest uint64
			if _, err := fmt.Sscanf(lsidStr, "%d", &newOldest); err != nil {
				return errors.Wrap(err, "walbctl: invalid new-oldest-lsid")
			}
			store, err := r.openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			rec, _, err := store.Load(minorID)
			if err != nil {
				return err
			}
			if newOldest < rec.OldestLsid {
				return errors.Errorf("walbctl: oldest would go backwards: %d -> %d", rec.OldestLsid, newOldest)
			}
			if newOldest > rec.WrittenLsid {
				return errors.Errorf("walbctl: oldest %d exceeds written %d", newOldest, rec.WrittenLsid)
			}
			rec.OldestLsid = newOldest
			return store.Save(minorID, rec)
		},
	}
}

func (r *runOptionsType) getLogCapacityCommand() *cli.Command {
	return &cli.Command{
		Name:  "get-log-capacity",
		Usage: "Print the configured ring buffer size in physical blocks.",
		Action: func(ctx *cli.Context) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			pb := uint64(cfg.RingBufferSize.Bytes()) / uint64(cfg.PhysicalBlockSize.Bytes())
			fmt.Println(pb)
			return nil
		},
	}
}

func (r *runOptionsType) getLogUsageCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-log-usage",
		Usage:     "Print a device's checkpointed log usage in physical blocks.",
		ArgsUsage: "<minor-id>",
		Action: func(ctx *cli.Context) error {
			rec, err := r.loadRecord(ctx)
			if err != nil {
				return err
			}
			fmt.Println(rec.WrittenLsid - rec.OldestLsid)
			return nil
		},
	}
}

func (r *runOptionsType) isLogOverflowCommand() *cli.Command {
	return &cli.Command{
		Name:      "is-log-overflow",
		Usage:     "Check whether a device's checkpointed usage exceeds capacity.",
		ArgsUsage: "<minor-id>",
		Action: func(ctx *cli.Context) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			rec, err := r.loadRecord(ctx)
			if err != nil {
				return err
			}
			capacity := uint64(cfg.RingBufferSize.Bytes()) / uint64(cfg.PhysicalBlockSize.Bytes())
			fmt.Println(rec.WrittenLsid-rec.OldestLsid > capacity)
			return nil
		},
	}
}

func (r *runOptionsType) isFlushCapableCommand() *cli.Command {
	return &cli.Command{
		Name:  "is-flush-capable",
		Usage: "Check whether flush headers are enabled in the configuration.",
		Action: func(ctx *cli.Context) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			fmt.Println(cfg.LogFlushInterval > 0 || cfg.LogFlushIntervalPB > 0)
			return nil
		},
	}
}

func (r *runOptionsType) getCheckpointIntervalCommand() *cli.Command {
	return &cli.Command{
		Name:  "get-checkpoint-interval",
		Usage: "Print the configured checkpoint interval.",
		Action: func(ctx *cli.Context) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			fmt.Println(cfg.CheckpointInterval)
			return nil
		},
	}
}

// setCheckpointIntervalCommand rewrites the config file's checkpoint
// interval. A running walbd only picks up the new value on its next
// restart — there is no live-reload channel in this standalone CLI, unlike
// checkpoint.Worker.SetInterval which a daemon can call on itself directly.
func (r *runOptionsType) setCheckpointIntervalCommand() *cli.Command {
	return &cli.Command{
		Name:      "set-checkpoint-interval",
		Usage:     "Persist a new checkpoint interval, in milliseconds.",
		ArgsUsage: "<interval-ms>",
		Action: func(ctx *cli.Context) error {
			msStr := ctx.Args().First()
			var ms int
			if _, err := fmt.Sscanf(msStr, "%d", &ms); err != nil {
				return errors.Wrap(err, "walbctl: invalid interval-ms")
			}
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			cfg.CheckpointIntervalMS = ms
			path := r.config
			if path == "" {
				path = "/etc/walb/walbd.conf"
			}
			return conf.SaveConfigFile(&cfg.WalbConfigFromFile, path)
		},
	}
}

func (r *runOptionsType) getVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "get-version",
		Usage: "Print the control surface version.",
		Action: func(ctx *cli.Context) error {
			fmt.Println(core.Version)
			return nil
		},
	}
}

func parseMinorID(ctx *cli.Context) (uint32, error) {
	s := ctx.Args().First()
	if s == "" {
		return 0, errors.New("walbctl: missing <minor-id>")
	}
	var n uint32
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, errors.Wrap(err, "walbctl: invalid minor-id")
	}
	return n, nil
}
