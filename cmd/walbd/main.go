// Command walbd is the daemon entrypoint: load configuration, open LDEV
// and DDEV, restore watermarks from the last checkpoint (or start fresh),
// and run the pipeline until SIGTERM/SIGINT. Grounded on the teacher's
// client/main.go signal-driven shutdown and conf.LoadConfig startup
// sequence, adapted from "start the update client" to "start the log
// pipeline".
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mendersoftware/log"

	"github.com/walb-project/walb/conf"
	"github.com/walb-project/walb/internal/blockdev"
	"github.com/walb-project/walb/internal/checkpoint"
	"github.com/walb-project/walb/internal/core"
	"github.com/walb-project/walb/internal/logging"
	"github.com/walb-project/walb/internal/lsid"
	"github.com/walb-project/walb/internal/notify"
)

func main() {
	configPath := flag.String("config", "/etc/walb/walbd.conf", "path to configuration file")
	fallbackPath := flag.String("fallback-config", "", "path to fallback configuration file")
	flag.Parse()

	if err := run(*configPath, *fallbackPath); err != nil {
		log.Errorln(err.Error())
		os.Exit(1)
	}
}

func run(configPath, fallbackPath string) error {
	cfg, err := conf.LoadConfig(configPath, fallbackPath)
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel, nil)

	if cfg.LdevPath == "" || cfg.DdevPath == "" {
		return fmt.Errorf("walbd: ldev_path and ddev_path must both be set")
	}

	ldev, err := blockdev.Open(cfg.LdevPath)
	if err != nil {
		return err
	}
	ddev, err := blockdev.Open(cfg.DdevPath)
	if err != nil {
		return err
	}

	store, err := checkpoint.Open(cfg.CheckpointDir, cfg.IsSyncSuperblock)
	if err != nil {
		return err
	}
	defer store.Close()

	ringBufferPB := uint64(cfg.RingBufferSize.Bytes()) / uint64(cfg.PhysicalBlockSize.Bytes())

	rec, ok, err := store.Load(cfg.MinorID)
	if err != nil {
		return err
	}
	var watermarks *lsid.Set
	if ok {
		watermarks = lsid.New(rec.OldestLsid, ringBufferPB)
		for _, advance := range []func(lsid.Lsid) error{
			watermarks.AdvanceLatest,
			watermarks.AdvanceCompleted,
			watermarks.AdvancePermanent,
			watermarks.AdvanceWritten,
		} {
			if err := advance(rec.WrittenLsid); err != nil {
				return err
			}
		}
		log.Infof("walbd: restored minor %d from checkpoint (written=%d oldest=%d)",
			cfg.MinorID, rec.WrittenLsid, rec.OldestLsid)
	} else {
		watermarks = lsid.New(0, ringBufferPB)
		log.Infof("walbd: no checkpoint found for minor %d, starting fresh", cfg.MinorID)
	}

	devCfg := core.Config{
		PBS:                   int(cfg.PhysicalBlockSize.Bytes()),
		RingBufferPB:          ringBufferPB,
		RingBufferOffLB:       1,
		MaxLogpackPB:          uint64(cfg.MaxLogpackSize.Bytes()) / uint64(cfg.PhysicalBlockSize.Bytes()),
		NIoBulk:               cfg.NIoBulk,
		NPackBulk:             cfg.NPackBulk,
		LogFlushIntervalPB:    cfg.LogFlushIntervalPB,
		LogFlushInterval:      cfg.LogFlushInterval,
		MaxPendingSectors:     uint64(cfg.MaxPendingSize.Bytes()) / blockdev.LBS,
		MinPendingSectors:     uint64(cfg.MinPendingSize.Bytes()) / blockdev.LBS,
		QueueStopTimeout:      cfg.QueueStopTimeout,
		IsSortDataIO:          cfg.IsSortDataIO,
		IsErrorBeforeOverflow: cfg.IsErrorBeforeOverflow,
		DiscardToDdev:         cfg.DiscardToDdev,
		IsSyncSuperblock:      cfg.IsSyncSuperblock,
		ChecksumSalt:          cfg.ChecksumSalt,
		OverflowHookPath:      cfg.OverflowHookPath,
		OverflowHookTimeout:   cfg.OverflowHookTimeout,
		OverflowWarnEvery:     cfg.OverflowWarnEvery,
		FreezeFSPath:          cfg.FreezeFSPath,
	}

	dev := core.New(cfg.MinorID, ldev, ddev, devCfg, watermarks)
	dev.Start()

	worker := checkpoint.NewWorker(store, dev, cfg.CheckpointInterval, cfg.ChecksumSalt)
	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	var publisher *notify.Publisher
	if cfg.NotifyDir != "" {
		publisher, err = notify.NewPublisher(cfg.NotifyDir, cfg.MinorID, watermarks)
		if err != nil {
			log.Errorf("walbd: notify: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Infof("walbd: received %s, shutting down", sig)

	cancel()
	if publisher != nil {
		publisher.Close()
	}
	if err := dev.Stop(); err != nil {
		log.Errorf("walbd: stop: %v", err)
	}
	if err := ldev.Close(); err != nil {
		log.Errorf("walbd: close ldev: %v", err)
	}
	if err := ddev.Close(); err != nil {
		log.Errorf("walbd: close ddev: %v", err)
	}
	return nil
}
