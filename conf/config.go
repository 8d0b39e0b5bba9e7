// Package conf loads walbd's JSON configuration file, following the
// teacher's fallback+main merge pattern (conf.LoadConfig in the original
// mender client): a system-wide file is read first, then an optional
// override file is merged on top, and any option present in neither keeps
// its compiled-in default.
package conf

import (
	"encoding/json"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mendersoftware/log"
	"github.com/pkg/errors"
)

// WalbConfigFromFile is the on-disk JSON shape; every size field accepts
// the human-friendly forms datasize.ByteSize parses ("64MB", "2GiB", ...).
type WalbConfigFromFile struct {
	LdevPath string
	DdevPath string
	MinorID  uint32

	PhysicalBlockSize datasize.ByteSize
	RingBufferSize    datasize.ByteSize

	MaxLogpackSize       datasize.ByteSize
	NIoBulk              int
	NPackBulk            int
	LogFlushIntervalPB   uint64
	LogFlushIntervalMS   int
	MaxPendingSize       datasize.ByteSize
	MinPendingSize       datasize.ByteSize
	QueueStopTimeoutMS   int
	IsSortDataIO         bool
	IsErrorBeforeOverflow bool
	DiscardToDdev        bool
	IsSyncSuperblock     bool

	CheckpointIntervalMS int
	CheckpointDir        string

	OverflowHookPath    string
	OverflowHookTimeoutMS int
	OverflowWarnEveryMS   int

	NotifyDir    string
	FreezeFSPath string
	ChecksumSalt uint32

	LogLevel string
}

// WalbConfig is the config after defaulting and unit conversion, the form
// the rest of the daemon consumes.
type WalbConfig struct {
	WalbConfigFromFile

	LogFlushInterval    time.Duration
	QueueStopTimeout    time.Duration
	CheckpointInterval  time.Duration
	OverflowHookTimeout time.Duration
	OverflowWarnEvery   time.Duration
}

const (
	DefaultPhysicalBlockSize  = 4096
	DefaultRingBufferSize     = 256 * datasize.MB
	DefaultNIoBulk            = 32
	DefaultNPackBulk          = 16
	DefaultMaxPendingSize     = 64 * datasize.MB
	DefaultMinPendingSize     = 32 * datasize.MB
	DefaultQueueStopTimeoutMS = 10000
	DefaultCheckpointIntervalMS = 10000
	DefaultCheckpointDir       = "/var/lib/walb"
	DefaultNotifyDir           = "/sys/walb"
	DefaultLogLevel            = "info"
)

func NewWalbConfig() *WalbConfig {
	c := &WalbConfig{}
	c.PhysicalBlockSize = DefaultPhysicalBlockSize
	c.RingBufferSize = DefaultRingBufferSize
	c.NIoBulk = DefaultNIoBulk
	c.NPackBulk = DefaultNPackBulk
	c.MaxPendingSize = DefaultMaxPendingSize
	c.MinPendingSize = DefaultMinPendingSize
	c.QueueStopTimeoutMS = DefaultQueueStopTimeoutMS
	c.CheckpointIntervalMS = DefaultCheckpointIntervalMS
	c.CheckpointDir = DefaultCheckpointDir
	c.NotifyDir = DefaultNotifyDir
	c.LogLevel = DefaultLogLevel
	c.resolve()
	return c
}

// resolve converts the millisecond/bytesize fields loaded from JSON into
// the typed Duration/ByteSize fields the rest of the daemon uses.
func (c *WalbConfig) resolve() {
	c.LogFlushInterval = time.Duration(c.LogFlushIntervalMS) * time.Millisecond
	c.QueueStopTimeout = time.Duration(c.QueueStopTimeoutMS) * time.Millisecond
	c.CheckpointInterval = time.Duration(c.CheckpointIntervalMS) * time.Millisecond
	c.OverflowHookTimeout = time.Duration(c.OverflowHookTimeoutMS) * time.Millisecond
	c.OverflowWarnEvery = time.Duration(c.OverflowWarnEveryMS) * time.Millisecond
}

// LoadConfig reads fallbackConfigFile then mainConfigFile (either may be
// absent), merging main's options on top of fallback's, on top of
// defaults. At least one of the two files existing is not required: a
// device with no config file at all just runs with defaults.
func LoadConfig(mainConfigFile, fallbackConfigFile string) (*WalbConfig, error) {
	config := NewWalbConfig()
	var filesLoaded int

	if err := loadConfigFile(fallbackConfigFile, config, &filesLoaded); err != nil {
		return nil, err
	}
	if err := loadConfigFile(mainConfigFile, config, &filesLoaded); err != nil {
		return nil, err
	}
	if filesLoaded == 0 {
		log.Info("conf: no configuration files present, using defaults")
	}
	config.resolve()
	return config, nil
}

func loadConfigFile(configFile string, config *WalbConfig, filesLoaded *int) error {
	if configFile == "" {
		return nil
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Debugf("conf: configuration file does not exist: %s", configFile)
		return nil
	}
	raw, err := os.ReadFile(configFile)
	if err != nil {
		return errors.Wrapf(err, "conf: failed to read %s", configFile)
	}
	if err := json.Unmarshal(raw, &config.WalbConfigFromFile); err != nil {
		return errors.Wrapf(err, "conf: failed to parse %s", configFile)
	}
	*filesLoaded++
	log.Infof("conf: loaded configuration file: %s", configFile)
	return nil
}

// SaveConfigFile writes cfg back out as indented JSON, used by walbctl's
// config-editing subcommands.
func SaveConfigFile(cfg *WalbConfigFromFile, filename string) error {
	raw, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return errors.Wrap(err, "conf: failed to encode configuration")
	}
	if err := os.WriteFile(filename, raw, 0644); err != nil {
		return errors.Wrap(err, "conf: failed to write configuration file")
	}
	return nil
}
