// Copyright 2017 PingCAP, Inc.
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

package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/util/logutil"
)

// Config contains configuration options.
type Config struct {
	Log    Log    `toml:"log" json:"log"`
	Sink   Sink   `toml:"sink" json:"sink"`
	Stream Stream `toml:"stream" json:"stream"`
	Server Server `toml:"server" json:"server"`
}

// Log is the log section of config.
type Log struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log format. one of json, text, or console.
	Format string `toml:"format" json:"format"`
	// Disable automatic timestamps in output.
	DisableTimestamp bool `toml:"disable-timestamp" json:"disable-timestamp"`
	// File log config.
	File logutil.FileLogConfig `toml:"file" json:"file"`
}

// Sink is the sending side section of config.
type Sink struct {
	// SendBatchParallelism bounds how many delta writers are closed at the same time.
	SendBatchParallelism int `toml:"send-batch-parallelism" json:"send-batch-parallelism"`
	// WriteWorkerCount is the number of goroutines running write tasks.
	WriteWorkerCount int `toml:"write-worker-count" json:"write-worker-count"`
	// WriteQueueSize is the number of write tasks that may wait for a worker.
	WriteQueueSize int `toml:"write-queue-size" json:"write-queue-size"`
	// MemtableFlushSize is the buffered size at which a delta writer flushes.
	MemtableFlushSize ByteSize `toml:"memtable-flush-size" json:"memtable-flush-size"`
	// MaxFilterRatio is the largest tolerated share of filtered rows.
	MaxFilterRatio float64 `toml:"max-filter-ratio" json:"max-filter-ratio"`
	// FindTabletMode is one of "row", "batch" or "sink".
	FindTabletMode string `toml:"find-tablet-mode" json:"find-tablet-mode"`
	// MissingPartitionPolicy is one of "skip", "filter" or "fail".
	MissingPartitionPolicy string `toml:"missing-partition-policy" json:"missing-partition-policy"`
	// WriteQuorum is "all", "majority" or a replica count.
	WriteQuorum string `toml:"write-quorum" json:"write-quorum"`
	// LoadTimeout bounds Close. Zero means no limit.
	LoadTimeout Duration `toml:"load-timeout" json:"load-timeout"`
	// StringMaxLength is the limit of string columns in bytes.
	StringMaxLength int `toml:"string-max-length" json:"string-max-length"`
	// MaxErrorMessages is the number of row errors kept for diagnosis.
	MaxErrorMessages int `toml:"max-error-messages" json:"max-error-messages"`
}

// Stream is the stream transport section of config.
type Stream struct {
	StreamsPerNode   int      `toml:"streams-per-node" json:"streams-per-node"`
	QueueSize        int      `toml:"queue-size" json:"queue-size"`
	DialTimeout      Duration `toml:"dial-timeout" json:"dial-timeout"`
	KeepaliveTime    Duration `toml:"keepalive-time" json:"keepalive-time"`
	KeepaliveTimeout Duration `toml:"keepalive-timeout" json:"keepalive-timeout"`
	// MaxBytesPerSec throttles the bytes sent to one node. Zero means unlimited.
	MaxBytesPerSec ByteSize `toml:"max-bytes-per-sec" json:"max-bytes-per-sec"`
	MaxMsgSize     ByteSize `toml:"max-msg-size" json:"max-msg-size"`
	// Compression compresses the blocks with zstd.
	Compression bool `toml:"compression" json:"compression"`
}

// Server is the receiving side section of config.
type Server struct {
	Addr                 string `toml:"addr" json:"addr"`
	StatusAddr           string `toml:"status-addr" json:"status-addr"`
	SegmentWriterThreads int    `toml:"segment-writer-threads" json:"segment-writer-threads"`
	DataDir              string `toml:"data-dir" json:"data-dir"`
}

var defaultConf = Config{
	Log: Log{
		Level:  logutil.DefaultLogLevel,
		Format: logutil.DefaultLogFormat,
		File:   logutil.NewFileLogConfig(logutil.DefaultLogMaxSize),
	},
	Sink: Sink{
		SendBatchParallelism:   8,
		WriteWorkerCount:       16,
		WriteQueueSize:         1024,
		MemtableFlushSize:      64 * units.MiB,
		MaxFilterRatio:         0,
		FindTabletMode:         "row",
		MissingPartitionPolicy: "filter",
		WriteQuorum:            "all",
		StringMaxLength:        1 * units.MiB,
		MaxErrorMessages:       50,
	},
	Stream: Stream{
		StreamsPerNode:   2,
		QueueSize:        64,
		DialTimeout:      NewDuration(5 * time.Second),
		KeepaliveTime:    NewDuration(10 * time.Second),
		KeepaliveTimeout: NewDuration(3 * time.Second),
		MaxMsgSize:       256 * units.MiB,
		Compression:      true,
	},
	Server: Server{
		Addr:                 "0.0.0.0:8060",
		StatusAddr:           "0.0.0.0:8061",
		SegmentWriterThreads: 8,
		DataDir:              "./data",
	},
}

// NewConfig creates a new config instance with default value.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// Load loads config options from a toml file. Unknown keys are rejected.
func (c *Config) Load(confFile string) error {
	meta, err := toml.DecodeFile(confFile, c)
	if err != nil {
		return errors.Trace(err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return errors.Errorf("config file %s contained invalid configuration options: %s",
			confFile, strings.Join(keys, ", "))
	}
	return nil
}

// Valid checks if this config is valid.
func (c *Config) Valid() error {
	s := &c.Sink
	if s.MaxFilterRatio < 0 || s.MaxFilterRatio > 1 {
		return errors.Errorf("sink.max-filter-ratio should be in [0, 1], got %v", s.MaxFilterRatio)
	}
	if s.SendBatchParallelism <= 0 || s.WriteWorkerCount <= 0 || s.WriteQueueSize <= 0 {
		return errors.New("sink.send-batch-parallelism, sink.write-worker-count and sink.write-queue-size should be positive")
	}
	if s.MemtableFlushSize == 0 {
		return errors.New("sink.memtable-flush-size should be positive")
	}
	switch s.FindTabletMode {
	case "row", "batch", "sink":
	default:
		return errors.Errorf("sink.find-tablet-mode should be row, batch or sink, got %q", s.FindTabletMode)
	}
	switch s.MissingPartitionPolicy {
	case "skip", "filter", "fail":
	default:
		return errors.Errorf("sink.missing-partition-policy should be skip, filter or fail, got %q", s.MissingPartitionPolicy)
	}
	switch s.WriteQuorum {
	case "all", "majority":
	default:
		if n, err := strconv.Atoi(s.WriteQuorum); err != nil || n <= 0 {
			return errors.Errorf("sink.write-quorum should be all, majority or a positive number, got %q", s.WriteQuorum)
		}
	}
	if c.Stream.StreamsPerNode <= 0 || c.Stream.QueueSize <= 0 {
		return errors.New("stream.streams-per-node and stream.queue-size should be positive")
	}
	if c.Server.SegmentWriterThreads <= 0 {
		return errors.New("server.segment-writer-threads should be positive")
	}
	return nil
}

// ToLogConfig converts *Log to *logutil.LogConfig.
func (l *Log) ToLogConfig() *logutil.LogConfig {
	return logutil.NewLogConfig(l.Level, l.Format, l.File, l.DisableTimestamp)
}

// ByteSize is a retype uint64 for TOML and JSON.
type ByteSize uint64

// String implements fmt.Stringer.
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// MarshalText encodes the size exactly, using the largest binary unit that
// divides it.
func (b ByteSize) MarshalText() ([]byte, error) {
	for _, u := range []struct {
		size   uint64
		suffix string
	}{{units.GiB, "GiB"}, {units.MiB, "MiB"}, {units.KiB, "KiB"}} {
		if b != 0 && uint64(b)%u.size == 0 {
			return []byte(strconv.FormatUint(uint64(b)/u.size, 10) + u.suffix), nil
		}
	}
	return []byte(strconv.FormatUint(uint64(b), 10)), nil
}

// UnmarshalText parses sizes such as "64MiB", "10k" or "1024".
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	if v < 0 {
		return errors.Errorf("negative size %q", text)
	}
	*b = ByteSize(v)
	return nil
}

// Duration is a wrapper of time.Duration for TOML and JSON.
type Duration struct {
	time.Duration
}

// NewDuration creates a Duration from time.Duration.
func NewDuration(duration time.Duration) Duration {
	return Duration{Duration: duration}
}

// MarshalText returns the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a TOML string into a duration.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}
