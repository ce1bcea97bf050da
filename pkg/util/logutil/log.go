// Copyright 2025 PingCAP, Inc.
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

package logutil

import (
	"context"
	"fmt"
	"os"
	"strconv"

	gzap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/http/httpproxy"
)

// Defaults of the [log] config section.
const (
	DefaultLogMaxSize = 300 // MB
	DefaultLogFormat  = "text"
	DefaultLogLevel   = "info"
)

// Field names shared by every component, so that the logs of one load can
// be collected across the sink and the servers.
const (
	LogFieldCategory = "category"
	LogFieldLoadID   = "loadID"
	LogFieldTxnID    = "txnID"
	LogFieldNodeID   = "nodeID"
)

// GRPCDebugEnvName turns on gRPC internal logs. A numeric value is used as
// the verbosity, any other non-empty value means full verbosity.
const GRPCDebugEnvName = "GRPC_DEBUG"

// FileLogConfig is the toml form of the rotated log file settings.
type FileLogConfig struct {
	log.FileLogConfig
}

// NewFileLogConfig returns a FileLogConfig rotating at maxSize MB.
func NewFileLogConfig(maxSize uint) FileLogConfig {
	var c FileLogConfig
	c.MaxSize = int(maxSize)
	return c
}

// LogConfig is the config InitLogger consumes.
type LogConfig struct {
	log.Config
}

// NewLogConfig builds a LogConfig.
func NewLogConfig(level, format string, fileCfg FileLogConfig, disableTimestamp bool) *LogConfig {
	var c LogConfig
	c.Level = level
	c.Format = format
	c.DisableTimestamp = disableTimestamp
	c.File = fileCfg.FileLogConfig
	return &c
}

// InitLogger replaces the global logger and redirects gRPC logs to it.
func InitLogger(cfg *LogConfig, opts ...zap.Option) error {
	opts = append(opts, zap.AddStacktrace(zapcore.FatalLevel))
	lg, props, err := log.InitLogger(&cfg.Config, opts...)
	if err != nil {
		return errors.Annotate(err, "init logger")
	}
	log.ReplaceGlobals(lg, props)
	redirectGRPCLogs(lg, os.Getenv(GRPCDebugEnvName))
	return nil
}

// redirectGRPCLogs keeps gRPC quiet unless debug is set: only errors get
// through at the default verbosity.
func redirectGRPCLogs(lg *zap.Logger, debug string) {
	level, verbosity := zapcore.ErrorLevel, 0
	if debug != "" {
		level, verbosity = zapcore.DebugLevel, 99
		if v, err := strconv.Atoi(debug); err == nil {
			verbosity = v
		}
	}
	grpcLogger := lg.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		text, ok := core.(*log.TextIOCore)
		if !ok {
			return core
		}
		c := text.Clone()
		c.LevelEnabler = zap.NewAtomicLevelAt(level)
		return c
	}))
	gzap.ReplaceGrpcLoggerV2WithVerbosity(grpcLogger, verbosity)
}

// SetLevel changes the level of the global logger at runtime.
func SetLevel(level string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return errors.Annotatef(err, "invalid log level %q", level)
	}
	log.SetLevel(l)
	return nil
}

type ctxLogKeyType struct{}

var ctxLogKey = ctxLogKeyType{}

// Logger returns the logger carried by ctx, or the global one.
func Logger(ctx context.Context) *zap.Logger {
	if lg, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok {
		return lg
	}
	return log.L()
}

// BgLogger returns the global logger, for code that runs outside of a load.
func BgLogger() *zap.Logger {
	return log.L()
}

// WithLoad tags every log of ctx with the load and its transaction.
func WithLoad(ctx context.Context, loadID fmt.Stringer, txnID int64) context.Context {
	return WithFields(ctx, zap.Stringer(LogFieldLoadID, loadID), zap.Int64(LogFieldTxnID, txnID))
}

// WithNode tags every log of ctx with a storage node.
func WithNode(ctx context.Context, nodeID int64) context.Context {
	return WithFields(ctx, zap.Int64(LogFieldNodeID, nodeID))
}

// WithCategory tags every log of ctx with a category.
func WithCategory(ctx context.Context, category string) context.Context {
	return WithFields(ctx, zap.String(LogFieldCategory, category))
}

// WithKeyValue tags every log of ctx with key=value.
func WithKeyValue(ctx context.Context, key, value string) context.Context {
	return WithFields(ctx, zap.String(key, value))
}

// WithFields returns a ctx whose logger carries fields on top of the ones
// already attached.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	lg := Logger(ctx)
	if len(fields) > 0 {
		lg = lg.With(fields...)
	}
	return context.WithValue(ctx, ctxLogKey, lg)
}

// LogEnvVariables logs the proxy settings gRPC picks up from the environment.
func LogEnvVariables() {
	if fields := proxyFields(httpproxy.FromEnvironment()); len(fields) > 0 {
		log.Info("using proxy config", fields...)
	}
}

func proxyFields(cfg *httpproxy.Config) []zap.Field {
	var fields []zap.Field
	for _, kv := range [...]struct{ name, value string }{
		{"http_proxy", cfg.HTTPProxy},
		{"https_proxy", cfg.HTTPSProxy},
		{"no_proxy", cfg.NoProxy},
	} {
		if kv.value != "" {
			fields = append(fields, zap.String(kv.name, kv.value))
		}
	}
	return fields
}
