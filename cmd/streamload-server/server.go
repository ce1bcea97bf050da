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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/gorilla/mux"
	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/config"
	"github.com/pingcap/streamload/pkg/metrics"
	"github.com/pingcap/streamload/pkg/storage/segment"
	"github.com/pingcap/streamload/pkg/streamload/deltawriter"
	"github.com/pingcap/streamload/pkg/streamload/loadpb"
	"github.com/pingcap/streamload/pkg/streamload/server"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

const (
	flagConfig     = "config"
	flagAddr       = "addr"
	flagStatusAddr = "status-addr"
	flagDataDir    = "data-dir"
	flagLogLevel   = "log-level"
	flagLogFile    = "log-file"

	gracefulStopTimeout = 10 * time.Second
)

func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "streamload-server",
		Short:        "streamload-server receives load streams and persists tablet segments",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	defineFlags(cmd.Flags())
	return cmd
}

func defineFlags(flags *pflag.FlagSet) {
	flags.StringP(flagConfig, "C", "", "config file path")
	flags.String(flagAddr, "", "listening address of the load stream service")
	flags.String(flagStatusAddr, "", "listening address of the status server, empty to disable")
	flags.String(flagDataDir, "", "directory of the segment store, empty to keep segments in memory")
	flags.StringP(flagLogLevel, "L", "", "log level: debug, info, warn, error, fatal")
	flags.String(flagLogFile, "", "log file path")
}

// loadConfig reads the config file if any and applies the flags set on the
// command line on top of it.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg := config.NewConfig()
	confFile, err := flags.GetString(flagConfig)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if confFile != "" {
		if err := cfg.Load(confFile); err != nil {
			return nil, err
		}
	}
	overrides := []struct {
		name string
		dst  *string
	}{
		{flagAddr, &cfg.Server.Addr},
		{flagStatusAddr, &cfg.Server.StatusAddr},
		{flagDataDir, &cfg.Server.DataDir},
		{flagLogLevel, &cfg.Log.Level},
		{flagLogFile, &cfg.Log.File.Filename},
	}
	for _, o := range overrides {
		if !flags.Changed(o.name) {
			continue
		}
		if *o.dst, err = flags.GetString(o.name); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type storage interface {
	deltawriter.Storage
	Close() error
}

type memStorage struct {
	*deltawriter.MemStore
}

func (memStorage) Close() error { return nil }

func openStorage(dir string) (storage, error) {
	if dir == "" {
		return memStorage{deltawriter.NewMemStore()}, nil
	}
	return segment.Open(dir, nil)
}

func newGRPCServer(cfg *config.Config) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.Stream.KeepaliveTime.Duration,
			Timeout: cfg.Stream.KeepaliveTimeout.Duration,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.Stream.KeepaliveTime.Duration / 2,
			PermitWithoutStream: true,
		}),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_prometheus.StreamServerInterceptor,
			grpc_recovery.StreamServerInterceptor(),
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_prometheus.UnaryServerInterceptor,
			grpc_recovery.UnaryServerInterceptor(),
		)),
	}
	if size := int(cfg.Stream.MaxMsgSize); size > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(size), grpc.MaxSendMsgSize(size))
	}
	return grpc.NewServer(opts...)
}

func newStatusServer(addr string, mgr *server.LoadStreamMgr) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Loads int `json:"loads"`
		}{Loads: mgr.Len()})
	}).Methods(http.MethodGet)
	return &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
}

func runServer(ctx context.Context, cfg *config.Config) (err error) {
	if err := logutil.InitLogger(cfg.Log.ToLogConfig()); err != nil {
		return errors.Annotate(err, "init logger")
	}
	logger := logutil.BgLogger()
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	defer undo()
	logutil.LogEnvVariables()

	store, err := openStorage(cfg.Server.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	mgr := server.NewLoadStreamMgr(cfg.Server.SegmentWriterThreads, store, int64(cfg.Sink.MemtableFlushSize))
	defer mgr.Close()

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return errors.Annotatef(err, "listen on %s", cfg.Server.Addr)
	}
	srv := newGRPCServer(cfg)
	loadpb.RegisterLoadStreamServer(srv, server.NewService(mgr, cfg.Stream.QueueSize))
	grpc_prometheus.EnableHandlingTimeHistogram()
	grpc_prometheus.Register(srv)
	metrics.RegisterMetrics(prometheus.DefaultRegisterer)
	defer metrics.UnregisterMetrics(prometheus.DefaultRegisterer)

	var status *http.Server
	if cfg.Server.StatusAddr != "" {
		status = newStatusServer(cfg.Server.StatusAddr, mgr)
	}

	logger.Info("streamload-server started",
		zap.String("addr", lis.Addr().String()),
		zap.String("status-addr", cfg.Server.StatusAddr),
		zap.String("data-dir", cfg.Server.DataDir))

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return errors.Trace(srv.Serve(lis))
	})
	if status != nil {
		eg.Go(func() error {
			if err := status.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Trace(err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-ectx.Done()
		logger.Info("streamload-server is stopping")
		stopGRPC(srv, gracefulStopTimeout)
		if status != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
			defer cancel()
			return errors.Trace(status.Shutdown(shutdownCtx))
		}
		return nil
	})
	err = eg.Wait()
	logger.Info("streamload-server exited", zap.Error(err))
	return err
}

// stopGRPC waits for the running streams up to timeout, then closes the
// remaining ones.
func stopGRPC(srv *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		srv.Stop()
		<-done
	}
}
