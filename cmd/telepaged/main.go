// Copyright 2022 Intel Corporation. All Rights Reserved.
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
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/intel/telepaging/pkg/config"
	"github.com/intel/telepaging/pkg/instrumentation"
	logger "github.com/intel/telepaging/pkg/log"
	"github.com/intel/telepaging/pkg/metrics"
	"github.com/intel/telepaging/pkg/telepage"
	"github.com/intel/telepaging/pkg/telepage/remote"
	"github.com/intel/telepaging/pkg/version"
)

var log = logger.Default()

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "telepaged: "+format+"\n", a...)
	os.Exit(1)
}

func loadConfig(path string) {
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		exit("failed to read configuration %q: %v", path, err)
	}
	if err := config.SetYAML(raw, config.ConfigFile); err != nil {
		exit("invalid configuration %q: %v", path, err)
	}
}

// daemon is a running TelePaging node.
type daemon struct {
	ctx    *telepage.Context
	pool   *remote.Pool
	server *remote.Server
}

func newDaemon() (*daemon, error) {
	cfg := telepage.CurrentConfig()
	opts, err := cfg.RemoteOptions()
	if err != nil {
		return nil, err
	}

	d := &daemon{}
	if cfg.Listen != "" {
		d.server = remote.NewServer(cfg.NodeID, remote.NewStore(cfg.ExportMemory), opts.Transform)
		if err := d.server.Listen(cfg.Listen); err != nil {
			return nil, err
		}
		log.Info("node %d serving %d bytes on %s", cfg.NodeID, cfg.ExportMemory, d.server.Addr())
	}
	if nodes := cfg.RemoteNodes(); len(nodes) > 0 {
		d.pool = remote.NewPool(nodes, opts)
	}

	d.ctx, err = telepage.New(telepage.Options{Config: cfg, Remote: d.pool})
	if err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

// reconfigure applies runtime configuration updates to the Context.
func (d *daemon) reconfigure(event config.Event, source config.Source) error {
	log.Info("configuration %s from %s", event, source)
	return d.ctx.Reconfigure(telepage.CurrentConfig())
}

func (d *daemon) close() {
	if d.ctx != nil {
		d.ctx.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
	if d.server != nil {
		d.server.Close()
	}
}

func main() {
	optConfig := flag.String("config", "", "-config=FILE read YAML configuration from FILE")
	optDebug := flag.Bool("debug", false, "-debug force debug logging for all sources")
	optPrompt := flag.Bool("prompt", false, "-prompt run an interactive prompt on stdin")
	optDescribe := flag.Bool("describe", false, "-describe print the configuration fragments and exit")
	version.RegisterFlag(flag.CommandLine)

	flag.Parse()

	if len(flag.Args()) != 0 {
		log.Error("unknown command-line arguments: %s", strings.Join(flag.Args(), ","))
		flag.Usage()
		os.Exit(1)
	}
	if *optDescribe {
		fmt.Println(config.Describe())
		return
	}
	if *optDebug {
		logger.ForceDebug(true)
	}
	logger.ToggleDebugOn(syscall.SIGUSR1)
	defer logger.Flush()

	loadConfig(*optConfig)

	if err := telepage.RegisterViews(); err != nil {
		exit("failed to register views: %v", err)
	}
	if err := instrumentation.Start(); err != nil {
		exit("failed to start instrumentation: %v", err)
	}
	defer instrumentation.Stop()

	d, err := newDaemon()
	if err != nil {
		exit("failed to start: %v", err)
	}
	defer d.close()

	if err := telepage.RegisterCollector(d.ctx); err != nil {
		exit("failed to register collector: %v", err)
	}
	g, err := metrics.NewMetricGatherer()
	if err != nil {
		exit("failed to create metrics gatherer: %v", err)
	}
	instrumentation.RegisterGatherer(g)
	config.WatchUpdates(d.reconfigure)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.ctx.Run(ctx)
	}()

	if *optPrompt {
		prompt := NewPrompt("telepaged> ", d, bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout))
		prompt.interact()
		cancel()
	}

	if err := <-done; err != nil && ctx.Err() == nil {
		log.Error("%v", err)
	}
	log.Info("%s shutting down", version.String())
}
