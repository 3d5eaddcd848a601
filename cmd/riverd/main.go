// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command riverd replicates MongoDB collections into Elasticsearch.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/mgo/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/internal/agent"
	"github.com/juju/mongoriver/internal/checkpoint"
	"github.com/juju/mongoriver/internal/config"
	"github.com/juju/mongoriver/internal/controlstore"
	"github.com/juju/mongoriver/internal/elastic"
	"github.com/juju/mongoriver/internal/metrics"
	"github.com/juju/mongoriver/internal/mongo"
	"github.com/juju/mongoriver/internal/tailer"
	"github.com/juju/mongoriver/internal/topology"
	"github.com/juju/mongoriver/internal/worker/pipeline"
)

var logger = loggo.GetLogger("mongoriver.riverd")

const defaultConfigPath = "/etc/mongoriver/riverd.yaml"

type commandLineArgs struct {
	configPath    string
	loggingConfig string
	listen        string
}

func parseArgs(args []string) (commandLineArgs, error) {
	var a commandLineArgs
	flags := gnuflag.NewFlagSet("riverd", gnuflag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	flags.StringVar(&a.configPath, "config", defaultConfigPath,
		"path to the agent configuration file")
	flags.StringVar(&a.loggingConfig, "logging-config", "",
		"logging configuration, overriding the file, e.g. <root>=INFO;mongoriver.tailer=DEBUG")
	flags.StringVar(&a.listen, "listen", "",
		"admin listen address, overriding the file")
	if err := flags.Parse(true, args); err != nil {
		return commandLineArgs{}, errors.Trace(err)
	}
	if flags.NArg() > 0 {
		return commandLineArgs{}, errors.Errorf("unrecognized arguments: %q", flags.Args())
	}
	return a, nil
}

// loadConfig reads the configuration file and applies the command line
// overrides.
func loadConfig(args commandLineArgs) (config.Config, error) {
	cfg, err := config.Read(args.configPath)
	if err != nil {
		return config.Config{}, errors.Trace(err)
	}
	if args.loggingConfig != "" {
		cfg.LoggingConfig = args.loggingConfig
	}
	if args.listen != "" {
		cfg.Listen = args.listen
	}
	return cfg, errors.Trace(cfg.Validate())
}

func setupLogging(loggingConfig string) error {
	writer := loggo.NewSimpleWriter(os.Stderr, logFormatter)
	if _, err := loggo.ReplaceDefaultWriter(writer); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(loggo.ConfigureLoggers(loggingConfig))
}

func logFormatter(entry loggo.Entry) string {
	ts := entry.Timestamp.In(time.UTC).Format("2006-01-02 15:04:05")
	return fmt.Sprintf("%s %s %s %s", ts, entry.Level, entry.Module, entry.Message)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "riverd: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	args, err := parseArgs(argv)
	if err != nil {
		return errors.Trace(err)
	}
	cfg, err := loadConfig(args)
	if err != nil {
		return errors.Trace(err)
	}
	if err := setupLogging(cfg.LoggingConfig); err != nil {
		return errors.Annotate(err, "setting up logging")
	}

	stop := make(chan struct{})
	defer close(stop)

	controlServers, err := cfg.Control.ServerAddresses()
	if err != nil {
		return errors.Trace(err)
	}
	session, err := mongo.Dial(controlServers, mongo.DialOpts{
		Timeout:  cfg.Control.Timeout,
		Username: cfg.Control.Username,
		Password: cfg.Control.Password,
		Source:   cfg.Control.Source,
		Attempts: 5,
		Clock:    clock.WallClock,
		Stop:     stop,
	})
	if err != nil {
		return errors.Annotate(err, "connecting to control database")
	}
	defer session.Close()

	controlStore, err := controlstore.NewMongoStore(session, cfg.Control.Database, clock.WallClock)
	if err != nil {
		return errors.Trace(err)
	}
	if err := controlStore.EnsureIndexes(); err != nil {
		return errors.Annotate(err, "preparing control database")
	}

	checkpoints, closeCheckpoints, err := openCheckpoints(cfg, session)
	if err != nil {
		return errors.Annotate(err, "opening checkpoint store")
	}
	defer closeCheckpoints()

	esClient, err := elastic.NewClient(elastic.Config{
		Addresses: cfg.Elastic.Addresses,
		Username:  cfg.Elastic.Username,
		Password:  cfg.Elastic.Password,
		Logger:    loggo.GetLogger("mongoriver.elastic"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	sourceOpts := mongo.DialOpts{
		Timeout:  cfg.Control.Timeout,
		Username: cfg.Source.Username,
		Password: cfg.Source.Password,
		Source:   cfg.Source.Source,
		Clock:    clock.WallClock,
		Stop:     stop,
	}
	discoverer, err := topology.NewDiscoverer(topology.Config{
		Dial:   topology.NewMongoDialer(sourceOpts),
		Logger: loggo.GetLogger("mongoriver.topology"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.Annotatef(err, "listening on %q", cfg.Listen)
	}

	collector := metrics.NewMetricsCollector()
	a, err := agent.NewWorker(agent.Config{
		ControlStore: controlStore,
		Runtime: pipeline.Config{
			ControlStore: controlStore,
			Checkpoints:  checkpoints,
			Discoverer:   discoverer,
			NewTarget: func(def river.Definition) (pipeline.Target, error) {
				return esClient.Target(def), nil
			},
			NewTailer:  pipeline.NewTailer,
			NewIndexer: pipeline.NewIndexer,
			OpenSource: tailer.NewMongoSourceOpener(sourceOpts),
			StopGrace:  cfg.StopGrace,
			Metrics:    collector,
			Clock:      clock.WallClock,
			Logger:     loggo.GetLogger("mongoriver.pipeline"),
		},
		IndexCounter: esClient,
		Listener:     listener,
		Rivers:       cfg.Rivers,
		PollInterval: cfg.PollInterval,
		Metrics:      collector,
		Registry:     newRegistry(),
		Clock:        clock.WallClock,
		Logger:       loggo.GetLogger("mongoriver.agent"),
	})
	if err != nil {
		_ = listener.Close()
		return errors.Trace(err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			logger.Infof("received %v, stopping", sig)
			a.Kill()
		case <-stop:
		}
	}()

	return errors.Trace(a.Wait())
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func openCheckpoints(cfg config.Config, session *mgo.Session) (checkpoint.Store, func(), error) {
	switch cfg.Checkpoints.Backend {
	case config.BackendMongo:
		store, err := checkpoint.NewMongoStore(session, cfg.Control.Database, cfg.Checkpoints.Collection)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		return store, func() {}, nil
	case config.BackendSQLite:
		store, err := checkpoint.NewSQLiteStore(context.Background(), cfg.Checkpoints.Path)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warningf("closing checkpoint store: %v", err)
			}
		}, nil
	case config.BackendMemory:
		logger.Warningf("checkpoints are kept in memory and lost on restart")
		return checkpoint.NewMemoryStore(), func() {}, nil
	}
	return nil, nil, errors.NotValidf("checkpoint backend %q", cfg.Checkpoints.Backend)
}
