// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongoriver/internal/config"
)

type mainSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&mainSuite{})

func (s *mainSuite) TestParseArgsDefaults(c *gc.C) {
	args, err := parseArgs(nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(args, gc.Equals, commandLineArgs{configPath: defaultConfigPath})
}

func (s *mainSuite) TestParseArgs(c *gc.C) {
	args, err := parseArgs([]string{
		"--config", "/tmp/riverd.yaml",
		"--logging-config", "<root>=DEBUG",
		"--listen", ":9999",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(args, gc.Equals, commandLineArgs{
		configPath:    "/tmp/riverd.yaml",
		loggingConfig: "<root>=DEBUG",
		listen:        ":9999",
	})
}

func (s *mainSuite) TestParseArgsUnknown(c *gc.C) {
	_, err := parseArgs([]string{"--nope"})
	c.Check(err, gc.ErrorMatches, "flag provided but not defined: .*nope")

	_, err = parseArgs([]string{"extra"})
	c.Check(err, gc.ErrorMatches, `unrecognized arguments: \["extra"\]`)
}

func (s *mainSuite) TestParseArgsHelp(c *gc.C) {
	_, err := parseArgs([]string{"--help"})
	c.Check(errors.Cause(err), gc.Equals, gnuflag.ErrHelp)
}

func (s *mainSuite) TestLoadConfigOverrides(c *gc.C) {
	path := filepath.Join(c.MkDir(), "riverd.yaml")
	c.Assert(os.WriteFile(path, []byte("listen: localhost:1234\n"), 0600), jc.ErrorIsNil)

	cfg, err := loadConfig(commandLineArgs{
		configPath:    path,
		loggingConfig: "<root>=TRACE",
		listen:        "localhost:4321",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Listen, gc.Equals, "localhost:4321")
	c.Check(cfg.LoggingConfig, gc.Equals, "<root>=TRACE")
	c.Check(cfg.Checkpoints.Backend, gc.Equals, config.BackendMongo)
}

func (s *mainSuite) TestLoadConfigBadLogging(c *gc.C) {
	path := filepath.Join(c.MkDir(), "riverd.yaml")
	c.Assert(os.WriteFile(path, []byte("{}\n"), 0600), jc.ErrorIsNil)

	_, err := loadConfig(commandLineArgs{configPath: path, loggingConfig: "=="})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *mainSuite) TestOpenMemoryCheckpoints(c *gc.C) {
	cfg := config.Config{Checkpoints: config.CheckpointConfig{Backend: config.BackendMemory}}
	store, closer, err := openCheckpoints(cfg, nil)
	c.Assert(err, jc.ErrorIsNil)
	defer closer()
	c.Check(store, gc.NotNil)
}

func (s *mainSuite) TestOpenSQLiteCheckpoints(c *gc.C) {
	cfg := config.Config{Checkpoints: config.CheckpointConfig{
		Backend: config.BackendSQLite,
		Path:    filepath.Join(c.MkDir(), "checkpoints.db"),
	}}
	store, closer, err := openCheckpoints(cfg, nil)
	c.Assert(err, jc.ErrorIsNil)
	defer closer()
	c.Check(store, gc.NotNil)
}
