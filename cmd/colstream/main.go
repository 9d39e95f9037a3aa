// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Command colstream uploads, compacts, merges,
// and inspects columnar files in a configured store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/SnellerInc/colstream/config"
	"github.com/SnellerInc/colstream/rowgroup"
	"github.com/SnellerInc/colstream/storage"
)

// env is the state shared by every command,
// built from the global flags.
type env struct {
	cfg    *config.Config
	log    *logrus.Logger
	store  storage.Store
	engine *rowgroup.Engine
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if root := c.String("root"); root != "" {
		cfg.Storage.Kind = "dir"
		cfg.Storage.Root = root
	}
	log := cfg.Logger()
	log.SetOutput(c.App.ErrWriter)
	if c.Bool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	}
	store, err := cfg.OpenStore(c.Context, log)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:    cfg,
		log:    log,
		store:  store,
		engine: cfg.Engine(store, log),
	}, nil
}

// action adapts a command body to a cli.ActionFunc.
func action(fn func(c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := setup(c)
		if err != nil {
			return err
		}
		return fn(c, e)
	}
}

// nargs checks that c has exactly n positional arguments.
func nargs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return errors.Errorf("usage: %s %s", c.Command.Name, c.Command.ArgsUsage)
	}
	return nil
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "colstream",
		Usage:     "stream records into and out of columnar files",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "configuration file (.yaml or .json)",
				EnvVars: []string{"COLSTREAM_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "use a local directory as the store, overriding the configuration",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log at debug level",
			},
		},
		Commands: []*cli.Command{
			uploadCommand(),
			compactCommand(),
			mergeCommand(),
			catCommand(),
			schemaCommand(),
			validateCommand(),
		},
	}
}

func main() {
	app := newApp(os.Stdout, os.Stderr)
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "colstream: %s\n", err)
		os.Exit(1)
	}
}
