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

package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/SnellerInc/colstream/compact"
	"github.com/SnellerInc/colstream/config"
	"github.com/SnellerInc/colstream/schema"
)

var schemaFlag = &cli.StringFlag{
	Name: "schema",
	Usage: "local schema definition file (.yaml or .json); " +
		"without it the schema is inferred from the first record " +
		"and keys first seen in later records are dropped",
}

func compactCommand() *cli.Command {
	return &cli.Command{
		Name:      "compact",
		Usage:     "convert an NDJSON file (optionally .gz, .zst, or .s2) into a columnar file",
		ArgsUsage: "<src.ndjson> <dst.parquet>",
		Flags: []cli.Flag{
			schemaFlag,
			&cli.BoolFlag{
				Name:  "delete-source",
				Usage: "remove the NDJSON file after a successful compaction",
			},
		},
		Action: action(compactFile),
	}
}

func mergeCommand() *cli.Command {
	return &cli.Command{
		Name:      "merge",
		Usage:     "merge the records of an NDJSON file into an existing columnar file",
		ArgsUsage: "<src.ndjson> <dst.parquet>",
		Flags:     []cli.Flag{schemaFlag},
		Action:    action(mergeFile),
	}
}

// recordSchema returns the schema named by --schema,
// or one inferred from the first record of src.
func recordSchema(c *cli.Context, e *env, cp *compact.Compactor, src string) (*schema.Schema, error) {
	if p := c.String("schema"); p != "" {
		return config.LoadSchema(p)
	}
	s, err := compact.InferSchema(c.Context, cp, src)
	if err != nil {
		return nil, err
	}
	e.log.WithField("schema", s.String()).Info("inferred schema")
	return s, nil
}

func compactFile(c *cli.Context, e *env) error {
	if err := nargs(c, 2); err != nil {
		return err
	}
	src, dst := c.Args().Get(0), c.Args().Get(1)
	cp := e.cfg.Compactor(e.engine)
	s, err := recordSchema(c, e, cp, src)
	if err != nil {
		return err
	}
	e.engine.RecordSchema = s
	st, err := compact.Run[map[string]any](c.Context, cp, src, dst)
	if err != nil {
		return err
	}
	if c.Bool("delete-source") {
		if err := e.store.Remove(c.Context, src); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.App.Writer, "%s\t%d records\t%d row groups\t%d bytes\n",
		dst, st.Records, st.Result.RowGroups, st.Result.File.Size)
	return nil
}

func mergeFile(c *cli.Context, e *env) error {
	if err := nargs(c, 2); err != nil {
		return err
	}
	src, dst := c.Args().Get(0), c.Args().Get(1)
	cp := e.cfg.Compactor(e.engine)
	s, err := recordSchema(c, e, cp, src)
	if err != nil {
		return err
	}
	e.engine.RecordSchema = s
	st, err := compact.Merge[map[string]any](c.Context, cp, src, dst)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\t%d rows\t%d row groups\t%d fields added\n",
		dst, st.Result.Rows, st.Result.RowGroups, len(st.Result.Added))
	return nil
}
