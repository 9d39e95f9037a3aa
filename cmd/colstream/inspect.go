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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/SnellerInc/colstream/compr"
	"github.com/SnellerInc/colstream/rowgroup"
)

func catCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "print the records of a columnar file as NDJSON",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "local output file; a .gz, .zst, or .s2 suffix compresses it",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "stop after this many records",
			},
		},
		Action: action(catFile),
	}
}

func catFile(c *cli.Context, e *env) error {
	if err := nargs(c, 1); err != nil {
		return err
	}
	var out io.WriteCloser = nopCloser{c.App.Writer}
	if p := c.String("output"); p != "" {
		f, err := os.Create(p)
		if err != nil {
			return err
		}
		defer f.Close()
		out, err = compr.NewWriter(p, f)
		if err != nil {
			return err
		}
	}
	enc := json.NewEncoder(out)
	limit := c.Int("limit")
	n := 0
	for rec, err := range rowgroup.Read[map[string]any](c.Context, e.engine, c.Args().First()) {
		if err != nil {
			out.Close()
			return err
		}
		if err := enc.Encode(rec); err != nil {
			out.Close()
			return err
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return out.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func schemaCommand() *cli.Command {
	return &cli.Command{
		Name:      "schema",
		Usage:     "print the fields of a columnar file",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print the schema as JSON"},
		},
		Action: action(printSchema),
	}
}

func printSchema(c *cli.Context, e *env) error {
	if err := nargs(c, 1); err != nil {
		return err
	}
	s, err := e.engine.Schema(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return json.NewEncoder(c.App.Writer).Encode(s)
	}
	for _, f := range s.Fields() {
		fmt.Fprintln(c.App.Writer, f.String())
	}
	return nil
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "check the structure of columnar files",
		ArgsUsage: "<path>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "level",
				Value: rowgroup.LevelFull.String(),
				Usage: "one of size, magic, or full",
			},
		},
		Action: action(validateFiles),
	}
}

func validateFiles(c *cli.Context, e *env) error {
	if c.NArg() == 0 {
		return nargs(c, 1)
	}
	level, err := rowgroup.ParseLevel(c.String("level"))
	if err != nil {
		return err
	}
	bad := 0
	for _, p := range c.Args().Slice() {
		v, err := e.engine.Validate(c.Context, p, level)
		if err != nil {
			return err
		}
		if !v.Valid {
			bad++
		}
		fmt.Fprintln(c.App.Writer, v.String())
	}
	if bad > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d files invalid", bad, c.NArg()), 1)
	}
	return nil
}
