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
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/SnellerInc/colstream/upload"
)

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "copy a local file (or - for stdin) into the store",
		ArgsUsage: "<local-file> <remote-path>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "size of each remote append (default from configuration)",
			},
		},
		Action: action(uploadFile),
	}
}

func uploadFile(c *cli.Context, e *env) error {
	if err := nargs(c, 2); err != nil {
		return err
	}
	local, remote := c.Args().Get(0), c.Args().Get(1)
	var src io.Reader = c.App.Reader
	if src == nil {
		src = os.Stdin
	}
	if local != "-" {
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}
	opts := e.cfg.UploadOptions(e.log)
	if n := c.Int("chunk-size"); n > 0 {
		opts.ChunkSize = n
	}
	s, err := upload.New(c.Context, e.store, remote, opts)
	if err != nil {
		return err
	}
	if _, err := io.Copy(s, src); err != nil {
		s.Abort()
		return err
	}
	if err := s.Close(); err != nil {
		return err
	}
	info := s.Info()
	fmt.Fprintf(c.App.Writer, "%s\t%d\t%s\n", info.Path, info.Size, info.ETag)
	return nil
}
