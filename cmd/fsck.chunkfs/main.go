// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs"
	"github.com/chunkfs/chunkfs-progs/lib/textui"
)

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}
	var legacySumsFlag bool
	var jsonFlag string

	argparser := &cobra.Command{
		Use:   "fsck.chunkfs DEVICE",
		Short: "Check the metadata records of a chunkfs volume",

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.Flags().BoolVar(&legacySumsFlag, "allow-legacy-sums", false,
		"accept the placeholder checksum written by the original chunkfs tools")
	argparser.Flags().StringVar(&jsonFlag, "json", "",
		"write the full record listing to `report.json`")
	if err := argparser.MarkFlagFilename("json"); err != nil {
		panic(err)
	}

	argparser.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := logrus.New()
		logger.SetLevel(logLevelFlag.Logrus())
		ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) (err error) {
			maybeSetErr := func(_err error) {
				if _err != nil && err == nil {
					err = _err
				}
			}
			dev, err := chunkfs.OpenDevice(args[0], os.O_RDONLY)
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(dev.Close())
			}()
			dev.AllowLegacySums = legacySumsFlag

			report, checkErr := chunkfs.Check(ctx, dev)
			if report != nil {
				textui.Fprintf(os.Stdout, "%v: %v chunks, %v errors\n",
					args[0], len(report.Chunks), report.NumErrors)
				if jsonFlag != "" {
					if err := writeJSONFile(jsonFlag, report); err != nil {
						return err
					}
				}
			}
			return checkErr
		})
		return grp.Wait()
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func writeJSONFile(filename string, obj any) (err error) {
	fh, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if _err := fh.Close(); err == nil && _err != nil {
			err = _err
		}
	}()
	return writeJSON(fh, obj)
}

func writeJSON(w io.Writer, obj any) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	cfg := lowmemjson.ReEncoder{
		Out:    buffer,
		Indent: "\t",
	}
	if err := lowmemjson.Encode(&cfg, obj); err != nil {
		return err
	}
	_, err = fmt.Fprintln(buffer)
	return err
}
