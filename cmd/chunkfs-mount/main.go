// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command chunkfs-mount serves a chunkfs volume over FUSE, stitching
// the per-chunk client filesystems into one namespace.  The client
// filesystems must already be mounted at /chunk<id> (see
// --chunk-prefix).
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient/hostfs"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
	"github.com/chunkfs/chunkfs-progs/lib/textui"
)

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}
	var chunkPrefixFlag string
	var rootNameFlag string
	var rootInoFlag uint64
	var legacySumsFlag bool

	argparser := &cobra.Command{
		Use:   "chunkfs-mount DEVICE MOUNTPOINT",
		Short: "Mount a chunkfs volume",

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.Flags().StringVar(&chunkPrefixFlag, "chunk-prefix", "/chunk",
		"host `path` prefix under which the client filesystems are mounted")
	argparser.Flags().StringVar(&rootNameFlag, "root-name", chunkfs.DefaultRootName,
		"`name` of the namespace root directory within the root chunk")
	argparser.Flags().Uint64Var(&rootInoFlag, "root-ino", uint64(chunkfs.DefaultRootIno),
		"client `inode` number of the namespace root directory")
	argparser.Flags().BoolVar(&legacySumsFlag, "allow-legacy-sums", false,
		"accept the placeholder checksum written by the original chunkfs tools")

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
			fs, err := chunkfs.Mount(ctx, args[0], chunkfs.MountConfig{
				Resolver:        hostfs.Resolver{Prefix: chunkPrefixFlag},
				RootName:        rootNameFlag,
				RootIno:         chunkfsprim.ClientIno(rootInoFlag),
				AllowLegacySums: legacySumsFlag,
			})
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(fs.Unmount(ctx))
			}()
			return Serve(ctx, fs, args[0], args[1])
		})
		return grp.Wait()
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
