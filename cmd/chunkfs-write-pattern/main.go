// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command chunkfs-write-pattern writes a fixed byte pattern to a
// file, enough of it to push a composite file across several chunk
// boundaries.  Point it at a file on a mounted chunkfs and read it
// back after a remount to exercise continuation chains.
package main

import (
	"fmt"
	"os"
)

const fileSize = 32 * 1024 * 1024

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %v <file>\n", os.Args[0])
		os.Exit(1)
	}
	if err := Main(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

func Main(filename string) (err error) {
	maybeSetErr := func(_err error) {
		if _err != nil && err == nil {
			err = _err
		}
	}

	fh, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		maybeSetErr(fh.Close())
	}()

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = '5'
	}

	var written int
	for written < fileSize {
		n, err := fh.Write(buf)
		if err != nil {
			return fmt.Errorf("%v: after %v bytes: %w", filename, written, err)
		}
		written += n
	}
	return nil
}
