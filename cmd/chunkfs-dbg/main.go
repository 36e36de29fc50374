// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command chunkfs-dbg dumps the raw metadata records of a chunkfs
// volume, for poking at images while debugging.
package main

import (
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %v <device>\n", os.Args[0])
		os.Exit(1)
	}
	if err := Main(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

var spewConfig = spew.ConfigState{
	DisablePointerAddresses: true,
	Indent:                  "\t",
}

func Main(imgfilename string) (err error) {
	maybeSetErr := func(_err error) {
		if _err != nil && err == nil {
			err = _err
		}
	}

	dev, err := chunkfs.OpenDevice(imgfilename, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer func() {
		maybeSetErr(dev.Close())
	}()
	dev.AllowLegacySums = true

	pool, err := dev.ReadPool()
	if err != nil {
		return err
	}
	fmt.Printf("pool record at %v:\n", chunkfs.PoolOffset.Fmt())
	spewConfig.Dump(*pool)

	devRec, err := dev.ReadDev()
	if err != nil {
		return err
	}
	fmt.Printf("device record at %v:\n", chunkfs.DevOffset.Fmt())
	spewConfig.Dump(*devRec)

	offset := chunkfsprim.PhysicalAddr(devRec.InnardsBegin)
	for offset != 0 {
		chunk, err := dev.ReadChunk(offset)
		if err != nil {
			return err
		}
		fmt.Printf("chunk record at %v:\n", offset.Fmt())
		spewConfig.Dump(*chunk)
		offset = chunkfsprim.PhysicalAddr(chunk.NextChunk)
	}
	return nil
}
