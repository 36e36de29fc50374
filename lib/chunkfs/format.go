// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"syscall"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

type FormatConfig struct {
	// Hint is the device path recorded in the pool's root device
	// descriptor.
	Hint string

	// UUID of the device; generated when zero.
	UUID uint64

	// ClientFS names the client filesystem type recorded in every
	// chunk header.
	ClientFS string
}

// Format writes an empty chunkfs volume: the pool record at block 8,
// the device record at block 9, and chunk records of ChunkSize each
// from the device's innards until the device is full.  Any trailing
// region smaller than a chunk is discarded.  Chunk id 1 carries the
// ROOT flag.
func Format(ctx context.Context, dev *Device, cfg FormatConfig) error {
	devSize, err := dev.Size()
	if err != nil {
		return err
	}
	if devSize < DevOffset+BlockSize+ChunkSize {
		return fmt.Errorf("device %v is too small (%v bytes) for even one chunk: %w",
			dev.Name(), int64(devSize), syscall.EINVAL)
	}
	if cfg.UUID == 0 {
		newUUID := uuid.New()
		cfg.UUID = binary.LittleEndian.Uint64(newUUID[:8])
	}

	pool := Pool{
		Magic: chunkfsprim.PoolMagic,
	}
	pool.Root.SetHint(cfg.Hint)
	pool.Root.UUID = cfg.UUID
	if err := dev.WriteRecord(PoolOffset, pool); err != nil {
		return err
	}
	dlog.Infof(ctx, "chunkfs: wrote pool record at %v", PoolOffset.Fmt())

	devBegin := uint64(DevOffset)
	devEnd := uint64(devSize) - 1
	devRec := Dev{
		Magic:        chunkfsprim.DevMagic,
		Flags:        DevFlagRoot,
		UUID:         cfg.UUID,
		Begin:        devBegin,
		End:          devEnd,
		InnardsBegin: devBegin + BlockSize,
		InnardsEnd:   devEnd,
		RootChunk:    devBegin + BlockSize,
	}
	if err := dev.WriteRecord(DevOffset, devRec); err != nil {
		return err
	}
	dlog.Infof(ctx, "chunkfs: wrote device record at %v", DevOffset.Fmt())

	// Chunk id 0 is not valid; numbering starts at 1 with the root.
	chunkID := chunkfsprim.ChunkID(1)
	chunkStart := devRec.RootChunk
	for chunkStart+ChunkSize-1 < devEnd {
		chunk := Chunk{
			Magic:        chunkfsprim.ChunkMagic,
			ChunkID:      chunkID,
			Begin:        chunkStart,
			End:          chunkStart + ChunkSize - 1,
			InnardsBegin: chunkStart + BlockSize,
			InnardsEnd:   chunkStart + ChunkSize - 1,
		}
		chunk.SetClientFS(cfg.ClientFS)
		if chunkID == 1 {
			chunk.Flags |= ChunkFlagRoot
		}
		// Room for another chunk after this one?  Then point at it.
		if chunk.End+ChunkSize-1 < devEnd {
			chunk.NextChunk = chunk.End + 1
		}
		if err := dev.WriteRecord(chunkfsprim.PhysicalAddr(chunkStart), chunk); err != nil {
			return err
		}
		dlog.Infof(ctx, "chunkfs: wrote chunk %v: bytes %v-%v",
			uint64(chunkID), chunk.Begin, chunk.End)
		chunkStart += ChunkSize
		chunkID++
	}

	return nil
}
