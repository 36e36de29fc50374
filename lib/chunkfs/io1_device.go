// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"

	"github.com/chunkfs/chunkfs-progs/lib/binstruct"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
	"github.com/chunkfs/chunkfs-progs/lib/diskio"
)

// Device is one member block device (or image file) of a pool.
type Device struct {
	diskio.File[chunkfsprim.PhysicalAddr]

	// AllowLegacySums accepts the placeholder checksum constant
	// written by the original chunkfs tools.
	AllowLegacySums bool
}

// OpenDevice opens a block device or image file.
func OpenDevice(path string, flag int) (*Device, error) {
	fh, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	return &Device{
		File: &diskio.OSFile[chunkfsprim.PhysicalAddr]{File: fh},
	}, nil
}

func readRecord[T any](dev *Device, addr chunkfsprim.PhysicalAddr, magic chunkfsprim.Magic) (*T, error) {
	var ret T
	dat := make([]byte, binstruct.StaticSize(ret))
	if err := diskio.ReadFull[chunkfsprim.PhysicalAddr](dev, dat, addr); err != nil {
		return nil, fmt.Errorf("%v: record at %v: %w", dev.Name(), addr.Fmt(), err)
	}
	if err := CheckMetadata(dat, magic, dev.AllowLegacySums); err != nil {
		return nil, fmt.Errorf("%v: record at %v: %w", dev.Name(), addr.Fmt(), err)
	}
	if _, err := binstruct.Unmarshal(dat, &ret); err != nil {
		return nil, fmt.Errorf("%v: record at %v: %w", dev.Name(), addr.Fmt(), err)
	}
	return &ret, nil
}

// ReadPool reads and validates the pool record at block 8.
func (dev *Device) ReadPool() (*Pool, error) {
	return readRecord[Pool](dev, PoolOffset, chunkfsprim.PoolMagic)
}

// ReadDev reads and validates the device record at block 9.
func (dev *Device) ReadDev() (*Dev, error) {
	return readRecord[Dev](dev, DevOffset, chunkfsprim.DevMagic)
}

// ReadChunk reads and validates a chunk record.
func (dev *Device) ReadChunk(addr chunkfsprim.PhysicalAddr) (*Chunk, error) {
	return readRecord[Chunk](dev, addr, chunkfsprim.ChunkMagic)
}

// WriteRecord writes a record into a zeroed block at addr.  The
// record's checksum field is filled in from the marshalled bytes; the
// caller is responsible for the magic.
func (dev *Device) WriteRecord(addr chunkfsprim.PhysicalAddr, rec any) error {
	dat, err := binstruct.Marshal(rec)
	if err != nil {
		return err
	}
	if len(dat) > BlockSize {
		return fmt.Errorf("record size %#x exceeds block size %#x: %w",
			len(dat), BlockSize, syscall.EINVAL)
	}
	sum := sumZeroed(dat)
	binary.LittleEndian.PutUint32(dat[sumOff:], uint32(sum))

	blk := make([]byte, BlockSize)
	copy(blk, dat)
	if err := diskio.WriteFull[chunkfsprim.PhysicalAddr](dev, blk, addr); err != nil {
		return fmt.Errorf("%v: record at %v: %w", dev.Name(), addr.Fmt(), err)
	}
	return nil
}
