// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs

import (
	"fmt"
	"syscall"

	"github.com/chunkfs/chunkfs-progs/lib/binstruct"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

const (
	// BlockSize is the unit all metadata offsets are expressed in;
	// client filesystems inside chunks pick their own block sizes.
	BlockSize = 4096
	BlockBits = 12

	// PoolBlock/DevBlock: fixed locations of the pool and device
	// records.  The large initial offset avoids the MBR and boot
	// blocks.
	PoolBlock  = 8
	DevBlock   = PoolBlock + 1
	PoolOffset = chunkfsprim.PhysicalAddr(PoolBlock * BlockSize)
	DevOffset  = chunkfsprim.PhysicalAddr(DevBlock * BlockSize)

	// ChunkSize is the nominal chunk size; the trailing chunk of a
	// device may be smaller.
	ChunkSize = 10 * 1024 * 1024

	ClientNameLen = 32
	DevPathLen    = 1024
)

// Record flags.
const (
	ChunkFlagRoot uint64 = 1 << 0 // chunk holding the namespace root
	DevFlagRoot   uint64 = 1 << 0 // device holding the root chunk
)

// DevDesc locates a member device: a path hint (paths may change, so
// it is only a hint) plus the UUID that must match.
type DevDesc struct {
	Hint [DevPathLen]byte `bin:"off=0x0,   siz=0x400"`
	UUID uint64           `bin:"off=0x400, siz=0x8"`
	binstruct.End `bin:"off=0x408"`
}

func (d DevDesc) HintString() string {
	for i, b := range d.Hint {
		if b == 0 {
			return string(d.Hint[:i])
		}
	}
	return string(d.Hint[:])
}

func (d *DevDesc) SetHint(hint string) {
	d.Hint = [DevPathLen]byte{}
	copy(d.Hint[:], hint)
}

// Pool is the top-level record of a volume, one copy per device, at
// block 8.  There is no size or free-space summary here; only the
// client filesystems inside the chunks know that.
type Pool struct {
	Magic chunkfsprim.Magic `bin:"off=0x0,  siz=0x4"`
	Sum   chunkfsprim.CSum  `bin:"off=0x4,  siz=0x4"`
	Flags uint64            `bin:"off=0x8,  siz=0x8"`
	Root  DevDesc           `bin:"off=0x10, siz=0x408"` // device containing the root chunk
	binstruct.End `bin:"off=0x418"`
}

// Dev is the per-device record at block 9: the byte range this device
// contributes, the range reserved for chunks, and the chain to the
// next device of the pool.
type Dev struct {
	Magic         chunkfsprim.Magic `bin:"off=0x0,  siz=0x4"`
	Sum           chunkfsprim.CSum  `bin:"off=0x4,  siz=0x4"`
	Flags         uint64            `bin:"off=0x8,  siz=0x8"`
	UUID          uint64            `bin:"off=0x10, siz=0x8"`
	Begin         uint64            `bin:"off=0x18, siz=0x8"`
	End           uint64            `bin:"off=0x20, siz=0x8"`
	InnardsBegin  uint64            `bin:"off=0x28, siz=0x8"` // space for chunks
	InnardsEnd    uint64            `bin:"off=0x30, siz=0x8"`
	RootChunk     uint64            `bin:"off=0x38, siz=0x8"` // offset of the chunk containing root, if here
	NextDev       DevDesc           `bin:"off=0x40, siz=0x408"`
	EndMarker     binstruct.End     `bin:"off=0x448"`
}

// Chunk is the per-chunk record at the chunk's begin offset: enough
// information to identify the client filesystem living inside and the
// intrusive list link to the next chunk (0 terminates).
type Chunk struct {
	Magic         chunkfsprim.Magic   `bin:"off=0x0,  siz=0x4"`
	Sum           chunkfsprim.CSum    `bin:"off=0x4,  siz=0x4"`
	Flags         uint64              `bin:"off=0x8,  siz=0x8"`
	ChunkID       chunkfsprim.ChunkID `bin:"off=0x10, siz=0x8"`
	Begin         uint64              `bin:"off=0x18, siz=0x8"`
	End           uint64              `bin:"off=0x20, siz=0x8"`
	InnardsBegin  uint64              `bin:"off=0x28, siz=0x8"` // space for the client fs
	InnardsEnd    uint64              `bin:"off=0x30, siz=0x8"`
	NextChunk     uint64              `bin:"off=0x38, siz=0x8"`
	ClientFS      [ClientNameLen]byte `bin:"off=0x40, siz=0x20"`
	EndMarker     binstruct.End       `bin:"off=0x60"`
}

func (c Chunk) IsRoot() bool { return c.Flags&ChunkFlagRoot != 0 }

func (c Chunk) ClientFSString() string {
	for i, b := range c.ClientFS {
		if b == 0 {
			return string(c.ClientFS[:i])
		}
	}
	return string(c.ClientFS[:])
}

func (c *Chunk) SetClientFS(name string) {
	c.ClientFS = [ClientNameLen]byte{}
	copy(c.ClientFS[:], name)
}

// MagicError reports a record whose magic field does not match the
// expected record type.  It matches syscall.EIO.
type MagicError struct {
	Got, Want chunkfsprim.Magic
}

func (e *MagicError) Error() string {
	return fmt.Sprintf("bad magic: got %v, want %v", e.Got, e.Want)
}
func (e *MagicError) Unwrap() error { return syscall.EIO }

// ChecksumError reports a record whose stored checksum does not match
// the computed one.  It matches syscall.EIO.
type ChecksumError struct {
	Stored, Calculated chunkfsprim.CSum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("bad checksum: stored %v, calculated %v", e.Stored, e.Calculated)
}
func (e *ChecksumError) Unwrap() error { return syscall.EIO }
