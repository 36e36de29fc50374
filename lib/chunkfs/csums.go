// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs

import (
	"encoding/binary"
	"fmt"

	"github.com/chunkfs/chunkfs-progs/lib/binstruct"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

// Magic and checksum sit at fixed offsets 0 and 4 of every record, so
// a buffer can be checked before the record type is trusted.
const (
	magicOff = 0
	sumOff   = 4
	sumEnd   = 8
)

// CheckMetadata verifies the magic and checksum of a record buffer.
// Every record read from disk must pass through here before any other
// field is interpreted.  allowLegacy additionally accepts the
// constant that the original tools wrote in place of a checksum.
func CheckMetadata(dat []byte, want chunkfsprim.Magic, allowLegacy bool) error {
	if len(dat) < sumEnd {
		return fmt.Errorf("record too short: %v bytes", len(dat))
	}
	got := chunkfsprim.Magic(binary.LittleEndian.Uint32(dat[magicOff:]))
	if got != want {
		return &MagicError{Got: got, Want: want}
	}
	stored := chunkfsprim.CSum(binary.LittleEndian.Uint32(dat[sumOff:]))
	if allowLegacy && stored == chunkfsprim.LegacyCSum {
		return nil
	}
	calced := sumZeroed(dat)
	if calced != stored {
		return &ChecksumError{Stored: stored, Calculated: calced}
	}
	return nil
}

// sumZeroed computes the record checksum: a CRC-32C over the record
// bytes with the checksum field itself taken as zero.
func sumZeroed(dat []byte) chunkfsprim.CSum {
	cp := make([]byte, len(dat))
	copy(cp, dat)
	for i := sumOff; i < sumEnd; i++ {
		cp[i] = 0
	}
	return chunkfsprim.Sum(cp)
}

func calculateChecksum(rec any) (chunkfsprim.CSum, error) {
	dat, err := binstruct.Marshal(rec)
	if err != nil {
		return 0, err
	}
	return sumZeroed(dat), nil
}

func (p Pool) CalculateChecksum() (chunkfsprim.CSum, error)  { return calculateChecksum(p) }
func (d Dev) CalculateChecksum() (chunkfsprim.CSum, error)   { return calculateChecksum(d) }
func (c Chunk) CalculateChecksum() (chunkfsprim.CSum, error) { return calculateChecksum(c) }

func validateChecksum(rec any, stored chunkfsprim.CSum) error {
	calced, err := calculateChecksum(rec)
	if err != nil {
		return err
	}
	if calced != stored {
		return &ChecksumError{Stored: stored, Calculated: calced}
	}
	return nil
}

func (p Pool) ValidateChecksum() error  { return validateChecksum(p, p.Sum) }
func (d Dev) ValidateChecksum() error   { return validateChecksum(d, d.Sum) }
func (c Chunk) ValidateChecksum() error { return validateChecksum(c, c.Sum) }
