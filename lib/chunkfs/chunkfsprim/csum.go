// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfsprim

import (
	"fmt"
	"hash/crc32"
)

// CSum is the 32-bit record checksum at offset 4 of every on-disk
// record, computed over the record bytes with the checksum field
// itself taken as zero.
type CSum uint32

// LegacyCSum is the constant that the original chunkfs tools wrote in
// place of a real checksum.  It is accepted only when a verifier is
// explicitly configured for compatibility, and is never written.
const LegacyCSum CSum = 0x32323232

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Sum computes the CRC-32C of dat.  Callers are responsible for
// zeroing the checksum field of the record before marshalling.
func Sum(dat []byte) CSum {
	return CSum(crc32.Update(0, castagnoli, dat))
}

func (c CSum) String() string { return fmt.Sprintf("%#08x", uint32(c)) }
