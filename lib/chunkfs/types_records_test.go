// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs-progs/lib/binstruct"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

// The records must not outgrow their blocks (the compile-time canary
// buffers of the original mkfs).
func TestRecordSizes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0x408, binstruct.StaticSize(chunkfs.DevDesc{}))
	assert.Equal(t, 0x418, binstruct.StaticSize(chunkfs.Pool{}))
	assert.Equal(t, 0x448, binstruct.StaticSize(chunkfs.Dev{}))
	assert.Equal(t, 0x60, binstruct.StaticSize(chunkfs.Chunk{}))
	assert.Less(t, binstruct.StaticSize(chunkfs.Pool{}), chunkfs.BlockSize)
	assert.Less(t, binstruct.StaticSize(chunkfs.Dev{}), chunkfs.BlockSize)
	assert.Less(t, binstruct.StaticSize(chunkfs.Chunk{}), chunkfs.BlockSize)
}

func testRecords(t *testing.T) map[string]struct {
	rec   any
	magic chunkfsprim.Magic
} {
	t.Helper()

	pool := chunkfs.Pool{
		Magic: chunkfsprim.PoolMagic,
		Flags: 0,
	}
	pool.Root.SetHint("/dev/sdz1")
	pool.Root.UUID = 0x001d001d

	dev := chunkfs.Dev{
		Magic:        chunkfsprim.DevMagic,
		Flags:        chunkfs.DevFlagRoot,
		UUID:         0x001d001d,
		Begin:        0x9000,
		End:          40*1024*1024 - 1,
		InnardsBegin: 0xa000,
		InnardsEnd:   40*1024*1024 - 1,
		RootChunk:    0xa000,
	}

	chunk := chunkfs.Chunk{
		Magic:        chunkfsprim.ChunkMagic,
		Flags:        chunkfs.ChunkFlagRoot,
		ChunkID:      1,
		Begin:        0xa000,
		End:          0xa000 + 10*1024*1024 - 1,
		InnardsBegin: 0xb000,
		InnardsEnd:   0xa000 + 10*1024*1024 - 1,
		NextChunk:    0xa000 + 10*1024*1024,
	}
	chunk.SetClientFS("ext2")

	return map[string]struct {
		rec   any
		magic chunkfsprim.Magic
	}{
		"pool":  {rec: pool, magic: chunkfsprim.PoolMagic},
		"dev":   {rec: dev, magic: chunkfsprim.DevMagic},
		"chunk": {rec: chunk, magic: chunkfsprim.ChunkMagic},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()
	for tcName, tc := range testRecords(t) {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			dat, err := binstruct.Marshal(tc.rec)
			require.NoError(t, err)

			switch rec := tc.rec.(type) {
			case chunkfs.Pool:
				var out chunkfs.Pool
				_, err = binstruct.Unmarshal(dat, &out)
				require.NoError(t, err)
				assert.Equal(t, rec, out)
			case chunkfs.Dev:
				var out chunkfs.Dev
				_, err = binstruct.Unmarshal(dat, &out)
				require.NoError(t, err)
				assert.Equal(t, rec, out)
			case chunkfs.Chunk:
				var out chunkfs.Chunk
				_, err = binstruct.Unmarshal(dat, &out)
				require.NoError(t, err)
				assert.Equal(t, rec, out)
			}

			dat2, err := binstruct.Marshal(tc.rec)
			require.NoError(t, err)
			assert.Equal(t, dat, dat2)
		})
	}
}

func TestCheckMetadata(t *testing.T) {
	t.Parallel()
	for tcName, tc := range testRecords(t) {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			dat, err := binstruct.Marshal(tc.rec)
			require.NoError(t, err)
			var sum chunkfsprim.CSum
			switch rec := tc.rec.(type) {
			case chunkfs.Pool:
				sum, err = rec.CalculateChecksum()
			case chunkfs.Dev:
				sum, err = rec.CalculateChecksum()
			case chunkfs.Chunk:
				sum, err = rec.CalculateChecksum()
			}
			require.NoError(t, err)
			binary.LittleEndian.PutUint32(dat[4:], uint32(sum))

			assert.NoError(t, chunkfs.CheckMetadata(dat, tc.magic, false))

			// Corrupting any byte must be detected: the magic bytes
			// via the magic check, everything else via the checksum.
			for _, off := range []int{0, 3, 8, 9, 0x10, len(dat) - 1} {
				cp := make([]byte, len(dat))
				copy(cp, dat)
				cp[off] ^= 0xff
				err := chunkfs.CheckMetadata(cp, tc.magic, false)
				assert.Error(t, err, "corrupt byte %#x", off)
			}

			// Wrong record type is a magic error even with a good
			// checksum at the right spot.
			var magicErr *chunkfs.MagicError
			err = chunkfs.CheckMetadata(dat, tc.magic+1, false)
			assert.ErrorAs(t, err, &magicErr)

			// Corrupt checksum is a checksum error.
			cp := make([]byte, len(dat))
			copy(cp, dat)
			cp[5] ^= 0xff
			var sumErr *chunkfs.ChecksumError
			err = chunkfs.CheckMetadata(cp, tc.magic, false)
			assert.ErrorAs(t, err, &sumErr)
		})
	}
}

func TestCheckMetadataLegacySum(t *testing.T) {
	t.Parallel()
	rec := chunkfs.Chunk{
		Magic:   chunkfsprim.ChunkMagic,
		Sum:     chunkfsprim.LegacyCSum,
		ChunkID: 1,
	}
	dat, err := binstruct.Marshal(rec)
	require.NoError(t, err)

	assert.Error(t, chunkfs.CheckMetadata(dat, chunkfsprim.ChunkMagic, false))
	assert.NoError(t, chunkfs.CheckMetadata(dat, chunkfsprim.ChunkMagic, true))
}
