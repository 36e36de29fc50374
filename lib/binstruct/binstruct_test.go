// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs-progs/lib/binstruct"
)

type record struct {
	Magic uint32  `bin:"off=0x0, siz=0x4"`
	Sum   uint32  `bin:"off=0x4, siz=0x4"`
	Flags uint64  `bin:"off=0x8, siz=0x8"`
	Name  [4]byte `bin:"off=0x10, siz=0x4"`
	binstruct.End `bin:"off=0x14"`
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	in := record{
		Magic: 0xf00df00d,
		Sum:   0x01020304,
		Flags: 0x1122334455667788,
		Name:  [4]byte{'e', 'x', 't', '2'},
	}
	dat, err := binstruct.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, binstruct.StaticSize(record{}), len(dat))
	// little-endian
	assert.Equal(t, []byte{0x0d, 0xf0, 0x0d, 0xf0}, dat[:4])

	var out record
	n, err := binstruct.Unmarshal(dat, &out)
	require.NoError(t, err)
	assert.Equal(t, len(dat), n)
	assert.Equal(t, in, out)
}

func TestStaticSize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0x14, binstruct.StaticSize(record{}))
	assert.Equal(t, 8, binstruct.StaticSize(uint64(0)))
	assert.Equal(t, 4, binstruct.StaticSize([4]byte{}))
}

func TestShortBuffer(t *testing.T) {
	t.Parallel()
	var out record
	_, err := binstruct.Unmarshal(make([]byte, 3), &out)
	assert.Error(t, err)
}
