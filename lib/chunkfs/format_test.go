// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs_test

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient/memfs"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

const testImgSize = 40 * 1024 * 1024

func formatImage(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img")
	fh, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, fh.Truncate(size))
	require.NoError(t, fh.Close())

	dev, err := chunkfs.OpenDevice(path, os.O_RDWR)
	require.NoError(t, err)
	require.NoError(t, chunkfs.Format(context.Background(), dev, chunkfs.FormatConfig{
		Hint:     path,
		ClientFS: "mem",
	}))
	require.NoError(t, dev.Close())
	return path
}

// newTestResolver provisions the conventional namespace-root
// directory ("root", inode 12) in chunk 1's client filesystem.
func newTestResolver(t *testing.T, capacity int64) *memfs.Resolver {
	t.Helper()
	resolver := memfs.NewResolver(memfs.Config{Capacity: capacity})
	client, err := resolver.Resolve(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, client.(*memfs.FS).MkdirIno(chunkfs.DefaultRootName, chunkfs.DefaultRootIno, 0o755))
	return resolver
}

func mountTestFS(t *testing.T, path string, resolver *memfs.Resolver) *chunkfs.FS {
	t.Helper()
	fs, err := chunkfs.Mount(context.Background(), path, chunkfs.MountConfig{
		Resolver: resolver,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = fs.Unmount(context.Background())
	})
	return fs
}

func TestFormatLayout(t *testing.T) {
	t.Parallel()
	path := formatImage(t, testImgSize)

	dev, err := chunkfs.OpenDevice(path, os.O_RDONLY)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	pool, err := dev.ReadPool()
	require.NoError(t, err)
	assert.Equal(t, chunkfsprim.PoolMagic, pool.Magic)
	assert.Equal(t, path, pool.Root.HintString())
	assert.NotZero(t, pool.Root.UUID)

	devRec, err := dev.ReadDev()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x9000), devRec.Begin)
	assert.Equal(t, uint64(testImgSize-1), devRec.End)
	assert.Equal(t, uint64(0xa000), devRec.InnardsBegin)
	assert.Equal(t, uint64(0xa000), devRec.RootChunk)
	assert.Equal(t, pool.Root.UUID, devRec.UUID)

	// A 40 MiB device holds three chunk headers: the root at
	// 0xa000, then two more at 10 MiB strides; the trailing
	// sub-chunk region is discarded.
	const mib10 = 10 * 1024 * 1024
	chunk1, err := dev.ReadChunk(0xa000)
	require.NoError(t, err)
	assert.Equal(t, chunkfsprim.ChunkID(1), chunk1.ChunkID)
	assert.True(t, chunk1.IsRoot())
	assert.Equal(t, uint64(0xa000), chunk1.Begin)
	assert.Equal(t, uint64(0xa000+mib10-1), chunk1.End)
	assert.Equal(t, uint64(0xb000), chunk1.InnardsBegin)
	assert.Equal(t, uint64(0xa000+mib10), chunk1.NextChunk)
	assert.Equal(t, "mem", chunk1.ClientFSString())

	chunk2, err := dev.ReadChunk(chunkfsprim.PhysicalAddr(chunk1.NextChunk))
	require.NoError(t, err)
	assert.Equal(t, chunkfsprim.ChunkID(2), chunk2.ChunkID)
	assert.False(t, chunk2.IsRoot())
	assert.Equal(t, uint64(0xa000+2*mib10), chunk2.NextChunk)

	chunk3, err := dev.ReadChunk(chunkfsprim.PhysicalAddr(chunk2.NextChunk))
	require.NoError(t, err)
	assert.Equal(t, chunkfsprim.ChunkID(3), chunk3.ChunkID)
	assert.Zero(t, chunk3.NextChunk)
}

func TestFormatTooSmall(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "img")
	fh, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, fh.Truncate(1024*1024))
	require.NoError(t, fh.Close())

	dev, err := chunkfs.OpenDevice(path, os.O_RDWR)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()
	assert.Error(t, chunkfs.Format(context.Background(), dev, chunkfs.FormatConfig{}))
}

func TestMount(t *testing.T) {
	t.Parallel()
	path := formatImage(t, testImgSize)
	resolver := newTestResolver(t, 0)
	fs := mountTestFS(t, path, resolver)

	assert.Equal(t, chunkfsprim.UIno((1<<28)|12), fs.Root().UIno())
	assert.Equal(t, chunkfs.KindDirectory, fs.Root().Kind())
	assert.Equal(t, 3, fs.NumChunks())
	for id := chunkfsprim.ChunkID(1); id <= 3; id++ {
		ci := fs.FindChunk(id)
		require.NotNil(t, ci, "chunk %v", id)
		assert.Equal(t, id, ci.ChunkID)
	}
	assert.Nil(t, fs.FindChunk(4))
	assert.True(t, fs.FindChunk(1).IsRoot())

	// Reading the root directory forwards to the chunk-1 client.
	entries, err := fs.Root().ReadDir(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnmountRemount(t *testing.T) {
	t.Parallel()
	path := formatImage(t, testImgSize)
	resolver := newTestResolver(t, 0)

	fs, err := chunkfs.Mount(context.Background(), path, chunkfs.MountConfig{Resolver: resolver})
	require.NoError(t, err)
	var ids []chunkfsprim.ChunkID
	for _, di := range fs.Pool().Devs {
		for _, ci := range di.Chunks {
			ids = append(ids, ci.ChunkID)
		}
	}
	require.NoError(t, fs.Unmount(context.Background()))

	fs2, err := chunkfs.Mount(context.Background(), path, chunkfs.MountConfig{Resolver: resolver})
	require.NoError(t, err)
	defer func() { _ = fs2.Unmount(context.Background()) }()
	var ids2 []chunkfsprim.ChunkID
	for _, di := range fs2.Pool().Devs {
		for _, ci := range di.Chunks {
			ids2 = append(ids2, ci.ChunkID)
		}
	}
	assert.Equal(t, ids, ids2)
}

func corruptByte(t *testing.T, path string, off int64) {
	t.Helper()
	fh, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer func() { _ = fh.Close() }()
	buf := make([]byte, 1)
	_, err = fh.ReadAt(buf, off)
	require.NoError(t, err)
	buf[0] ^= 0xff
	_, err = fh.WriteAt(buf, off)
	require.NoError(t, err)
}

func TestMountCorrupt(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Offset int64
	}
	testcases := map[string]TestCase{
		"pool-magic":   {Offset: 0x8000},
		"pool-body":    {Offset: 0x8000 + 9},
		"dev-body":     {Offset: 0x9000 + 0x18},
		"chunk1-id":    {Offset: 0xa000 + 0x10},
		"chunk2-magic": {Offset: 0xa000 + 10*1024*1024},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			path := formatImage(t, testImgSize)
			corruptByte(t, path, tc.Offset)
			resolver := newTestResolver(t, 0)
			_, err := chunkfs.Mount(context.Background(), path, chunkfs.MountConfig{
				Resolver: resolver,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, syscall.EIO)
		})
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()
	path := formatImage(t, testImgSize)

	dev, err := chunkfs.OpenDevice(path, os.O_RDONLY)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	report, err := chunkfs.Check(context.Background(), dev)
	require.NoError(t, err)
	assert.Len(t, report.Chunks, 3)
	assert.Zero(t, report.NumErrors)
}

func TestCheckCorrupt(t *testing.T) {
	t.Parallel()
	path := formatImage(t, testImgSize)
	// Smash the second chunk record; fsck must report it and still
	// reach the third.
	corruptByte(t, path, 0xa000+10*1024*1024+5)

	dev, err := chunkfs.OpenDevice(path, os.O_RDONLY)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	report, err := chunkfs.Check(context.Background(), dev)
	require.Error(t, err)
	require.NotNil(t, report)
	assert.NotZero(t, report.NumErrors)
	assert.Len(t, report.Chunks, 3)
	var ids []chunkfsprim.ChunkID
	for _, cc := range report.Chunks {
		if cc.Chunk != nil {
			ids = append(ids, cc.Chunk.ChunkID)
		}
	}
	assert.Equal(t, []chunkfsprim.ChunkID{1, 3}, ids)
}
