// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package memfs_test

import (
	"context"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient/memfs"
)

func TestNamespace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memfs.New(memfs.Config{})

	root, err := m.Root(ctx)
	require.NoError(t, err)

	dir, err := root.Mkdir(ctx, "dir", 0o755)
	require.NoError(t, err)
	file, err := dir.Create(ctx, "file", 0o644)
	require.NoError(t, err)

	got, err := m.LookupPath(ctx, "dir/file")
	require.NoError(t, err)
	assert.Equal(t, file.Ino(), got.Ino())

	_, err = m.LookupPath(ctx, "dir/none")
	assert.ErrorIs(t, err, syscall.ENOENT)

	byIno, err := m.Inode(ctx, file.Ino())
	require.NoError(t, err)
	assert.Equal(t, file.Ino(), byIno.Ino())

	entries, err := dir.ReadDir(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "file", entries[0].Name)

	require.NoError(t, dir.Unlink(ctx, "file"))
	_, err = m.Inode(ctx, file.Ino())
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestCreatePathMakesParents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memfs.New(memfs.Config{})

	inode, err := m.CreatePath(ctx, "1/42", 0o600)
	require.NoError(t, err)

	again, err := m.LookupPath(ctx, "1/42")
	require.NoError(t, err)
	assert.Equal(t, inode.Ino(), again.Ino())

	parent, err := m.LookupPath(ctx, "1")
	require.NoError(t, err)
	attr, err := parent.Attr(ctx)
	require.NoError(t, err)
	assert.True(t, attr.Mode.IsDir())

	_, err = m.CreatePath(ctx, "1/42", 0o600)
	assert.ErrorIs(t, err, syscall.EEXIST)
}

func TestCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memfs.New(memfs.Config{Capacity: 100})

	inode, err := m.CreatePath(ctx, "f", 0o600)
	require.NoError(t, err)
	fh, err := inode.Open(ctx, 0)
	require.NoError(t, err)

	n, err := fh.WriteAt(make([]byte, 150), 0)
	assert.ErrorIs(t, err, syscall.ENOSPC)
	assert.Equal(t, 100, n)

	// Overwrites within the existing data still work when full.
	n, err = fh.WriteAt([]byte("xy"), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Freeing makes room again.
	require.NoError(t, fh.Truncate(50))
	n, err = fh.WriteAt(make([]byte, 50), 50)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}

func TestFileIO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memfs.New(memfs.Config{})

	inode, err := m.CreatePath(ctx, "f", 0o600)
	require.NoError(t, err)
	fh, err := inode.Open(ctx, 0)
	require.NoError(t, err)

	_, err = fh.WriteAt([]byte("hello world"), 0)
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := fh.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	_, err = fh.ReadAt(buf, 11)
	assert.ErrorIs(t, err, io.EOF)

	attr, err := inode.Attr(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), attr.Size)
}

func TestXattrs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memfs.New(memfs.Config{})

	inode, err := m.CreatePath(ctx, "f", 0o600)
	require.NoError(t, err)

	_, err = inode.GetXattr(ctx, "user.next")
	assert.ErrorIs(t, err, syscall.ENODATA)

	require.NoError(t, inode.SetXattr(ctx, "user.next", []byte("270582939648")))
	val, err := inode.GetXattr(ctx, "user.next")
	require.NoError(t, err)
	assert.Equal(t, "270582939648", string(val))

	require.NoError(t, inode.SetXattr(ctx, "user.prev", []byte("0")))
	names, err := inode.ListXattr(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user.next", "user.prev"}, names)
}

func TestInoLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memfs.New(memfs.Config{})

	// Client inode numbers must fit in 28 bits.
	inode, err := m.CreatePath(ctx, "f", 0o600)
	require.NoError(t, err)
	assert.Less(t, uint64(inode.Ino()), uint64(1)<<28)
}
