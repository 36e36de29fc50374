// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs_test

import (
	"context"
	"io/fs"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

func TestLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tfs := newTestFS(t)
	root := tfs.RootDentry()

	// Negative dentry for a missing name.
	missing, err := root.Lookup(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing.Inode())

	foo, err := root.Create(ctx, "foo", 0o644)
	require.NoError(t, err)

	again, err := root.Lookup(ctx, "foo")
	require.NoError(t, err)
	require.NotNil(t, again.Inode())
	assert.Equal(t, foo.Inode().UIno(), again.Inode().UIno())
	assert.Equal(t, chunkfs.KindRegular, again.Inode().Kind())
	again.Release()
}

func TestMkdirRmdir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tfs := newTestFS(t)
	root := tfs.RootDentry()

	sub, err := root.Mkdir(ctx, "sub", 0o755)
	require.NoError(t, err)
	assert.Equal(t, chunkfs.KindDirectory, sub.Inode().Kind())
	// Children land in the chunk of the parent directory.
	assert.Equal(t, chunkfsprim.ChunkID(1), sub.Inode().UIno().ChunkID())

	inner, err := sub.Create(ctx, "inner", 0o600)
	require.NoError(t, err)
	assert.Equal(t, chunkfsprim.ChunkID(1), inner.Inode().UIno().ChunkID())

	assert.ErrorIs(t, root.Rmdir(ctx, "sub"), syscall.ENOTEMPTY)
	require.NoError(t, sub.Unlink(ctx, "inner"))
	require.NoError(t, root.Rmdir(ctx, "sub"))

	gone, err := root.Lookup(ctx, "sub")
	require.NoError(t, err)
	assert.Nil(t, gone.Inode())
}

func TestReadDir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tfs := newTestFS(t)
	root := tfs.RootDentry()

	for _, name := range []string{"a", "b", "c"} {
		_, err := root.Create(ctx, name, 0o644)
		require.NoError(t, err)
	}

	entries, err := root.Inode().ReadDir(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name)
		assert.Equal(t, chunkfsprim.ChunkID(1), entry.UIno.ChunkID())
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	// Resume from an entry's NextOff.
	rest, err := root.Inode().ReadDir(ctx, entries[0].NextOff)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "b", rest[0].Name)
}

func TestSymlink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tfs := newTestFS(t)
	root := tfs.RootDentry()

	link, err := root.Symlink(ctx, "link", "foo/bar")
	require.NoError(t, err)
	assert.Equal(t, chunkfs.KindSymlink, link.Inode().Kind())

	target, err := link.Readlink(ctx)
	require.NoError(t, err)
	assert.Equal(t, "foo/bar", target)

	// Symlinks get chain-ready continuation data too.
	assert.Equal(t, uint64(40960), contXattr(t, tfs, 1, "root/link", "len"))
}

func TestMknod(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tfs := newTestFS(t)
	root := tfs.RootDentry()

	fifo, err := root.Mknod(ctx, "fifo", fs.ModeNamedPipe|0o600, 0)
	require.NoError(t, err)
	assert.Equal(t, chunkfs.KindSpecial, fifo.Inode().Kind())
	assert.Equal(t, uint64(40960), contXattr(t, tfs, 1, "root/fifo", "len"))
}

func TestLink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tfs := newTestFS(t)
	root := tfs.RootDentry()

	foo, err := root.Create(ctx, "foo", 0o644)
	require.NoError(t, err)
	require.NoError(t, root.Link(ctx, "bar", foo))

	// Copy-up takes care of the link count.
	assert.Equal(t, uint32(2), foo.Inode().Attr().NLink)

	bar, err := root.Lookup(ctx, "bar")
	require.NoError(t, err)
	require.NotNil(t, bar.Inode())
	assert.Equal(t, foo.Inode().UIno(), bar.Inode().UIno())
}

func TestRenameIsENOSYS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tfs := newTestFS(t)
	root := tfs.RootDentry()

	_, err := root.Create(ctx, "foo", 0o644)
	require.NoError(t, err)
	assert.ErrorIs(t, root.Rename(ctx, "foo", root, "bar"), syscall.ENOSYS)
}

func TestSetAttr(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tfs := newTestFS(t)
	root := tfs.RootDentry()

	foo, err := root.Create(ctx, "foo", 0o644)
	require.NoError(t, err)

	// Only the masked fields may change.
	err = foo.Inode().SetAttr(ctx, chunkfsclient.Attr{
		Mode: 0o600,
		UID:  12345, // not in the mask; must not apply
	}, chunkfsclient.AttrMode)
	require.NoError(t, err)
	attr := foo.Inode().Attr()
	assert.Equal(t, fs.FileMode(0o600), attr.Mode.Perm())
	assert.NotEqual(t, uint32(12345), attr.UID)

	// Still 0600 when looked up fresh.
	again, err := root.Lookup(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), again.Inode().Attr().Mode.Perm())
	again.Release()
}

func TestTruncateAcrossChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tfs := newTestFS(t)
	root := tfs.RootDentry()

	foo, err := root.Create(ctx, "foo", 0o644)
	require.NoError(t, err)
	fh, err := foo.Inode().OpenFile(ctx, 0)
	require.NoError(t, err)

	buf := make([]byte, chunkCap+1000)
	for i := range buf {
		buf[i] = 'q'
	}
	_, err = fh.WriteAt(ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(buf)), foo.Inode().Attr().Size)

	newSize := int64(chunkCap + 100)
	require.NoError(t, foo.Inode().SetAttr(ctx, chunkfsclient.Attr{Size: newSize}, chunkfsclient.AttrSize))
	assert.Equal(t, newSize, foo.Inode().Attr().Size)

	require.NoError(t, foo.Inode().SetAttr(ctx, chunkfsclient.Attr{Size: 10}, chunkfsclient.AttrSize))
	assert.Equal(t, int64(10), foo.Inode().Attr().Size)

	got := make([]byte, 16)
	n, err := fh.ReadAt(ctx, got, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestPermission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tfs := newTestFS(t)
	root := tfs.RootDentry()

	foo, err := root.Create(ctx, "foo", 0o640)
	require.NoError(t, err)
	ino := foo.Inode()
	attr := ino.Attr()

	assert.NoError(t, ino.Permission(attr.UID, attr.GID, 6))
	assert.NoError(t, ino.Permission(attr.UID+1, attr.GID, 4))
	assert.ErrorIs(t, ino.Permission(attr.UID+1, attr.GID, 2), syscall.EACCES)
	assert.ErrorIs(t, ino.Permission(attr.UID+1, attr.GID+1, 4), syscall.EACCES)
	// Root bypasses the mode bits.
	assert.NoError(t, ino.Permission(0, 0, 7))
}

func TestOpenProbesHead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tfs := newTestFS(t)
	root := tfs.RootDentry()

	foo, err := root.Create(ctx, "foo", 0o644)
	require.NoError(t, err)

	// Wreck the head's continuation data; open must notice.
	client, _ := tfs.resolver.Get(1)
	inode, err := client.LookupPath(ctx, "root/foo")
	require.NoError(t, err)
	require.NoError(t, inode.SetXattr(ctx, "user.start", []byte("not-a-number")))

	_, err = foo.Inode().OpenFile(ctx, 0)
	assert.ErrorIs(t, err, syscall.EIO)
}

func TestWriteInode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tfs := newTestFS(t)
	root := tfs.RootDentry()

	foo, err := root.Create(ctx, "foo", 0o644)
	require.NoError(t, err)
	require.NoError(t, foo.Inode().WriteInode(ctx))
	require.NoError(t, tfs.SyncFS(ctx))
}
