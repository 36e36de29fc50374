// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build linux

package hostfs_test

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient/hostfs"
)

// requireXattrs skips when the filesystem backing TMPDIR does not do
// user xattrs (tmpfs on older kernels, some CI sandboxes).
func requireXattrs(t *testing.T, fs *hostfs.FS) {
	t.Helper()
	ctx := context.Background()
	probe, err := fs.CreatePath(ctx, "xattr-probe", 0o600)
	require.NoError(t, err)
	err = probe.SetXattr(ctx, "user.probe", []byte("1"))
	if errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EOPNOTSUPP) {
		t.Skip("user xattrs not supported here")
	}
	require.NoError(t, err)
}

func TestHostFS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, err := hostfs.New(t.TempDir())
	require.NoError(t, err)

	root, err := fs.Root(ctx)
	require.NoError(t, err)

	dir, err := root.Mkdir(ctx, "1", 0o755)
	require.NoError(t, err)
	file, err := dir.Create(ctx, "42", 0o600)
	require.NoError(t, err)

	fh, err := file.Open(ctx, syscall.O_RDWR)
	require.NoError(t, err)
	_, err = fh.WriteAt([]byte("data"), 0)
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	got, err := fs.LookupPath(ctx, "1/42")
	require.NoError(t, err)
	assert.Equal(t, file.Ino(), got.Ino())

	attr, err := got.Attr(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), attr.Size)
	assert.True(t, attr.Mode.IsRegular())

	// Re-acquiring by number works for paths seen before.
	byIno, err := fs.Inode(ctx, file.Ino())
	require.NoError(t, err)
	assert.Equal(t, file.Ino(), byIno.Ino())

	entries, err := root.ReadDir(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0].Name)
}

func TestHostFSCreatePath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, err := hostfs.New(t.TempDir())
	require.NoError(t, err)

	inode, err := fs.CreatePath(ctx, "3/99", 0o600)
	require.NoError(t, err)
	again, err := fs.LookupPath(ctx, "3/99")
	require.NoError(t, err)
	assert.Equal(t, inode.Ino(), again.Ino())
}

func TestHostFSXattrs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, err := hostfs.New(t.TempDir())
	require.NoError(t, err)
	requireXattrs(t, fs)

	inode, err := fs.CreatePath(ctx, "f", 0o600)
	require.NoError(t, err)

	require.NoError(t, inode.SetXattr(ctx, "user.start", []byte("0")))
	val, err := inode.GetXattr(ctx, "user.start")
	require.NoError(t, err)
	assert.Equal(t, "0", string(val))

	names, err := inode.ListXattr(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "user.start")

	_, err = inode.GetXattr(ctx, "user.none")
	assert.ErrorIs(t, err, syscall.ENODATA)
}

func TestHostFSSymlink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, err := hostfs.New(t.TempDir())
	require.NoError(t, err)

	root, err := fs.Root(ctx)
	require.NoError(t, err)
	link, err := root.Symlink(ctx, "l", "target/path")
	require.NoError(t, err)

	got, err := link.Readlink(ctx)
	require.NoError(t, err)
	assert.Equal(t, "target/path", got)
}
