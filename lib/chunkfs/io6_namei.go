// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs

import (
	"context"
	"errors"
	"io/fs"
	"syscall"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

// Dentry binds a name in the composite namespace to an inode.  Each
// dentry owns a companion client-side handle, released on Release, and
// carries a lookup-flags scratch slot.  A dentry with a nil inode is
// negative.
type Dentry struct {
	fs     *FS
	parent *Dentry
	name   string

	chunkID chunkfsprim.ChunkID
	inode   *Inode
	client  chunkfsclient.Inode

	// LookupFlags is a scratch slot for lookup state.  Nothing in this
	// package reads or writes it, and it is not passed to the client.
	LookupFlags uint32

	isRoot bool
}

// RootDentry wraps the composite root inode.
func (fsv *FS) RootDentry() *Dentry {
	return &Dentry{
		fs:      fsv,
		name:    "/",
		chunkID: fsv.root.chunkID,
		inode:   fsv.root,
		client:  fsv.root.head,
		isRoot:  true,
	}
}

func (d *Dentry) Name() string  { return d.name }
func (d *Dentry) Inode() *Inode { return d.inode }

// Release drops the dentry's client handle and its inode's head.  The
// root dentry's handles belong to the mount and stay.
func (d *Dentry) Release() {
	if d.isRoot {
		return
	}
	if d.client != nil {
		_ = d.client.Close()
		d.client = nil
	}
	if d.inode != nil {
		d.inode.Clear()
		d.inode = nil
	}
}

func (d *Dentry) requireDir() error {
	if d.inode == nil {
		return syscall.ENOENT
	}
	if d.inode.kind != KindDirectory {
		return syscall.ENOTDIR
	}
	return nil
}

// wrapChild builds the outer dentry for a client inode that lookup or
// a creation returned.  The composite inode takes ownership of the
// handle as its head; the dentry acquires its own companion handle.
func (d *Dentry) wrapChild(ctx context.Context, name string, client chunkfsclient.Inode) (*Dentry, error) {
	inode, err := d.fs.startInode(ctx, client, d.chunkID)
	if err != nil {
		return nil, err
	}
	ci := d.fs.FindChunk(d.chunkID)
	companion, err := ci.Client.Inode(ctx, client.Ino())
	if err != nil {
		inode.Clear()
		return nil, err
	}
	return &Dentry{
		fs:      d.fs,
		parent:  d,
		name:    name,
		chunkID: d.chunkID,
		inode:   inode,
		client:  companion,
	}, nil
}

// Lookup resolves name in this directory.  The child inode is created
// in (and its uino stamped with) the chunk of the parent directory.
// A missing name yields a negative dentry, not an error.
func (d *Dentry) Lookup(ctx context.Context, name string) (*Dentry, error) {
	if err := d.requireDir(); err != nil {
		return nil, err
	}
	client, err := d.client.Lookup(ctx, name)
	if errors.Is(err, syscall.ENOENT) {
		return &Dentry{
			fs:      d.fs,
			parent:  d,
			name:    name,
			chunkID: d.chunkID,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return d.wrapChild(ctx, name, client)
}

// create runs the shared tail of every namespace creation: stamp the
// fresh client inode chain-ready, wrap it, refresh the parent.
func (d *Dentry) create(ctx context.Context, name string, client chunkfsclient.Inode) (*Dentry, error) {
	if err := d.fs.InitContData(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	child, err := d.wrapChild(ctx, name, client)
	if err != nil {
		return nil, err
	}
	if err := d.inode.CopyUp(ctx); err != nil {
		child.Release()
		return nil, err
	}
	return child, nil
}

func (d *Dentry) Create(ctx context.Context, name string, mode fs.FileMode) (*Dentry, error) {
	if err := d.requireDir(); err != nil {
		return nil, err
	}
	client, err := d.client.Create(ctx, name, mode)
	if err != nil {
		return nil, err
	}
	return d.create(ctx, name, client)
}

func (d *Dentry) Mkdir(ctx context.Context, name string, mode fs.FileMode) (*Dentry, error) {
	if err := d.requireDir(); err != nil {
		return nil, err
	}
	client, err := d.client.Mkdir(ctx, name, mode)
	if err != nil {
		return nil, err
	}
	return d.create(ctx, name, client)
}

func (d *Dentry) Symlink(ctx context.Context, name, target string) (*Dentry, error) {
	if err := d.requireDir(); err != nil {
		return nil, err
	}
	client, err := d.client.Symlink(ctx, name, target)
	if err != nil {
		return nil, err
	}
	return d.create(ctx, name, client)
}

func (d *Dentry) Mknod(ctx context.Context, name string, mode fs.FileMode, rdev uint32) (*Dentry, error) {
	if err := d.requireDir(); err != nil {
		return nil, err
	}
	client, err := d.client.Mknod(ctx, name, mode, rdev)
	if err != nil {
		return nil, err
	}
	return d.create(ctx, name, client)
}

// Link makes name in this directory a hard link to old's inode.
// Copy-up takes care of the link count.
func (d *Dentry) Link(ctx context.Context, name string, old *Dentry) error {
	if err := d.requireDir(); err != nil {
		return err
	}
	if old.inode == nil {
		return syscall.ENOENT
	}
	if old.chunkID != d.chunkID {
		return syscall.EXDEV
	}
	if err := d.client.Link(ctx, name, old.inode.head); err != nil {
		return err
	}
	if err := old.inode.CopyUp(ctx); err != nil {
		return err
	}
	return d.inode.CopyUp(ctx)
}

func (d *Dentry) Unlink(ctx context.Context, name string) error {
	if err := d.requireDir(); err != nil {
		return err
	}
	if err := d.client.Unlink(ctx, name); err != nil {
		return err
	}
	return d.inode.CopyUp(ctx)
}

func (d *Dentry) Rmdir(ctx context.Context, name string) error {
	if err := d.requireDir(); err != nil {
		return err
	}
	if err := d.client.Rmdir(ctx, name); err != nil {
		return err
	}
	return d.inode.CopyUp(ctx)
}

// Rename is not supported: a continuation chain's back-link paths are
// derived from the chunk and inode it was created from, and moving
// the head across chunks would strand them.
func (d *Dentry) Rename(ctx context.Context, oldName string, newDir *Dentry, newName string) error {
	return syscall.ENOSYS
}

// Readlink forwards to the client symlink.
func (d *Dentry) Readlink(ctx context.Context) (string, error) {
	if d.inode == nil {
		return "", syscall.ENOENT
	}
	if d.inode.kind != KindSymlink {
		return "", syscall.EINVAL
	}
	return d.inode.head.Readlink(ctx)
}
