// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package chunkfsclient is the contract between chunkfs and the client
// filesystems mounted inside each chunk.  Chunkfs does not implement
// storage allocation, directory indexing, or journaling; it drives a
// client filesystem through these interfaces and stitches the results
// into one namespace.
//
// A client filesystem must support the four user-namespace xattrs
// `user.{next,prev,start,len}` and inode numbers that fit in 28 bits.
package chunkfsclient

import (
	"context"
	"io/fs"
	"time"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

// Attr is the mutable attribute set of a client inode.
type Attr struct {
	Ino   chunkfsprim.ClientIno
	Mode  fs.FileMode
	NLink uint32
	UID   uint32
	GID   uint32
	RDev  uint32
	Size  int64
	ATime time.Time
	MTime time.Time
	CTime time.Time
}

// AttrMask selects which fields of an Attr a SetAttr call applies; the
// ia_valid analogue.
type AttrMask uint32

const (
	AttrMode AttrMask = 1 << iota
	AttrUID
	AttrGID
	AttrSize
	AttrATime
	AttrMTime
	AttrCTime
)

func (m AttrMask) Has(bit AttrMask) bool { return m&bit != 0 }

// AttrAll selects every mutable attribute except size.
const AttrAll = AttrMode | AttrUID | AttrGID | AttrATime | AttrMTime | AttrCTime

type DirEntry struct {
	Name string
	Ino  chunkfsprim.ClientIno
	Mode fs.FileMode

	// NextOff is the offset to pass to ReadDir to resume after this
	// entry.
	NextOff int64
}

// FS is one mounted client filesystem instance, owning the storage of
// one chunk.
type FS interface {
	// Name identifies the client filesystem type ("ext2", "mem", ...).
	Name() string

	Root(ctx context.Context) (Inode, error)

	// Inode acquires a handle on an inode by number (the iget
	// analogue).  Every returned handle is independently owned and
	// must be Closed.
	Inode(ctx context.Context, ino chunkfsprim.ClientIno) (Inode, error)

	// LookupPath resolves a slash-separated path relative to the
	// client root.
	LookupPath(ctx context.Context, relpath string) (Inode, error)

	// CreatePath creates a regular file at a slash-separated path
	// relative to the client root, creating missing parent
	// directories.  Used for continuation back-links.
	CreatePath(ctx context.Context, relpath string, mode fs.FileMode) (Inode, error)

	// Sync flushes everything the client has dirty.
	Sync(ctx context.Context) error

	Close() error
}

// Inode is an owned handle on one client inode.  Directory operations
// return ENOTDIR-style errors when called on non-directories; chunkfs
// only calls them on inodes whose mode says they apply.
type Inode interface {
	Ino() chunkfsprim.ClientIno
	Attr(ctx context.Context) (Attr, error)
	SetAttr(ctx context.Context, attr Attr, mask AttrMask) error
	Open(ctx context.Context, flag int) (File, error)
	Fsync(ctx context.Context) error

	Lookup(ctx context.Context, name string) (Inode, error)
	Create(ctx context.Context, name string, mode fs.FileMode) (Inode, error)
	Mkdir(ctx context.Context, name string, mode fs.FileMode) (Inode, error)
	Symlink(ctx context.Context, name, target string) (Inode, error)
	Mknod(ctx context.Context, name string, mode fs.FileMode, rdev uint32) (Inode, error)
	Link(ctx context.Context, name string, target Inode) error
	Unlink(ctx context.Context, name string) error
	Rmdir(ctx context.Context, name string) error
	Rename(ctx context.Context, oldName string, newDir Inode, newName string) error
	ReadDir(ctx context.Context, off int64) ([]DirEntry, error)

	Readlink(ctx context.Context) (string, error)

	GetXattr(ctx context.Context, name string) ([]byte, error)
	SetXattr(ctx context.Context, name string, val []byte) error
	ListXattr(ctx context.Context) ([]string, error)

	Close() error
}

// File is an open client file.  Offsets are client-local; chunkfs
// shifts composite offsets down before calling.  WriteAt reports a
// short write with ENOSPC when the chunk is out of space.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Fsync(ctx context.Context) error
	Close() error
}

// Resolver finds the mounted client filesystem of a chunk.  The
// mounts exist before chunkfs is mounted.
type Resolver interface {
	Resolve(ctx context.Context, chunkID chunkfsprim.ChunkID) (FS, error)
}
