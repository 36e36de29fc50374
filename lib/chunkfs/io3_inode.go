// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"syscall"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

// InodeKind selects the operation set of a composite inode, chosen
// from the client inode's mode at start-inode time.
type InodeKind int

const (
	KindRegular InodeKind = iota
	KindDirectory
	KindSymlink
	KindSpecial
)

func kindOf(mode fs.FileMode) InodeKind {
	switch {
	case mode.IsRegular():
		return KindRegular
	case mode.IsDir():
		return KindDirectory
	case mode&fs.ModeSymlink != 0:
		return KindSymlink
	default:
		return KindSpecial
	}
}

// Inode is a composite inode: a public inode number, exclusive
// ownership of the head client inode, and cached attributes whose
// size is summed across the whole continuation chain.
type Inode struct {
	fs      *FS
	uino    chunkfsprim.UIno
	chunkID chunkfsprim.ChunkID
	kind    InodeKind

	// mu protects the on-disk continuation chain and the cached
	// attributes.
	mu    sync.Mutex
	head  chunkfsclient.Inode
	attr  chunkfsclient.Attr
	dirty bool

	// bad quarantines the inode after a metadata failure; every
	// further operation fails.
	bad bool
}

// startInode initialises a composite inode from a freshly obtained
// client inode, taking ownership of it as the head.
func (fs *FS) startInode(ctx context.Context, client chunkfsclient.Inode, chunkID chunkfsprim.ChunkID) (*Inode, error) {
	attr, err := client.Attr(ctx)
	if err != nil {
		return nil, err
	}
	ino := &Inode{
		fs:      fs,
		uino:    chunkfsprim.MakeUIno(chunkID, client.Ino()),
		chunkID: chunkID,
		kind:    kindOf(attr.Mode),
		head:    client,
	}
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if err := ino.copyUp(ctx); err != nil {
		return nil, err
	}
	return ino, nil
}

// GetInode acquires a composite inode by number (the iget analogue).
// The chunk registry is derived from the mounted filesystem itself.
func (fs *FS) GetInode(ctx context.Context, uino chunkfsprim.UIno) (*Inode, error) {
	ci := fs.FindChunk(uino.ChunkID())
	if ci == nil {
		return nil, fmt.Errorf("inode %v: no chunk %v: %w",
			uino, uint64(uino.ChunkID()), syscall.ENOENT)
	}
	client, err := ci.Client.Inode(ctx, uino.ClientIno())
	if err != nil {
		return nil, err
	}
	ino, err := fs.startInode(ctx, client, ci.ChunkID)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return ino, nil
}

func (ino *Inode) UIno() chunkfsprim.UIno       { return ino.uino }
func (ino *Inode) ChunkID() chunkfsprim.ChunkID { return ino.chunkID }
func (ino *Inode) Kind() InodeKind              { return ino.kind }

// Attr returns the cached attributes; size is the whole-chain sum as
// of the last copy-up.
func (ino *Inode) Attr() chunkfsclient.Attr {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.attr
}

func (ino *Inode) checkBad() error {
	if ino.bad {
		return fmt.Errorf("inode %v is bad: %w", ino.uino, syscall.EIO)
	}
	return nil
}

// CopyUp pulls attributes from the head client inode and recomputes
// the composite size across all continuations.
func (ino *Inode) CopyUp(ctx context.Context) error {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.copyUp(ctx)
}

// copyUp is CopyUp with ino.mu held.
func (ino *Inode) copyUp(ctx context.Context) error {
	if err := ino.checkBad(); err != nil {
		return err
	}
	attr, err := ino.head.Attr(ctx)
	if err != nil {
		return err
	}

	// All other attributes come from the head, but size is summed
	// over the chain.
	var totalSize int64
	var prev chunkfsclient.Inode
	var steps int
	bound := ino.fs.NumChunks()
	for {
		next, err := ino.getNextInode(ctx, prev)
		if prev != nil {
			_ = prev.Close()
		}
		if err != nil {
			ino.bad = true
			return err
		}
		if next == nil {
			break
		}
		nextAttr, err := next.Attr(ctx)
		if err != nil {
			_ = next.Close()
			return err
		}
		totalSize += nextAttr.Size
		prev = next
		if steps++; steps > bound {
			_ = next.Close()
			ino.bad = true
			return fmt.Errorf("inode %v: continuation cycle: %w", ino.uino, syscall.EIO)
		}
	}
	attr.Size = totalSize

	ino.attr = attr
	ino.dirty = true
	return nil
}

// copyDown pushes the mutable attribute subset into the head client
// inode.  Size is deliberately not part of it; each continuation owns
// its own extent.
func (ino *Inode) copyDown(ctx context.Context, attr chunkfsclient.Attr, mask chunkfsclient.AttrMask) error {
	return ino.head.SetAttr(ctx, attr, mask&^chunkfsclient.AttrSize)
}

// WriteInode flushes the composite inode: copy-down, then delegate to
// the client.
func (ino *Inode) WriteInode(ctx context.Context) error {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if err := ino.checkBad(); err != nil {
		return err
	}
	if err := ino.copyDown(ctx, ino.attr, chunkfsclient.AttrAll); err != nil {
		return err
	}
	ino.dirty = false
	return ino.head.Fsync(ctx)
}

// Clear drops the head client inode reference.
func (ino *Inode) Clear() {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.head != nil {
		_ = ino.head.Close()
		ino.head = nil
	}
}

// SetAttr forwards to the client, honouring the mask, then runs
// copy-up.  A size change walks the chain and truncates every
// continuation.
func (ino *Inode) SetAttr(ctx context.Context, attr chunkfsclient.Attr, mask chunkfsclient.AttrMask) error {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if err := ino.checkBad(); err != nil {
		return err
	}
	if mask.Has(chunkfsclient.AttrSize) {
		if ino.kind != KindRegular {
			return syscall.EINVAL
		}
		if err := ino.truncate(ctx, attr.Size); err != nil {
			return err
		}
		mask &^= chunkfsclient.AttrSize
	}
	if mask != 0 {
		if err := ino.head.SetAttr(ctx, attr, mask); err != nil {
			return err
		}
	}
	return ino.copyUp(ctx)
}

// Permission is a generic mode/owner check against the cached
// attributes.  want is an rwx bitmask (4=r, 2=w, 1=x).
func (ino *Inode) Permission(uid, gid uint32, want uint32) error {
	ino.mu.Lock()
	attr := ino.attr
	ino.mu.Unlock()

	perm := uint32(attr.Mode & fs.ModePerm)
	var granted uint32
	switch {
	case uid == 0:
		granted = 7
	case uid == attr.UID:
		granted = (perm >> 6) & 7
	case gid == attr.GID:
		granted = (perm >> 3) & 7
	default:
		granted = perm & 7
	}
	if want&^granted != 0 {
		return syscall.EACCES
	}
	return nil
}
