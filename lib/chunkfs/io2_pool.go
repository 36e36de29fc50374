// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/datawire/dlib/dlog"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

// commitMu serialises superblock commit and unmount, process-wide.
var commitMu sync.Mutex

// PoolInfo mirrors the on-disk pool record for the lifetime of a
// mount.  It owns the device list; read-only after mount.
type PoolInfo struct {
	Flags   uint64
	Rec     Pool
	RootDev *DevInfo
	Devs    []*DevInfo
}

// DevInfo mirrors one device record.  It owns its chunk list.
type DevInfo struct {
	Pool      *PoolInfo
	Flags     uint64
	UUID      uint64
	Rec       Dev
	RootChunk *ChunkInfo
	Chunks    []*ChunkInfo
}

// ChunkInfo mirrors one chunk record and holds the mounted
// client-filesystem handle for that chunk.
type ChunkInfo struct {
	Dev      *DevInfo
	Flags    uint64
	ChunkID  chunkfsprim.ChunkID
	ClientFS string
	Rec      Chunk

	Client chunkfsclient.FS
}

func (ci *ChunkInfo) IsRoot() bool { return ci.Flags&ChunkFlagRoot != 0 }

// MountConfig carries the collaborators and conventions a mount
// needs.
type MountConfig struct {
	// Resolver finds the pre-mounted client filesystem of each
	// chunk (host path /chunk<id> in the usual setup).
	Resolver chunkfsclient.Resolver

	// RootName/RootIno name the namespace root directory within the
	// root chunk's client filesystem.  RootIno is conventional per
	// client filesystem; 12 for the classic setup.
	RootName string
	RootIno  chunkfsprim.ClientIno

	// AllowLegacySums accepts the placeholder checksum of the
	// original tools.
	AllowLegacySums bool
}

const (
	DefaultRootName = "root"
	DefaultRootIno  = chunkfsprim.ClientIno(12)
)

// FS is a mounted chunkfs volume.
type FS struct {
	dev  *Device
	cfg  MountConfig
	pool *PoolInfo

	root *Inode
}

// Mount opens devPath and walks the pool, device, and chunk records
// into an FS.  Any record that fails validation, a missing root
// chunk, or an unresolvable client mount fails the mount with an
// error matching syscall.EIO; client handles acquired before the
// failure are released.
func Mount(ctx context.Context, devPath string, cfg MountConfig) (*FS, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("mount %v: no client resolver: %w", devPath, syscall.EINVAL)
	}
	if cfg.RootName == "" {
		cfg.RootName = DefaultRootName
	}
	if cfg.RootIno == 0 {
		cfg.RootIno = DefaultRootIno
	}

	dev, err := OpenDevice(devPath, syscall.O_RDWR)
	if err != nil {
		return nil, err
	}
	dev.AllowLegacySums = cfg.AllowLegacySums

	fs := &FS{
		dev: dev,
		cfg: cfg,
	}
	if err := fs.readPool(ctx); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("mount %v: %w", devPath, err)
	}
	if err := fs.readRoot(ctx); err != nil {
		fs.putPool(ctx)
		_ = dev.Close()
		return nil, fmt.Errorf("mount %v: %w", devPath, err)
	}
	dlog.Infof(ctx, "chunkfs: mounted %v (%v chunks)", devPath, len(fs.pool.RootDev.Chunks))
	return fs, nil
}

func (fs *FS) readPool(ctx context.Context) error {
	rec, err := fs.dev.ReadPool()
	if err != nil {
		return err
	}
	pi := &PoolInfo{
		Flags: rec.Flags,
		Rec:   *rec,
	}

	// The on-disk format allows a descriptor chain of devices; a
	// single-device pool reads its one device record at the fixed
	// offset.
	di, err := fs.readDev(ctx, pi)
	if err != nil {
		return err
	}
	pi.Devs = append(pi.Devs, di)
	fs.pool = pi
	return nil
}

func (fs *FS) readDev(ctx context.Context, pi *PoolInfo) (*DevInfo, error) {
	rec, err := fs.dev.ReadDev()
	if err != nil {
		return nil, err
	}
	di := &DevInfo{
		Pool:  pi,
		Flags: rec.Flags,
		UUID:  rec.UUID,
		Rec:   *rec,
	}

	chunkOffset := chunkfsprim.PhysicalAddr(rec.InnardsBegin)
	for chunkOffset != 0 {
		ci, next, err := fs.readChunk(ctx, di, chunkOffset)
		if err != nil {
			fs.putDev(ctx, di)
			return nil, err
		}
		di.Chunks = append(di.Chunks, ci)
		if ci.IsRoot() {
			if di.RootChunk != nil {
				fs.putDev(ctx, di)
				return nil, fmt.Errorf("more than one root chunk: %w", syscall.EIO)
			}
			pi.RootDev = di
			di.RootChunk = ci
		}
		chunkOffset = next
	}

	if di.RootChunk == nil {
		fs.putDev(ctx, di)
		return nil, fmt.Errorf("did not find root chunk: %w", syscall.EIO)
	}
	return di, nil
}

func (fs *FS) readChunk(ctx context.Context, di *DevInfo, addr chunkfsprim.PhysicalAddr) (*ChunkInfo, chunkfsprim.PhysicalAddr, error) {
	rec, err := fs.dev.ReadChunk(addr)
	if err != nil {
		return nil, 0, err
	}
	ci := &ChunkInfo{
		Dev:      di,
		Flags:    rec.Flags,
		ChunkID:  rec.ChunkID,
		ClientFS: rec.ClientFSString(),
		Rec:      *rec,
	}

	// Userland has mounted the client filesystems ahead of time;
	// resolve and pin the one for this chunk.
	ci.Client, err = fs.cfg.Resolver.Resolve(ctx, ci.ChunkID)
	if err != nil {
		return nil, 0, fmt.Errorf("chunk %v: resolve client fs: %v: %w",
			uint64(ci.ChunkID), err, syscall.EIO)
	}
	dlog.Debugf(ctx, "chunkfs: chunk %v at %v, client fs %q",
		uint64(ci.ChunkID), addr.Fmt(), ci.ClientFS)
	return ci, chunkfsprim.PhysicalAddr(rec.NextChunk), nil
}

func (fs *FS) putChunk(ctx context.Context, ci *ChunkInfo) {
	if ci.Client != nil {
		if err := ci.Client.Close(); err != nil {
			dlog.Errorf(ctx, "chunkfs: chunk %v: closing client fs: %v", uint64(ci.ChunkID), err)
		}
		ci.Client = nil
	}
}

func (fs *FS) putDev(ctx context.Context, di *DevInfo) {
	for _, ci := range di.Chunks {
		fs.putChunk(ctx, ci)
	}
	di.Chunks = nil
}

func (fs *FS) putPool(ctx context.Context) {
	if fs.pool == nil {
		return
	}
	for _, di := range fs.pool.Devs {
		fs.putDev(ctx, di)
	}
	fs.pool = nil
}

// readRoot forms the composite root inode:
// uino = MakeUIno(root_chunk_id, RootIno), with the client-side root
// directory found by name under the root chunk's client filesystem.
func (fs *FS) readRoot(ctx context.Context) error {
	ci := fs.pool.RootDev.RootChunk
	client, err := ci.Client.LookupPath(ctx, fs.cfg.RootName)
	if err != nil {
		return fmt.Errorf("root directory %q in chunk %v: %w",
			fs.cfg.RootName, uint64(ci.ChunkID), err)
	}
	if client.Ino() != fs.cfg.RootIno {
		_ = client.Close()
		return fmt.Errorf("root directory %q in chunk %v has client inode %v, want %v: %w",
			fs.cfg.RootName, uint64(ci.ChunkID), uint64(client.Ino()), uint64(fs.cfg.RootIno), syscall.EIO)
	}
	inode, err := fs.startInode(ctx, client, ci.ChunkID)
	if err != nil {
		_ = client.Close()
		return err
	}
	fs.root = inode
	return nil
}

// FindChunk maps a chunk id to its info, scanning the per-device
// chunk lists.  The registry is populated at mount and immutable
// afterwards, so no locking is needed.
func (fs *FS) FindChunk(chunkID chunkfsprim.ChunkID) *ChunkInfo {
	for _, di := range fs.pool.Devs {
		for _, ci := range di.Chunks {
			if ci.ChunkID == chunkID {
				return ci
			}
		}
	}
	return nil
}

// NumChunks bounds continuation-chain traversals.
func (fs *FS) NumChunks() int {
	var n int
	for _, di := range fs.pool.Devs {
		n += len(di.Chunks)
	}
	return n
}

// Pool exposes the mounted pool info (read-only).
func (fs *FS) Pool() *PoolInfo { return fs.pool }

// Root returns the composite root inode.
func (fs *FS) Root() *Inode { return fs.root }

// SyncFS commits the superblock and flushes every client filesystem.
func (fs *FS) SyncFS(ctx context.Context) error {
	commitMu.Lock()
	defer commitMu.Unlock()
	if err := fs.commitSuper(); err != nil {
		return err
	}
	var firstErr error
	for _, di := range fs.pool.Devs {
		for _, ci := range di.Chunks {
			if err := ci.Client.Sync(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (fs *FS) commitSuper() error {
	rec := fs.pool.Rec
	rec.Magic = chunkfsprim.PoolMagic
	return fs.dev.WriteRecord(PoolOffset, rec)
}

// Unmount commits the superblock, releases every client mount, and
// closes the device.
func (fs *FS) Unmount(ctx context.Context) error {
	commitMu.Lock()
	defer commitMu.Unlock()
	var firstErr error
	if fs.pool != nil {
		if err := fs.commitSuper(); err != nil {
			firstErr = err
		}
	}
	if fs.root != nil {
		fs.root.Clear()
		fs.root = nil
	}
	fs.putPool(ctx)
	if err := fs.dev.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
