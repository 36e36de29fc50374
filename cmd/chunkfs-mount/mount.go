// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient"
)

// Serve exports the mounted chunkfs at mountpoint.
func Serve(ctx context.Context, cfs *chunkfs.FS, deviceName, mountpoint string) error {
	if abs, err := filepath.Abs(deviceName); err == nil {
		deviceName = abs
	}
	srv := &fileSystem{
		fs: cfs,
	}
	cfg := &fuse.MountConfig{
		FSName:  deviceName,
		Subtype: "chunkfs",
	}
	return fuseMount(ctx, mountpoint, fuseutil.NewFileSystemServer(srv), cfg)
}

func fuseMount(ctx context.Context, mountpoint string, server fuse.Server, cfg *fuse.MountConfig) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		// Allow mountHandle.Join() returning to cause the
		// "unmount" goroutine to quit.
		ShutdownOnNonError: true,
	})
	mounted := uint32(1)
	grp.Go("unmount", func(ctx context.Context) error {
		<-ctx.Done()
		var err error
		var gotNil bool
		// Keep retrying, because the FS might be busy.
		for atomic.LoadUint32(&mounted) != 0 {
			if _err := fuse.Unmount(mountpoint); _err == nil {
				gotNil = true
			} else if !gotNil {
				err = _err
			}
		}
		if gotNil {
			return nil
		}
		return err
	})
	grp.Go("mount", func(ctx context.Context) error {
		defer atomic.StoreUint32(&mounted, 0)

		cfg.OpContext = ctx
		cfg.ErrorLogger = dlog.StdLogger(ctx, dlog.LogLevelError)
		cfg.DebugLogger = dlog.StdLogger(ctx, dlog.LogLevelDebug)

		mountHandle, err := fuse.Mount(mountpoint, server, cfg)
		if err != nil {
			return err
		}
		dlog.Infof(ctx, "mounted %q", mountpoint)
		return mountHandle.Join(dcontext.HardContext(ctx))
	})
	return grp.Wait()
}

type dirState struct {
	Dentry *chunkfs.Dentry
}

type fileState struct {
	File *chunkfs.File
}

type fileSystem struct {
	fuseutil.NotImplementedFileSystem
	fs *chunkfs.FS

	lastHandle  uint64
	dentries    typedsync.Map[fuseops.InodeID, *chunkfs.Dentry]
	dirHandles  typedsync.Map[fuseops.HandleID, *dirState]
	fileHandles typedsync.Map[fuseops.HandleID, *fileState]

	dirListings LRUCache[fuseops.InodeID, []chunkfs.DirEntry]
}

func (srv *fileSystem) newHandle() fuseops.HandleID {
	return fuseops.HandleID(atomic.AddUint64(&srv.lastHandle, 1))
}

func attrToFUSE(attr chunkfsclient.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(attr.Size),
		Nlink: attr.NLink,
		Mode:  fs.FileMode(attr.Mode),
		Atime: attr.ATime,
		Mtime: attr.MTime,
		Ctime: attr.CTime,
		Uid:   attr.UID,
		Gid:   attr.GID,
	}
}

// dentry resolves a FUSE inode id to the dentry tracked for it.  The
// kernel's id 1 is the composite root.
func (srv *fileSystem) dentry(id fuseops.InodeID) (*chunkfs.Dentry, error) {
	if id == fuseops.RootInodeID {
		root, _ := srv.dentries.LoadOrStore(id, srv.fs.RootDentry())
		return root, nil
	}
	d, ok := srv.dentries.Load(id)
	if !ok {
		return nil, syscall.ESTALE
	}
	return d, nil
}

// remember tracks a positive dentry under its uino, keeping the first
// one seen so that repeated lookups share handles.
func (srv *fileSystem) remember(d *chunkfs.Dentry) (fuseops.InodeID, *chunkfs.Dentry) {
	id := fuseops.InodeID(d.Inode().UIno())
	existing, loaded := srv.dentries.LoadOrStore(id, d)
	if loaded && existing != d {
		d.Release()
		return id, existing
	}
	return id, d
}

func (srv *fileSystem) childEntry(d *chunkfs.Dentry) fuseops.ChildInodeEntry {
	id, d := srv.remember(d)
	return fuseops.ChildInodeEntry{
		Child:      id,
		Attributes: attrToFUSE(d.Inode().Attr()),
	}
}

func (srv *fileSystem) StatFS(_ context.Context, op *fuseops.StatFSOp) error {
	pool := srv.fs.Pool()
	op.BlockSize = chunkfs.BlockSize
	op.IoSize = chunkfs.BlockSize
	var total uint64
	for _, di := range pool.Devs {
		total += di.Rec.InnardsEnd - di.Rec.InnardsBegin
	}
	op.Blocks = total / chunkfs.BlockSize
	// Free-space accounting lives inside the client filesystems;
	// there is no global summary to report.
	return nil
}

func (srv *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, err := srv.dentry(op.Parent)
	if err != nil {
		return err
	}
	child, err := parent.Lookup(ctx, op.Name)
	if err != nil {
		return err
	}
	if child.Inode() == nil {
		return syscall.ENOENT
	}
	op.Entry = srv.childEntry(child)
	return nil
}

func (srv *fileSystem) GetInodeAttributes(_ context.Context, op *fuseops.GetInodeAttributesOp) error {
	d, err := srv.dentry(op.Inode)
	if err != nil {
		return err
	}
	op.Attributes = attrToFUSE(d.Inode().Attr())
	return nil
}

func (srv *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	d, err := srv.dentry(op.Inode)
	if err != nil {
		return err
	}
	var attr chunkfsclient.Attr
	var mask chunkfsclient.AttrMask
	if op.Size != nil {
		attr.Size = int64(*op.Size)
		mask |= chunkfsclient.AttrSize
	}
	if op.Mode != nil {
		attr.Mode = *op.Mode
		mask |= chunkfsclient.AttrMode
	}
	if op.Atime != nil {
		attr.ATime = *op.Atime
		mask |= chunkfsclient.AttrATime
	}
	if op.Mtime != nil {
		attr.MTime = *op.Mtime
		mask |= chunkfsclient.AttrMTime
	}
	if mask != 0 {
		if err := d.Inode().SetAttr(ctx, attr, mask); err != nil {
			return err
		}
	}
	op.Attributes = attrToFUSE(d.Inode().Attr())
	return nil
}

func (srv *fileSystem) ForgetInode(_ context.Context, op *fuseops.ForgetInodeOp) error {
	if op.Inode == fuseops.RootInodeID {
		return nil
	}
	if d, ok := srv.dentries.LoadAndDelete(op.Inode); ok {
		d.Release()
	}
	return nil
}

func (srv *fileSystem) OpenDir(_ context.Context, op *fuseops.OpenDirOp) error {
	d, err := srv.dentry(op.Inode)
	if err != nil {
		return err
	}
	if d.Inode().Kind() != chunkfs.KindDirectory {
		return syscall.ENOTDIR
	}
	handle := srv.newHandle()
	srv.dirHandles.Store(handle, &dirState{Dentry: d})
	op.Handle = handle
	return nil
}

func (srv *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	state, ok := srv.dirHandles.Load(op.Handle)
	if !ok {
		return syscall.EBADF
	}

	entries, ok := srv.dirListings.Get(op.Inode)
	if !ok || op.Offset == 0 {
		var err error
		entries, err = state.Dentry.Inode().ReadDir(ctx, 0)
		if err != nil {
			return err
		}
		srv.dirListings.Add(op.Inode, entries)
	}

	for _, entry := range entries {
		if entry.NextOff <= int64(op.Offset) {
			continue
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(entry.NextOff),
			Inode:  fuseops.InodeID(entry.UIno),
			Name:   entry.Name,
			Type:   direntType(entry.Mode),
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func direntType(mode fs.FileMode) fuseutil.DirentType {
	switch {
	case mode.IsRegular():
		return fuseutil.DT_File
	case mode.IsDir():
		return fuseutil.DT_Directory
	case mode&fs.ModeSymlink != 0:
		return fuseutil.DT_Link
	case mode&fs.ModeCharDevice != 0:
		return fuseutil.DT_Char
	case mode&fs.ModeDevice != 0:
		return fuseutil.DT_Block
	case mode&fs.ModeNamedPipe != 0:
		return fuseutil.DT_FIFO
	case mode&fs.ModeSocket != 0:
		return fuseutil.DT_Socket
	default:
		return fuseutil.DT_Unknown
	}
}

func (srv *fileSystem) ReleaseDirHandle(_ context.Context, op *fuseops.ReleaseDirHandleOp) error {
	_, ok := srv.dirHandles.LoadAndDelete(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	return nil
}

func (srv *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	d, err := srv.dentry(op.Inode)
	if err != nil {
		return err
	}
	file, err := d.Inode().OpenFile(ctx, 0)
	if err != nil {
		return err
	}
	handle := srv.newHandle()
	srv.fileHandles.Store(handle, &fileState{File: file})
	op.Handle = handle
	return nil
}

func (srv *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	state, ok := srv.fileHandles.Load(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	var dat []byte
	if op.Dst != nil {
		size := op.Size
		if size > int64(len(op.Dst)) {
			size = int64(len(op.Dst))
		}
		dat = op.Dst[:size]
	} else {
		dat = make([]byte, op.Size)
		op.Data = [][]byte{dat}
	}
	var err error
	op.BytesRead, err = state.File.ReadAt(ctx, dat, op.Offset)
	return err
}

func (srv *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	state, ok := srv.fileHandles.Load(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	_, err := state.File.WriteAt(ctx, op.Data, op.Offset)
	return err
}

func (srv *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	state, ok := srv.fileHandles.Load(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	return state.File.Fsync(ctx)
}

func (srv *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	state, ok := srv.fileHandles.Load(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	return state.File.Fsync(ctx)
}

func (srv *fileSystem) ReleaseFileHandle(_ context.Context, op *fuseops.ReleaseFileHandleOp) error {
	_, ok := srv.fileHandles.LoadAndDelete(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	return nil
}

func (srv *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, err := srv.dentry(op.Parent)
	if err != nil {
		return err
	}
	child, err := parent.Create(ctx, op.Name, op.Mode)
	if err != nil {
		return err
	}
	srv.dirListings.Remove(op.Parent)
	op.Entry = srv.childEntry(child)

	file, err := child.Inode().OpenFile(ctx, 0)
	if err != nil {
		return err
	}
	handle := srv.newHandle()
	srv.fileHandles.Store(handle, &fileState{File: file})
	op.Handle = handle
	return nil
}

func (srv *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, err := srv.dentry(op.Parent)
	if err != nil {
		return err
	}
	child, err := parent.Mkdir(ctx, op.Name, op.Mode)
	if err != nil {
		return err
	}
	srv.dirListings.Remove(op.Parent)
	op.Entry = srv.childEntry(child)
	return nil
}

func (srv *fileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	parent, err := srv.dentry(op.Parent)
	if err != nil {
		return err
	}
	child, err := parent.Mknod(ctx, op.Name, op.Mode, 0)
	if err != nil {
		return err
	}
	srv.dirListings.Remove(op.Parent)
	op.Entry = srv.childEntry(child)
	return nil
}

func (srv *fileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parent, err := srv.dentry(op.Parent)
	if err != nil {
		return err
	}
	child, err := parent.Symlink(ctx, op.Name, op.Target)
	if err != nil {
		return err
	}
	srv.dirListings.Remove(op.Parent)
	op.Entry = srv.childEntry(child)
	return nil
}

func (srv *fileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	parent, err := srv.dentry(op.Parent)
	if err != nil {
		return err
	}
	old, err := srv.dentry(op.Target)
	if err != nil {
		return err
	}
	if err := parent.Link(ctx, op.Name, old); err != nil {
		return err
	}
	srv.dirListings.Remove(op.Parent)
	// Re-look the name up so the new entry has its own dentry.
	child, err := parent.Lookup(ctx, op.Name)
	if err != nil {
		return err
	}
	if child.Inode() == nil {
		return syscall.EIO
	}
	op.Entry = srv.childEntry(child)
	return nil
}

func (srv *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, err := srv.dentry(op.OldParent)
	if err != nil {
		return err
	}
	newParent, err := srv.dentry(op.NewParent)
	if err != nil {
		return err
	}
	return oldParent.Rename(ctx, op.OldName, newParent, op.NewName)
}

func (srv *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, err := srv.dentry(op.Parent)
	if err != nil {
		return err
	}
	if err := parent.Unlink(ctx, op.Name); err != nil {
		return err
	}
	srv.dirListings.Remove(op.Parent)
	return nil
}

func (srv *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, err := srv.dentry(op.Parent)
	if err != nil {
		return err
	}
	if err := parent.Rmdir(ctx, op.Name); err != nil {
		return err
	}
	srv.dirListings.Remove(op.Parent)
	return nil
}

func (srv *fileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	d, err := srv.dentry(op.Inode)
	if err != nil {
		return err
	}
	op.Target, err = d.Readlink(ctx)
	return err
}

func (srv *fileSystem) Destroy() {
	// The unmount path commits the superblock; nothing extra here.
}
