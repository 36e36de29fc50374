// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build linux

// Package hostfs adapts a directory in the host namespace (normally a
// client filesystem pre-mounted at /chunk<id>) to the client contract.
// Continuation metadata goes through real user-namespace xattrs via
// golang.org/x/sys/unix.
package hostfs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

type FS struct {
	dir string

	// A host filesystem has no iget; remember the path every inode
	// number was last seen at so handles can be re-acquired by
	// number during chain walks.
	mu      sync.Mutex
	inoPath map[chunkfsprim.ClientIno]string
}

var (
	_ chunkfsclient.FS    = (*FS)(nil)
	_ chunkfsclient.Inode = (*handle)(nil)
	_ chunkfsclient.File  = (*file)(nil)
)

// New opens the client filesystem mounted at dir.
func New(dir string) (*FS, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%v: %w", dir, syscall.ENOTDIR)
	}
	return &FS{
		dir:     dir,
		inoPath: make(map[chunkfsprim.ClientIno]string),
	}, nil
}

func (h *FS) Name() string { return "host" }

func (h *FS) Close() error { return nil }

func (h *FS) Sync(_ context.Context) error {
	fh, err := os.Open(h.dir)
	if err != nil {
		return err
	}
	defer fh.Close()
	return fh.Sync()
}

func (h *FS) remember(path string, ino chunkfsprim.ClientIno) {
	h.mu.Lock()
	h.inoPath[ino] = path
	h.mu.Unlock()
}

func (h *FS) handleFor(path string) (*handle, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, err
	}
	ino := chunkfsprim.ClientIno(st.Ino) & chunkfsprim.ClientInoMask
	h.remember(path, ino)
	return &handle{fs: h, path: path, ino: ino}, nil
}

func (h *FS) Root(_ context.Context) (chunkfsclient.Inode, error) {
	return h.handleFor(h.dir)
}

func (h *FS) Inode(_ context.Context, ino chunkfsprim.ClientIno) (chunkfsclient.Inode, error) {
	h.mu.Lock()
	path, ok := h.inoPath[ino]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inode %v has no known path: %w", uint64(ino), syscall.ENOENT)
	}
	return h.handleFor(path)
}

func (h *FS) LookupPath(_ context.Context, relpath string) (chunkfsclient.Inode, error) {
	return h.handleFor(filepath.Join(h.dir, filepath.FromSlash(relpath)))
}

func (h *FS) CreatePath(_ context.Context, relpath string, mode fs.FileMode) (chunkfsclient.Inode, error) {
	path := filepath.Join(h.dir, filepath.FromSlash(relpath))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, mode.Perm())
	if err != nil {
		return nil, err
	}
	_ = fh.Close()
	return h.handleFor(path)
}

type handle struct {
	fs   *FS
	path string
	ino  chunkfsprim.ClientIno
}

func (hd *handle) Ino() chunkfsprim.ClientIno { return hd.ino }

func (hd *handle) Close() error { return nil }

func (hd *handle) Attr(_ context.Context) (chunkfsclient.Attr, error) {
	var st unix.Stat_t
	if err := unix.Lstat(hd.path, &st); err != nil {
		return chunkfsclient.Attr{}, err
	}
	return chunkfsclient.Attr{
		Ino:   hd.ino,
		Mode:  modeFromUnix(st.Mode),
		NLink: uint32(st.Nlink),
		UID:   st.Uid,
		GID:   st.Gid,
		RDev:  uint32(st.Rdev),
		Size:  st.Size,
		ATime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		MTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		CTime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
	}, nil
}

func modeFromUnix(mode uint32) fs.FileMode {
	ret := fs.FileMode(mode & 0o777)
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		ret |= fs.ModeDir
	case unix.S_IFLNK:
		ret |= fs.ModeSymlink
	case unix.S_IFBLK:
		ret |= fs.ModeDevice
	case unix.S_IFCHR:
		ret |= fs.ModeDevice | fs.ModeCharDevice
	case unix.S_IFIFO:
		ret |= fs.ModeNamedPipe
	case unix.S_IFSOCK:
		ret |= fs.ModeSocket
	}
	if mode&unix.S_ISUID != 0 {
		ret |= fs.ModeSetuid
	}
	if mode&unix.S_ISGID != 0 {
		ret |= fs.ModeSetgid
	}
	if mode&unix.S_ISVTX != 0 {
		ret |= fs.ModeSticky
	}
	return ret
}

func modeToUnix(mode fs.FileMode) uint32 {
	ret := uint32(mode & fs.ModePerm)
	switch {
	case mode.IsDir():
		ret |= unix.S_IFDIR
	case mode&fs.ModeSymlink != 0:
		ret |= unix.S_IFLNK
	case mode&fs.ModeCharDevice != 0:
		ret |= unix.S_IFCHR
	case mode&fs.ModeDevice != 0:
		ret |= unix.S_IFBLK
	case mode&fs.ModeNamedPipe != 0:
		ret |= unix.S_IFIFO
	case mode&fs.ModeSocket != 0:
		ret |= unix.S_IFSOCK
	default:
		ret |= unix.S_IFREG
	}
	return ret
}

func (hd *handle) SetAttr(_ context.Context, attr chunkfsclient.Attr, mask chunkfsclient.AttrMask) error {
	if mask.Has(chunkfsclient.AttrMode) {
		if err := unix.Chmod(hd.path, uint32(attr.Mode&fs.ModePerm)); err != nil {
			return err
		}
	}
	if mask.Has(chunkfsclient.AttrUID) || mask.Has(chunkfsclient.AttrGID) {
		uid, gid := -1, -1
		if mask.Has(chunkfsclient.AttrUID) {
			uid = int(attr.UID)
		}
		if mask.Has(chunkfsclient.AttrGID) {
			gid = int(attr.GID)
		}
		if err := unix.Lchown(hd.path, uid, gid); err != nil {
			return err
		}
	}
	if mask.Has(chunkfsclient.AttrSize) {
		if err := unix.Truncate(hd.path, attr.Size); err != nil {
			return err
		}
	}
	if mask.Has(chunkfsclient.AttrATime) || mask.Has(chunkfsclient.AttrMTime) {
		ts := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			{Nsec: unix.UTIME_OMIT},
		}
		if mask.Has(chunkfsclient.AttrATime) {
			ts[0] = unix.NsecToTimespec(attr.ATime.UnixNano())
		}
		if mask.Has(chunkfsclient.AttrMTime) {
			ts[1] = unix.NsecToTimespec(attr.MTime.UnixNano())
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, hd.path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return err
		}
	}
	return nil
}

func (hd *handle) Open(_ context.Context, flag int) (chunkfsclient.File, error) {
	fh, err := os.OpenFile(hd.path, flag, 0)
	if err != nil {
		return nil, err
	}
	return &file{fh: fh}, nil
}

func (hd *handle) Fsync(_ context.Context) error {
	fh, err := os.Open(hd.path)
	if err != nil {
		return err
	}
	defer fh.Close()
	return fh.Sync()
}

func (hd *handle) child(name string) string {
	return filepath.Join(hd.path, name)
}

func (hd *handle) Lookup(_ context.Context, name string) (chunkfsclient.Inode, error) {
	return hd.fs.handleFor(hd.child(name))
}

func (hd *handle) Create(_ context.Context, name string, mode fs.FileMode) (chunkfsclient.Inode, error) {
	fh, err := os.OpenFile(hd.child(name), os.O_CREATE|os.O_RDWR|os.O_EXCL, mode.Perm())
	if err != nil {
		return nil, err
	}
	_ = fh.Close()
	return hd.fs.handleFor(hd.child(name))
}

func (hd *handle) Mkdir(_ context.Context, name string, mode fs.FileMode) (chunkfsclient.Inode, error) {
	if err := os.Mkdir(hd.child(name), mode.Perm()); err != nil {
		return nil, err
	}
	return hd.fs.handleFor(hd.child(name))
}

func (hd *handle) Symlink(_ context.Context, name, target string) (chunkfsclient.Inode, error) {
	if err := os.Symlink(target, hd.child(name)); err != nil {
		return nil, err
	}
	return hd.fs.handleFor(hd.child(name))
}

func (hd *handle) Mknod(_ context.Context, name string, mode fs.FileMode, rdev uint32) (chunkfsclient.Inode, error) {
	if err := unix.Mknod(hd.child(name), modeToUnix(mode), int(rdev)); err != nil {
		return nil, err
	}
	return hd.fs.handleFor(hd.child(name))
}

func (hd *handle) Link(_ context.Context, name string, target chunkfsclient.Inode) error {
	th, ok := target.(*handle)
	if !ok {
		return syscall.EXDEV
	}
	return os.Link(th.path, hd.child(name))
}

func (hd *handle) Unlink(_ context.Context, name string) error {
	return unix.Unlink(hd.child(name))
}

func (hd *handle) Rmdir(_ context.Context, name string) error {
	return unix.Rmdir(hd.child(name))
}

func (hd *handle) Rename(_ context.Context, oldName string, newDir chunkfsclient.Inode, newName string) error {
	nd, ok := newDir.(*handle)
	if !ok {
		return syscall.EXDEV
	}
	return os.Rename(hd.child(oldName), nd.child(newName))
}

func (hd *handle) ReadDir(_ context.Context, off int64) ([]chunkfsclient.DirEntry, error) {
	entries, err := os.ReadDir(hd.path)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var ret []chunkfsclient.DirEntry
	for i, entry := range entries {
		if int64(i) < off {
			continue
		}
		var st unix.Stat_t
		if err := unix.Lstat(hd.child(entry.Name()), &st); err != nil {
			continue
		}
		ret = append(ret, chunkfsclient.DirEntry{
			Name:    entry.Name(),
			Ino:     chunkfsprim.ClientIno(st.Ino) & chunkfsprim.ClientInoMask,
			Mode:    modeFromUnix(st.Mode),
			NextOff: int64(i) + 1,
		})
	}
	return ret, nil
}

func (hd *handle) Readlink(_ context.Context) (string, error) {
	return os.Readlink(hd.path)
}

func (hd *handle) GetXattr(_ context.Context, name string) ([]byte, error) {
	sz, err := unix.Lgetxattr(hd.path, name, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sz)
	n, err := unix.Lgetxattr(hd.path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (hd *handle) SetXattr(_ context.Context, name string, val []byte) error {
	return unix.Lsetxattr(hd.path, name, val, 0)
}

func (hd *handle) ListXattr(_ context.Context) ([]string, error) {
	sz, err := unix.Llistxattr(hd.path, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sz)
	n, err := unix.Llistxattr(hd.path, buf)
	if err != nil {
		return nil, err
	}
	var ret []string
	start := 0
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			ret = append(ret, string(buf[start:i]))
			start = i + 1
		}
	}
	return ret, nil
}

type file struct {
	fh *os.File
}

func (f *file) ReadAt(p []byte, off int64) (int, error)  { return f.fh.ReadAt(p, off) }
func (f *file) WriteAt(p []byte, off int64) (int, error) { return f.fh.WriteAt(p, off) }
func (f *file) Truncate(size int64) error                { return f.fh.Truncate(size) }
func (f *file) Fsync(_ context.Context) error            { return f.fh.Sync() }
func (f *file) Close() error                             { return f.fh.Close() }

// Resolver resolves chunk ids to host paths of the form
// <prefix><id>, by default /chunk<id>.
type Resolver struct {
	Prefix string
}

var _ chunkfsclient.Resolver = Resolver{}

func (r Resolver) Resolve(_ context.Context, chunkID chunkfsprim.ChunkID) (chunkfsclient.FS, error) {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "/chunk"
	}
	return New(fmt.Sprintf("%s%d", prefix, uint64(chunkID)))
}
