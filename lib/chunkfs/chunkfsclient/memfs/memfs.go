// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package memfs is an in-memory client filesystem.  It exists so that
// the chunked-storage layer can be exercised without a real block
// device underneath every chunk: tests resolve chunks to memfs
// instances.
//
// A memfs enforces an optional byte capacity, reporting short writes
// with ENOSPC the way a full chunk would.
package memfs

import (
	"context"
	"io"
	"io/fs"
	"sync"
	"syscall"
	"time"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
	"github.com/chunkfs/chunkfs-progs/lib/maps"
)

type Config struct {
	// Capacity bounds the total file-data bytes; 0 means unlimited.
	Capacity int64
}

type FS struct {
	cfg Config

	mu      sync.Mutex
	inodes  map[chunkfsprim.ClientIno]*node
	nextIno chunkfsprim.ClientIno
	used    int64
}

type node struct {
	fs *FS

	ino   chunkfsprim.ClientIno
	mode  fs.FileMode
	nlink uint32
	uid   uint32
	gid   uint32
	rdev  uint32
	atime time.Time
	mtime time.Time
	ctime time.Time

	data     []byte                               // regular files
	target   string                               // symlinks
	children map[string]chunkfsprim.ClientIno     // directories
	xattrs   map[string][]byte
}

var (
	_ chunkfsclient.FS    = (*FS)(nil)
	_ chunkfsclient.Inode = (*handle)(nil)
	_ chunkfsclient.File  = (*file)(nil)
)

// RootIno is the client root directory's inode number.
const RootIno chunkfsprim.ClientIno = 1

func New(cfg Config) *FS {
	m := &FS{
		cfg:    cfg,
		inodes: make(map[chunkfsprim.ClientIno]*node),
	}
	now := time.Now()
	m.inodes[RootIno] = &node{
		fs:       m,
		ino:      RootIno,
		mode:     fs.ModeDir | 0o755,
		nlink:    2,
		atime:    now,
		mtime:    now,
		ctime:    now,
		children: make(map[string]chunkfsprim.ClientIno),
	}
	m.nextIno = RootIno + 1
	return m
}

func (m *FS) Name() string { return "mem" }

func (m *FS) Close() error { return nil }

func (m *FS) Sync(_ context.Context) error { return nil }

// MkdirIno creates a directory under the client root with a caller
// chosen inode number.  mkfs-style provisioning (the conventional
// namespace-root directory, inode 12 by default) goes through this.
func (m *FS) MkdirIno(name string, ino chunkfsprim.ClientIno, mode fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	root := m.inodes[RootIno]
	if _, ok := root.children[name]; ok {
		return syscall.EEXIST
	}
	if _, ok := m.inodes[ino]; ok {
		return syscall.EEXIST
	}
	now := time.Now()
	m.inodes[ino] = &node{
		fs:       m,
		ino:      ino,
		mode:     fs.ModeDir | (mode & fs.ModePerm),
		nlink:    2,
		atime:    now,
		mtime:    now,
		ctime:    now,
		children: make(map[string]chunkfsprim.ClientIno),
	}
	root.children[name] = ino
	if ino >= m.nextIno {
		m.nextIno = ino + 1
	}
	return nil
}

func (m *FS) Root(_ context.Context) (chunkfsclient.Inode, error) {
	return &handle{n: m.inodes[RootIno]}, nil
}

func (m *FS) Inode(_ context.Context, ino chunkfsprim.ClientIno) (chunkfsclient.Inode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.inodes[ino]
	if !ok {
		return nil, syscall.ENOENT
	}
	return &handle{n: n}, nil
}

func (m *FS) LookupPath(ctx context.Context, relpath string) (chunkfsclient.Inode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.walk(relpath)
	if err != nil {
		return nil, err
	}
	return &handle{n: n}, nil
}

func (m *FS) CreatePath(ctx context.Context, relpath string, mode fs.FileMode) (chunkfsclient.Inode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := splitPath(relpath)
	if len(parts) == 0 {
		return nil, syscall.EINVAL
	}
	dir := m.inodes[RootIno]
	for _, part := range parts[:len(parts)-1] {
		child, ok := dir.children[part]
		if !ok {
			sub, err := m.newNode(fs.ModeDir | 0o755)
			if err != nil {
				return nil, err
			}
			sub.nlink = 2
			sub.children = make(map[string]chunkfsprim.ClientIno)
			dir.children[part] = sub.ino
			dir = sub
			continue
		}
		next := m.inodes[child]
		if !next.mode.IsDir() {
			return nil, syscall.ENOTDIR
		}
		dir = next
	}
	name := parts[len(parts)-1]
	if _, ok := dir.children[name]; ok {
		return nil, syscall.EEXIST
	}
	n, err := m.newNode(mode & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky))
	if err != nil {
		return nil, err
	}
	dir.children[name] = n.ino
	dir.mtime = time.Now()
	return &handle{n: n}, nil
}

func (m *FS) walk(relpath string) (*node, error) {
	n := m.inodes[RootIno]
	for _, part := range splitPath(relpath) {
		if !n.mode.IsDir() {
			return nil, syscall.ENOTDIR
		}
		child, ok := n.children[part]
		if !ok {
			return nil, syscall.ENOENT
		}
		n = m.inodes[child]
	}
	return n, nil
}

func splitPath(relpath string) []string {
	var ret []string
	start := -1
	for i := 0; i <= len(relpath); i++ {
		if i == len(relpath) || relpath[i] == '/' {
			if start >= 0 {
				ret = append(ret, relpath[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	return ret
}

// newNode allocates an inode; m.mu must be held.  Inode numbers must
// fit in 28 bits for composite numbering to work.
func (m *FS) newNode(mode fs.FileMode) (*node, error) {
	if m.nextIno > chunkfsprim.ClientInoMask {
		return nil, syscall.ENOSPC
	}
	now := time.Now()
	n := &node{
		fs:    m,
		ino:   m.nextIno,
		mode:  mode,
		nlink: 1,
		atime: now,
		mtime: now,
		ctime: now,
	}
	m.nextIno++
	m.inodes[n.ino] = n
	return n, nil
}

type handle struct {
	n *node
}

func (h *handle) Ino() chunkfsprim.ClientIno { return h.n.ino }

func (h *handle) Close() error { return nil }

func (h *handle) Attr(_ context.Context) (chunkfsclient.Attr, error) {
	m := h.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	return chunkfsclient.Attr{
		Ino:   h.n.ino,
		Mode:  h.n.mode,
		NLink: h.n.nlink,
		UID:   h.n.uid,
		GID:   h.n.gid,
		RDev:  h.n.rdev,
		Size:  h.n.size(),
		ATime: h.n.atime,
		MTime: h.n.mtime,
		CTime: h.n.ctime,
	}, nil
}

func (n *node) size() int64 {
	switch {
	case n.mode.IsRegular():
		return int64(len(n.data))
	case n.mode&fs.ModeSymlink != 0:
		return int64(len(n.target))
	default:
		return 0
	}
}

func (h *handle) SetAttr(_ context.Context, attr chunkfsclient.Attr, mask chunkfsclient.AttrMask) error {
	m := h.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if mask.Has(chunkfsclient.AttrMode) {
		h.n.mode = (h.n.mode &^ fs.ModePerm) | (attr.Mode & fs.ModePerm)
	}
	if mask.Has(chunkfsclient.AttrUID) {
		h.n.uid = attr.UID
	}
	if mask.Has(chunkfsclient.AttrGID) {
		h.n.gid = attr.GID
	}
	if mask.Has(chunkfsclient.AttrSize) {
		if !h.n.mode.IsRegular() {
			return syscall.EINVAL
		}
		if err := h.n.truncateLocked(attr.Size); err != nil {
			return err
		}
	}
	if mask.Has(chunkfsclient.AttrATime) {
		h.n.atime = attr.ATime
	}
	if mask.Has(chunkfsclient.AttrMTime) {
		h.n.mtime = attr.MTime
	}
	if mask.Has(chunkfsclient.AttrCTime) {
		h.n.ctime = attr.CTime
	}
	h.n.ctime = time.Now()
	return nil
}

func (h *handle) Open(_ context.Context, _ int) (chunkfsclient.File, error) {
	if h.n.mode.IsDir() {
		return nil, syscall.EISDIR
	}
	if !h.n.mode.IsRegular() {
		return nil, syscall.EINVAL
	}
	return &file{n: h.n}, nil
}

func (h *handle) Fsync(_ context.Context) error { return nil }

func (h *handle) Lookup(_ context.Context, name string) (chunkfsclient.Inode, error) {
	m := h.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if !h.n.mode.IsDir() {
		return nil, syscall.ENOTDIR
	}
	ino, ok := h.n.children[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	return &handle{n: m.inodes[ino]}, nil
}

func (h *handle) Create(_ context.Context, name string, mode fs.FileMode) (chunkfsclient.Inode, error) {
	return h.addChild(name, mode&^fs.ModeType, 0, "")
}

func (h *handle) Mkdir(_ context.Context, name string, mode fs.FileMode) (chunkfsclient.Inode, error) {
	return h.addChild(name, fs.ModeDir|(mode&fs.ModePerm), 0, "")
}

func (h *handle) Symlink(_ context.Context, name, target string) (chunkfsclient.Inode, error) {
	return h.addChild(name, fs.ModeSymlink|0o777, 0, target)
}

func (h *handle) Mknod(_ context.Context, name string, mode fs.FileMode, rdev uint32) (chunkfsclient.Inode, error) {
	if mode&fs.ModeType == 0 {
		return h.addChild(name, mode&^fs.ModeType, 0, "")
	}
	return h.addChild(name, mode, rdev, "")
}

func (h *handle) addChild(name string, mode fs.FileMode, rdev uint32, target string) (chunkfsclient.Inode, error) {
	m := h.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if !h.n.mode.IsDir() {
		return nil, syscall.ENOTDIR
	}
	if _, ok := h.n.children[name]; ok {
		return nil, syscall.EEXIST
	}
	n, err := m.newNode(mode)
	if err != nil {
		return nil, err
	}
	n.rdev = rdev
	n.target = target
	if mode.IsDir() {
		n.nlink = 2
		n.children = make(map[string]chunkfsprim.ClientIno)
		h.n.nlink++
	}
	h.n.children[name] = n.ino
	h.n.mtime = time.Now()
	return &handle{n: n}, nil
}

func (h *handle) Link(_ context.Context, name string, target chunkfsclient.Inode) error {
	m := h.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if !h.n.mode.IsDir() {
		return syscall.ENOTDIR
	}
	if _, ok := h.n.children[name]; ok {
		return syscall.EEXIST
	}
	tn, ok := m.inodes[target.Ino()]
	if !ok {
		return syscall.ENOENT
	}
	if tn.mode.IsDir() {
		return syscall.EPERM
	}
	h.n.children[name] = tn.ino
	tn.nlink++
	tn.ctime = time.Now()
	h.n.mtime = tn.ctime
	return nil
}

func (h *handle) Unlink(_ context.Context, name string) error {
	m := h.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if !h.n.mode.IsDir() {
		return syscall.ENOTDIR
	}
	ino, ok := h.n.children[name]
	if !ok {
		return syscall.ENOENT
	}
	n := m.inodes[ino]
	if n.mode.IsDir() {
		return syscall.EISDIR
	}
	delete(h.n.children, name)
	n.nlink--
	if n.nlink == 0 {
		m.used -= int64(len(n.data))
		delete(m.inodes, ino)
	}
	h.n.mtime = time.Now()
	return nil
}

func (h *handle) Rmdir(_ context.Context, name string) error {
	m := h.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if !h.n.mode.IsDir() {
		return syscall.ENOTDIR
	}
	ino, ok := h.n.children[name]
	if !ok {
		return syscall.ENOENT
	}
	n := m.inodes[ino]
	if !n.mode.IsDir() {
		return syscall.ENOTDIR
	}
	if len(n.children) > 0 {
		return syscall.ENOTEMPTY
	}
	delete(h.n.children, name)
	delete(m.inodes, ino)
	h.n.nlink--
	h.n.mtime = time.Now()
	return nil
}

func (h *handle) Rename(_ context.Context, oldName string, newDir chunkfsclient.Inode, newName string) error {
	m := h.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	nd, ok := m.inodes[newDir.Ino()]
	if !ok {
		return syscall.ENOENT
	}
	if !h.n.mode.IsDir() || !nd.mode.IsDir() {
		return syscall.ENOTDIR
	}
	ino, ok := h.n.children[oldName]
	if !ok {
		return syscall.ENOENT
	}
	if _, ok := nd.children[newName]; ok {
		return syscall.EEXIST
	}
	delete(h.n.children, oldName)
	nd.children[newName] = ino
	now := time.Now()
	h.n.mtime = now
	nd.mtime = now
	return nil
}

func (h *handle) ReadDir(_ context.Context, off int64) ([]chunkfsclient.DirEntry, error) {
	m := h.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if !h.n.mode.IsDir() {
		return nil, syscall.ENOTDIR
	}
	var ret []chunkfsclient.DirEntry
	for i, name := range maps.SortedKeys(h.n.children) {
		if int64(i) < off {
			continue
		}
		n := m.inodes[h.n.children[name]]
		ret = append(ret, chunkfsclient.DirEntry{
			Name:    name,
			Ino:     n.ino,
			Mode:    n.mode,
			NextOff: int64(i) + 1,
		})
	}
	return ret, nil
}

func (h *handle) Readlink(_ context.Context) (string, error) {
	if h.n.mode&fs.ModeSymlink == 0 {
		return "", syscall.EINVAL
	}
	return h.n.target, nil
}

func (h *handle) GetXattr(_ context.Context, name string) ([]byte, error) {
	m := h.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := h.n.xattrs[name]
	if !ok {
		return nil, syscall.ENODATA
	}
	ret := make([]byte, len(val))
	copy(ret, val)
	return ret, nil
}

func (h *handle) SetXattr(_ context.Context, name string, val []byte) error {
	m := h.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.n.xattrs == nil {
		h.n.xattrs = make(map[string][]byte)
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	h.n.xattrs[name] = cp
	return nil
}

func (h *handle) ListXattr(_ context.Context) ([]string, error) {
	m := h.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.SortedKeys(h.n.xattrs), nil
}

func (n *node) truncateLocked(size int64) error {
	old := int64(len(n.data))
	if size > old {
		m := n.fs
		if m.cfg.Capacity > 0 && m.used+(size-old) > m.cfg.Capacity {
			return syscall.ENOSPC
		}
		n.data = append(n.data, make([]byte, size-old)...)
		m.used += size - old
	} else if size < old {
		n.data = n.data[:size]
		n.fs.used -= old - size
	}
	n.mtime = time.Now()
	return nil
}

type file struct {
	n *node
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	m := f.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(f.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	m := f.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.n.data)) {
		grow := end - int64(len(f.n.data))
		if m.cfg.Capacity > 0 && m.used+grow > m.cfg.Capacity {
			room := m.cfg.Capacity - m.used
			grow = room
			end = int64(len(f.n.data)) + room
			if end <= off {
				return 0, syscall.ENOSPC
			}
		}
		f.n.data = append(f.n.data, make([]byte, grow)...)
		m.used += grow
	}
	n := copy(f.n.data[off:end], p[:end-off])
	f.n.mtime = time.Now()
	if int64(n) < int64(len(p)) {
		return n, syscall.ENOSPC
	}
	return n, nil
}

func (f *file) Truncate(size int64) error {
	m := f.n.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	return f.n.truncateLocked(size)
}

func (f *file) Fsync(_ context.Context) error { return nil }

func (f *file) Close() error { return nil }
