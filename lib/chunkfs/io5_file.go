// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
	"github.com/chunkfs/chunkfs-progs/lib/slices"
)

// File is an open composite file.  The position only lives up here;
// client files are opened and closed per call, with offsets shifted
// into the continuation's local coordinates.
type File struct {
	Inode *Inode
	flags int

	posMu sync.Mutex
	pos   int64
}

// OpenFile opens the composite inode as a file.  It resolves and
// immediately releases the continuation at offset 0, as a probe that
// the head is healthy.
func (ino *Inode) OpenFile(ctx context.Context, flags int) (*File, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if err := ino.checkBad(); err != nil {
		return nil, err
	}
	cont, err := ino.getContAtOffset(ctx, 0)
	if err != nil {
		return nil, err
	}
	cont.Put()
	return &File{Inode: ino, flags: flags}, nil
}

// lockedContAtOffset resolves the continuation covering off under the
// chain lock.  The client I/O itself happens with the lock dropped;
// only chain metadata operations hold it.
func (ino *Inode) lockedContAtOffset(ctx context.Context, off int64) (*Continuation, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if err := ino.checkBad(); err != nil {
		return nil, err
	}
	return ino.getContAtOffset(ctx, off)
}

// ReadAt reads from the continuation(s) covering off.  A read past
// the end of the chain returns 0 bytes; ENODATA from a
// directory-style client counts as end-of-file too.
func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	ino := f.Inode

	var total int
	for len(p) > 0 {
		cont, err := ino.lockedContAtOffset(ctx, off)
		if errors.Is(err, syscall.ENOENT) {
			break // read off the end of the file
		}
		if err != nil {
			return total, err
		}

		n, err := readCont(ctx, cont, p, off)
		contEnd := cont.CD.Start + cont.CD.Len
		cont.Put()
		total += n
		off += int64(n)
		p = p[n:]
		switch {
		case errors.Is(err, syscall.ENODATA):
			return total, nil
		case errors.Is(err, io.EOF):
			// Out of data in this continuation; only continue if
			// the read reached its boundary.
			if uint64(off) < contEnd {
				return total, nil
			}
		case err != nil:
			return total, err
		}
	}
	return total, nil
}

func readCont(ctx context.Context, cont *Continuation, p []byte, off int64) (int, error) {
	cf, err := cont.Client.Open(ctx, os.O_RDONLY)
	if err != nil {
		return 0, err
	}
	defer func() { _ = cf.Close() }()

	// Shift into the client's local coordinates, and do not read
	// past this continuation's extent.
	localOff := off - int64(cont.CD.Start)
	max := slices.Min(int64(len(p)), int64(cont.CD.Start+cont.CD.Len)-off)
	return cf.ReadAt(p[:max], localOff)
}

// lockedWriteTarget resolves the continuation a write at off goes to:
// the one covering off, or the tail, which grows within its chunk
// until the client runs out of space.
func (ino *Inode) lockedWriteTarget(ctx context.Context, off int64) (*Continuation, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if err := ino.checkBad(); err != nil {
		return nil, err
	}
	cont, err := ino.getContAtOffset(ctx, off)
	if errors.Is(err, syscall.ENOENT) {
		cont, err = ino.tailCont(ctx)
	}
	return cont, err
}

// lockedExtendChain handles an out-of-space write against cont: cap
// the extent at what the chunk actually stores and grow the chain
// into the next chunk.  If the chain moved on since cont was resolved
// (another writer extended it), nothing is created; the caller just
// retries.
func (ino *Inode) lockedExtendChain(ctx context.Context, cont *Continuation, off int64) error {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if err := ino.checkBad(); err != nil {
		return err
	}
	if _, err := ino.getContAtOffset(ctx, off); err == nil {
		return nil
	} else if !errors.Is(err, syscall.ENOENT) {
		return err
	}
	tail, err := ino.tailCont(ctx)
	if err != nil {
		return err
	}
	stillTail := tail.UIno == cont.UIno
	tail.Put()
	if !stillTail {
		return nil
	}
	if err := cont.clampLen(ctx); err != nil {
		return err
	}
	newCont, err := ino.createContinuation(ctx)
	if err != nil {
		return err
	}
	newCont.Put()
	return nil
}

// WriteAt writes through the continuation covering off, extending the
// chain into the next chunk when the current tail's chunk is out of
// space.
func (f *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	ino := f.Inode

	var total int
	for len(p) > 0 {
		cont, err := ino.lockedWriteTarget(ctx, off)
		if err != nil {
			return total, err
		}

		n, werr := writeCont(ctx, cont, p, off)
		if n > 0 {
			ino.mu.Lock()
			err := cont.extendTo(ctx, uint64(off)+uint64(n))
			ino.mu.Unlock()
			if err != nil {
				cont.Put()
				return total, err
			}
			total += n
			off += int64(n)
			p = p[n:]
		}
		switch {
		case errors.Is(werr, syscall.ENOSPC) && len(p) > 0:
			if cont.CD.Next != 0 {
				// A full chunk in the middle of the chain cannot
				// grow; only the tail extends.
				cont.Put()
				return total, werr
			}
			err := ino.lockedExtendChain(ctx, cont, off)
			cont.Put()
			if err != nil {
				return total, err
			}
		case errors.Is(werr, syscall.ENOSPC):
			// The chunk filled up on the very last byte; the write
			// itself is complete.
			cont.Put()
		case werr != nil:
			cont.Put()
			return total, werr
		case n == 0:
			// A client that accepts nothing without saying why
			// would spin us forever.
			cont.Put()
			return total, fmt.Errorf("inode %v: client accepted no data at offset %v: %w",
				ino.uino, off, syscall.EIO)
		default:
			cont.Put()
		}
	}

	return total, ino.CopyUp(ctx)
}

func writeCont(ctx context.Context, cont *Continuation, p []byte, off int64) (int, error) {
	cf, err := cont.Client.Open(ctx, os.O_WRONLY)
	if err != nil {
		return 0, err
	}
	defer func() { _ = cf.Close() }()
	return cf.WriteAt(p, off-int64(cont.CD.Start))
}

// Read/Write/Seek operate on the composite position, which never
// leaves this layer.
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	f.posMu.Lock()
	defer f.posMu.Unlock()
	n, err := f.ReadAt(ctx, p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	f.posMu.Lock()
	defer f.posMu.Unlock()
	n, err := f.WriteAt(ctx, p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek is a generic seek over the composite size.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.posMu.Lock()
	defer f.posMu.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = f.Inode.Attr().Size
	default:
		return f.pos, syscall.EINVAL
	}
	if base+offset < 0 {
		return f.pos, syscall.EINVAL
	}
	f.pos = base + offset
	return f.pos, nil
}

// Fsync walks the full chain under the per-inode lock and fsyncs
// every continuation.  The last error wins.
//
// TODO(chunkfs): combine errors instead of reporting only the last.
func (f *File) Fsync(ctx context.Context) error {
	ino := f.Inode
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if err := ino.checkBad(); err != nil {
		return err
	}

	var lastErr error
	var prev *Continuation
	bound := ino.fs.NumChunks()
	for steps := 0; ; steps++ {
		next, err := ino.getNextCont(ctx, prev)
		if prev != nil {
			prev.Put()
		}
		if err != nil {
			return err
		}
		if next == nil {
			break
		}
		if err := next.Client.Fsync(ctx); err != nil {
			lastErr = err
		}
		if steps >= bound {
			next.Put()
			ino.bad = true
			return fmt.Errorf("inode %v: continuation cycle: %w", ino.uino, syscall.EIO)
		}
		prev = next
	}
	return lastErr
}

// truncate walks the chain truncating each continuation's client file
// to its share of the new size; the stamped extents (CD.Len) are left
// as they are.  Continuations past the new size are kept, emptied.
// Callers hold ino.mu.
func (ino *Inode) truncate(ctx context.Context, size int64) error {
	var prev *Continuation
	bound := ino.fs.NumChunks()
	for steps := 0; ; steps++ {
		next, err := ino.getNextCont(ctx, prev)
		if prev != nil {
			prev.Put()
		}
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		local := size - int64(next.CD.Start)
		if local < 0 {
			local = 0
		}
		local = slices.Min(local, int64(next.CD.Len))
		cf, err := next.Client.Open(ctx, os.O_WRONLY)
		if err != nil {
			next.Put()
			return err
		}
		err = cf.Truncate(local)
		_ = cf.Close()
		if err != nil {
			next.Put()
			return err
		}
		if steps >= bound {
			next.Put()
			ino.bad = true
			return fmt.Errorf("inode %v: continuation cycle: %w", ino.uino, syscall.EIO)
		}
		prev = next
	}
}

// DirEntry is a directory entry in the composite namespace.
type DirEntry struct {
	Name string
	UIno chunkfsprim.UIno
	Mode os.FileMode

	// NextOff resumes iteration after this entry.
	NextOff int64
}

// ReadDir forwards iteration to the client directory behind the
// continuation covering off.  Directories are not chained across
// chunks; the head serves everything, and chained entries are
// ignored.  ENODATA from the client is normal end-of-directory.
func (ino *Inode) ReadDir(ctx context.Context, off int64) ([]DirEntry, error) {
	if ino.kind != KindDirectory {
		return nil, syscall.ENOTDIR
	}

	cont, err := ino.lockedContAtOffset(ctx, off)
	if errors.Is(err, syscall.ENOENT) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer cont.Put()

	entries, err := cont.Client.ReadDir(ctx, off-int64(cont.CD.Start))
	if errors.Is(err, syscall.ENODATA) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ret := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		ret = append(ret, DirEntry{
			Name:    entry.Name,
			UIno:    chunkfsprim.MakeUIno(ino.chunkID, entry.Ino),
			Mode:    entry.Mode,
			NextOff: entry.NextOff + int64(cont.CD.Start),
		})
	}
	return ret, nil
}
