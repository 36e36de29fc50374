// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/datawire/dlib/dlog"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

// A file that grows past one chunk is a doubly linked list of
// continuations, one client inode per chunk, linked through four
// ASCII xattrs on each client inode.
const (
	xattrNext  = "user.next"
	xattrPrev  = "user.prev"
	xattrStart = "user.start"
	xattrLen   = "user.len"
)

// ContLenDefault is the extent stamped on a fresh continuation:
// 10 blocks.
const ContLenDefault = 10 * BlockSize

// ContData is the per-continuation metadata.  Start/Len give the byte
// range [Start, Start+Len) of the composite file stored here;
// Prev/Next are the uinos of the neighbouring continuations, 0 for
// none.  Prev is maintained for reverse traversal but not presently
// consumed.
type ContData struct {
	Next  chunkfsprim.UIno
	Prev  chunkfsprim.UIno
	Start uint64
	Len   uint64
}

func (cd ContData) covers(off int64) bool {
	return uint64(off) >= cd.Start && uint64(off) < cd.Start+cd.Len
}

// errNoContData reports an inode with no continuation data at all: a
// client inode that chunkfs never stamped (the namespace root, or
// files that predate chunkfs).  A head without cont data is treated
// as a virgin single-continuation chain; anywhere else it is EIO.
var errNoContData = errors.New("inode has no continuation data")

func getContValue(ctx context.Context, client chunkfsclient.Inode, name string) (uint64, error) {
	dat, err := client.GetXattr(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("continuation data %q of client inode %v: %v: %w",
			name, uint64(client.Ino()), err, syscall.EIO)
	}
	// The original tools store the terminating NUL too.
	str := strings.TrimRight(string(dat), "\x00")
	val, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("continuation data %q of client inode %v: %q: %w",
			name, uint64(client.Ino()), str, syscall.EIO)
	}
	return val, nil
}

func setContValue(ctx context.Context, client chunkfsclient.Inode, name string, val uint64) error {
	dat := append([]byte(strconv.FormatUint(val, 10)), 0)
	return client.SetXattr(ctx, name, dat)
}

func getContData(ctx context.Context, client chunkfsclient.Inode) (ContData, error) {
	var cd ContData
	var err error
	var next, prev uint64
	if _, gerr := client.GetXattr(ctx, xattrNext); errors.Is(gerr, syscall.ENODATA) {
		for _, name := range []string{xattrPrev, xattrStart, xattrLen} {
			if _, gerr := client.GetXattr(ctx, name); !errors.Is(gerr, syscall.ENODATA) {
				return cd, fmt.Errorf("continuation data %q of client inode %v: %w",
					xattrNext, uint64(client.Ino()), syscall.EIO)
			}
		}
		return cd, errNoContData
	}
	if next, err = getContValue(ctx, client, xattrNext); err != nil {
		return cd, err
	}
	if prev, err = getContValue(ctx, client, xattrPrev); err != nil {
		return cd, err
	}
	cd.Next = chunkfsprim.UIno(next)
	cd.Prev = chunkfsprim.UIno(prev)
	if cd.Start, err = getContValue(ctx, client, xattrStart); err != nil {
		return cd, err
	}
	if cd.Len, err = getContValue(ctx, client, xattrLen); err != nil {
		return cd, err
	}
	return cd, nil
}

func setContData(ctx context.Context, client chunkfsclient.Inode, cd ContData) error {
	if err := setContValue(ctx, client, xattrNext, uint64(cd.Next)); err != nil {
		return err
	}
	if err := setContValue(ctx, client, xattrPrev, uint64(cd.Prev)); err != nil {
		return err
	}
	if err := setContValue(ctx, client, xattrStart, cd.Start); err != nil {
		return err
	}
	return setContValue(ctx, client, xattrLen, cd.Len)
}

// InitContData stamps a fresh client inode so that it is chain-ready:
// no neighbours, start 0, the default extent.  Every newly created
// client inode goes through this, whatever its type.
func (fs *FS) InitContData(ctx context.Context, client chunkfsclient.Inode) error {
	return setContData(ctx, client, ContData{
		Next:  0,
		Prev:  0,
		Start: 0,
		Len:   ContLenDefault,
	})
}

// Continuation is one loaded element of a file's chain.  It pins one
// client inode handle; not cached, loaded on demand.
type Continuation struct {
	fs      *FS
	ChunkID chunkfsprim.ChunkID
	Client  chunkfsclient.Inode
	CD      ContData
	UIno    chunkfsprim.UIno
}

func (fs *FS) loadContinuation(ctx context.Context, client chunkfsclient.Inode, chunkID chunkfsprim.ChunkID) (*Continuation, error) {
	cd, err := getContData(ctx, client)
	if err != nil {
		return nil, err
	}
	return &Continuation{
		fs:      fs,
		ChunkID: chunkID,
		Client:  client,
		CD:      cd,
		UIno:    chunkfsprim.MakeUIno(chunkID, client.Ino()),
	}, nil
}

// Put releases the pinned client inode.
func (c *Continuation) Put() {
	if c.Client != nil {
		_ = c.Client.Close()
		c.Client = nil
	}
}

// backLinkPath is the path, relative to the owning chunk's client
// root, of a continuation chained from chunk fromChunk, client inode
// fromIno: `<fromChunk>/<fromIno>`.  (The full host path is
// /chunk<C>/<fromChunk>/<fromIno>.)
func backLinkPath(fromChunk chunkfsprim.ChunkID, fromIno chunkfsprim.ClientIno) string {
	return fmt.Sprintf("%d/%d", uint64(fromChunk), uint64(fromIno))
}

// getNextCont produces the continuation after prev, or the head
// continuation if prev is nil.  Returns nil at the end of the chain:
// either next == 0 or next pointing back at the head.  Callers hold
// ino.mu.
func (ino *Inode) getNextCont(ctx context.Context, prev *Continuation) (*Continuation, error) {
	var client chunkfsclient.Inode
	var chunkID chunkfsprim.ChunkID

	if prev == nil {
		ci := ino.fs.FindChunk(ino.chunkID)
		if ci == nil {
			return nil, fmt.Errorf("inode %v: no chunk %v: %w",
				ino.uino, uint64(ino.chunkID), syscall.EIO)
		}
		var err error
		client, err = ci.Client.Inode(ctx, ino.uino.ClientIno())
		if err != nil {
			return nil, err
		}
		chunkID = ino.chunkID
	} else {
		cd := prev.CD
		if cd.Next == 0 || cd.Next == ino.uino {
			return nil, nil
		}
		chunkID = cd.Next.ChunkID()
		ci := ino.fs.FindChunk(chunkID)
		if ci == nil {
			return nil, fmt.Errorf("inode %v: continuation in unknown chunk %v: %w",
				ino.uino, uint64(chunkID), syscall.EIO)
		}
		var err error
		client, err = ci.Client.LookupPath(ctx,
			backLinkPath(prev.ChunkID, prev.UIno.ClientIno()))
		if err != nil {
			return nil, fmt.Errorf("inode %v: continuation %v: %w",
				ino.uino, cd.Next, syscall.ENOENT)
		}
	}

	cont, err := ino.fs.loadContinuation(ctx, client, chunkID)
	if errors.Is(err, errNoContData) {
		if prev != nil {
			_ = client.Close()
			ino.bad = true
			return nil, fmt.Errorf("inode %v: continuation %v has no data: %w",
				ino.uino, prev.CD.Next, syscall.EIO)
		}
		// An unstamped head is a chain of one.
		return &Continuation{
			fs:      ino.fs,
			ChunkID: chunkID,
			Client:  client,
			CD:      ContData{Len: ContLenDefault},
			UIno:    chunkfsprim.MakeUIno(chunkID, client.Ino()),
		}, nil
	}
	if err != nil {
		_ = client.Close()
		ino.bad = true
		return nil, err
	}
	return cont, nil
}

// getNextInode is the iget-only variant of the chain walk, used by
// copy-up: it hands out client inode handles instead of full
// continuations.  Callers hold ino.mu and own the returned handle.
func (ino *Inode) getNextInode(ctx context.Context, prev chunkfsclient.Inode) (chunkfsclient.Inode, error) {
	if prev == nil {
		ci := ino.fs.FindChunk(ino.chunkID)
		if ci == nil {
			return nil, fmt.Errorf("inode %v: no chunk %v: %w",
				ino.uino, uint64(ino.chunkID), syscall.EIO)
		}
		return ci.Client.Inode(ctx, ino.uino.ClientIno())
	}
	cd, err := getContData(ctx, prev)
	if errors.Is(err, errNoContData) {
		if prev.Ino() == ino.uino.ClientIno() {
			return nil, nil // unstamped head, chain of one
		}
		return nil, fmt.Errorf("inode %v: continuation without data: %w",
			ino.uino, syscall.EIO)
	}
	if err != nil {
		return nil, err
	}
	if cd.Next == 0 || cd.Next == ino.uino {
		return nil, nil
	}
	ci := ino.fs.FindChunk(cd.Next.ChunkID())
	if ci == nil {
		return nil, fmt.Errorf("inode %v: continuation in unknown chunk %v: %w",
			ino.uino, uint64(cd.Next.ChunkID()), syscall.EIO)
	}
	return ci.Client.Inode(ctx, cd.Next.ClientIno())
}

// getContAtOffset walks the chain from the head and returns the first
// continuation covering offset.  ENOENT means no continuation covers
// it: end of file for reads, extend-the-chain for writes.  Callers
// hold ino.mu.
func (ino *Inode) getContAtOffset(ctx context.Context, offset int64) (*Continuation, error) {
	var prev *Continuation
	bound := ino.fs.NumChunks()
	for steps := 0; ; steps++ {
		next, err := ino.getNextCont(ctx, prev)
		if prev != nil {
			prev.Put()
		}
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, fmt.Errorf("inode %v: no continuation covers offset %v: %w",
				ino.uino, offset, syscall.ENOENT)
		}
		if next.CD.covers(offset) {
			return next, nil
		}
		if steps >= bound {
			next.Put()
			ino.bad = true
			return nil, fmt.Errorf("inode %v: continuation cycle: %w", ino.uino, syscall.EIO)
		}
		prev = next
	}
}

// tailCont walks to the last continuation of the chain.  Callers hold
// ino.mu.
func (ino *Inode) tailCont(ctx context.Context) (*Continuation, error) {
	var prev *Continuation
	bound := ino.fs.NumChunks()
	for steps := 0; ; steps++ {
		next, err := ino.getNextCont(ctx, prev)
		if err != nil {
			if prev != nil {
				prev.Put()
			}
			return nil, err
		}
		if next == nil {
			if prev == nil {
				return nil, fmt.Errorf("inode %v: empty chain: %w", ino.uino, syscall.EIO)
			}
			return prev, nil
		}
		if prev != nil {
			prev.Put()
		}
		if steps >= bound {
			next.Put()
			ino.bad = true
			return nil, fmt.Errorf("inode %v: continuation cycle: %w", ino.uino, syscall.EIO)
		}
		prev = next
	}
}

// createContinuation extends the chain: the new continuation lives in
// the chunk after the tail's, stored under the back-link path named
// after the tail.  Callers hold ino.mu.
func (ino *Inode) createContinuation(ctx context.Context) (*Continuation, error) {
	tail, err := ino.tailCont(ctx)
	if err != nil {
		return nil, err
	}
	defer tail.Put()

	toChunk := tail.ChunkID + 1
	ci := ino.fs.FindChunk(toChunk)
	if ci == nil {
		return nil, fmt.Errorf("inode %v: no chunk after %v to continue into: %w",
			ino.uino, uint64(tail.ChunkID), syscall.ENOSPC)
	}

	path := backLinkPath(tail.ChunkID, tail.UIno.ClientIno())
	client, err := ci.Client.CreatePath(ctx, path, 0o600)
	if err != nil {
		return nil, fmt.Errorf("inode %v: create continuation /chunk%d/%s: %w",
			ino.uino, uint64(toChunk), path, err)
	}

	cd := ContData{
		Next:  0,
		Prev:  tail.UIno,
		Start: tail.CD.Start + tail.CD.Len,
		Len:   ContLenDefault,
	}
	if err := setContData(ctx, client, cd); err != nil {
		_ = client.Close()
		return nil, err
	}

	// Now update the previous tail's next pointer and persist.
	tail.CD.Next = chunkfsprim.MakeUIno(toChunk, client.Ino())
	if err := setContData(ctx, tail.Client, tail.CD); err != nil {
		_ = client.Close()
		return nil, err
	}

	cont, err := ino.fs.loadContinuation(ctx, client, toChunk)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	dlog.Debugf(ctx, "chunkfs: inode %v: new continuation %v start %v",
		ino.uino, cont.UIno, cont.CD.Start)
	return cont, nil
}

// extendTo grows the continuation's extent to cover up to end
// (a composite-file offset) and persists the full record, so that a
// previously unstamped head ends up stamped.
func (c *Continuation) extendTo(ctx context.Context, end uint64) error {
	if end <= c.CD.Start+c.CD.Len {
		return nil
	}
	c.CD.Len = end - c.CD.Start
	return setContData(ctx, c.Client, c.CD)
}

// clampLen shrinks the continuation's extent to what the client
// actually stores; used when a chunk fills up below the stamped
// extent.
func (c *Continuation) clampLen(ctx context.Context) error {
	attr, err := c.Client.Attr(ctx)
	if err != nil {
		return err
	}
	if uint64(attr.Size) >= c.CD.Len {
		return nil
	}
	c.CD.Len = uint64(attr.Size)
	return setContData(ctx, c.Client, c.CD)
}
