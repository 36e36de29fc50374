// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package memfs

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsclient"
	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

// Resolver hands out one memfs per chunk id, standing in for the
// pre-mounted /chunk<id> client filesystems.
type Resolver struct {
	cfg Config

	mu  sync.Mutex
	fss map[chunkfsprim.ChunkID]*FS
}

var _ chunkfsclient.Resolver = (*Resolver)(nil)

// NewResolver lazily creates a memfs (with cfg) for every chunk id
// asked about.
func NewResolver(cfg Config) *Resolver {
	return &Resolver{
		cfg: cfg,
		fss: make(map[chunkfsprim.ChunkID]*FS),
	}
}

func (r *Resolver) Resolve(_ context.Context, chunkID chunkfsprim.ChunkID) (chunkfsclient.FS, error) {
	if chunkID == 0 {
		return nil, fmt.Errorf("chunk id 0: %w", syscall.EINVAL)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.fss[chunkID]; ok {
		return m, nil
	}
	m := New(r.cfg)
	r.fss[chunkID] = m
	return m, nil
}

// Get returns the memfs previously resolved for chunkID, if any.
func (r *Resolver) Get(chunkID chunkfsprim.ChunkID) (*FS, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.fss[chunkID]
	return m, ok
}
