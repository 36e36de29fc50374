// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfs

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"github.com/chunkfs/chunkfs-progs/lib/chunkfs/chunkfsprim"
)

// CheckReport is the result of a metadata walk over one device.
type CheckReport struct {
	Pool   *Pool         `json:"pool,omitempty"`
	Dev    *Dev          `json:"dev,omitempty"`
	Chunks []CheckedChunk `json:"chunks"`

	NumErrors int `json:"num_errors"`
}

type CheckedChunk struct {
	Offset chunkfsprim.PhysicalAddr `json:"offset"`
	Chunk  *Chunk                   `json:"chunk,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// Check walks every metadata record of a device: pool, device, then
// the whole chunk list.  Unlike mount, it keeps going past damaged
// chunk records (stepping by the nominal chunk size when the next
// pointer is unusable) so that one bad chunk doesn't hide the rest.
func Check(ctx context.Context, dev *Device) (*CheckReport, error) {
	report := &CheckReport{}
	var errs derror.MultiError

	pool, err := dev.ReadPool()
	if err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	} else {
		report.Pool = pool
	}

	devRec, err := dev.ReadDev()
	if err != nil {
		errs = append(errs, fmt.Errorf("dev: %w", err))
	} else {
		report.Dev = devRec
	}

	devSize, err := dev.Size()
	if err != nil {
		return nil, err
	}

	var offset chunkfsprim.PhysicalAddr
	if devRec != nil {
		offset = chunkfsprim.PhysicalAddr(devRec.InnardsBegin)
	} else {
		// No usable device record; scan from the conventional
		// first-chunk offset.
		offset = DevOffset + BlockSize
	}

	seen := make(map[chunkfsprim.PhysicalAddr]bool)
	for offset != 0 && offset+BlockSize <= devSize {
		if seen[offset] {
			errs = append(errs, fmt.Errorf("chunk list loops back to %v", offset.Fmt()))
			break
		}
		seen[offset] = true

		chunk, err := dev.ReadChunk(offset)
		if err != nil {
			errs = append(errs, fmt.Errorf("chunk at %v: %w", offset.Fmt(), err))
			report.Chunks = append(report.Chunks, CheckedChunk{
				Offset: offset,
				Error:  err.Error(),
			})
			// The next pointer is inside the damaged record;
			// assume nominal sizing and keep walking.
			offset += ChunkSize
			continue
		}
		report.Chunks = append(report.Chunks, CheckedChunk{
			Offset: offset,
			Chunk:  chunk,
		})
		dlog.Debugf(ctx, "fsck.chunkfs: chunk %v at %v ok",
			uint64(chunk.ChunkID), offset.Fmt())
		offset = chunkfsprim.PhysicalAddr(chunk.NextChunk)
	}

	var roots int
	for _, cc := range report.Chunks {
		if cc.Chunk != nil && cc.Chunk.IsRoot() {
			roots++
		}
	}
	if roots != 1 {
		errs = append(errs, fmt.Errorf("expected exactly 1 root chunk, found %v", roots))
	}

	report.NumErrors = len(errs)
	if len(errs) > 0 {
		return report, errs
	}
	return report, nil
}
