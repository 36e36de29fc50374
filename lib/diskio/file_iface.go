// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package diskio provides a typed-address view of a file or block
// device, plus exact-length read/write helpers.
package diskio

import (
	"fmt"
	"io"
)

type File[A ~int64] interface {
	Name() string
	Size() (A, error)
	Close() error
	ReadAt(p []byte, off A) (n int, err error)
	WriteAt(p []byte, off A) (n int, err error)
}

type assertAddr int64

var (
	_ io.WriterAt = File[int64](nil)
	_ io.ReaderAt = File[int64](nil)
)

// ReadFull reads exactly len(p) bytes at off.
func ReadFull[A ~int64](f File[A], p []byte, off A) error {
	n, err := f.ReadAt(p, off)
	if err != nil {
		return fmt.Errorf("read %v bytes at %v: %w", len(p), int64(off), err)
	}
	if n < len(p) {
		return fmt.Errorf("read %v bytes at %v: short read (%v)", len(p), int64(off), n)
	}
	return nil
}

// WriteFull writes exactly len(p) bytes at off.
func WriteFull[A ~int64](f File[A], p []byte, off A) error {
	n, err := f.WriteAt(p, off)
	if err != nil {
		return fmt.Errorf("write %v bytes at %v: %w", len(p), int64(off), err)
	}
	if n < len(p) {
		return fmt.Errorf("write %v bytes at %v: short write (%v)", len(p), int64(off), n)
	}
	return nil
}
