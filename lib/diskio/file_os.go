// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"os"
)

type OSFile[A ~int64] struct {
	*os.File
}

var _ File[assertAddr] = (*OSFile[assertAddr])(nil)

func (f *OSFile[A]) Size() (A, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return A(fi.Size()), nil
}

func (f *OSFile[A]) ReadAt(dat []byte, off A) (int, error) {
	return f.File.ReadAt(dat, int64(off))
}

func (f *OSFile[A]) WriteAt(dat []byte, off A) (int, error) {
	return f.File.WriteAt(dat, int64(off))
}
