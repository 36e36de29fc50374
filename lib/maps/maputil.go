// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package maps

import (
	"golang.org/x/exp/constraints"

	"github.com/chunkfs/chunkfs-progs/lib/slices"
)

func Keys[K comparable, V any](m map[K]V) []K {
	ret := make([]K, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	return ret
}

func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	ret := Keys(m)
	slices.Sort(ret)
	return ret
}

func HaveAnyKeysInCommon[K comparable, V1, V2 any](small map[K]V1, big map[K]V2) bool {
	if len(big) < len(small) {
		return HaveAnyKeysInCommon(big, small)
	}
	for v := range small {
		if _, ok := big[v]; ok {
			return true
		}
	}
	return false
}
