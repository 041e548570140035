// Package rbtree provides a generic intrusive-value red-black tree, used
// throughout the kernel wherever a component needs an ordered, balanced
// index: free virtual-address intervals, free and attached page-table
// bookkeeping records, and the heap's size/address extent trees.
//
// Use of this source code is governed by the license that can be found in
// the LICENSE file.
package rbtree

import (
	"golang.org/x/exp/constraints"
)

// Ordered is satisfied by any key type that can compare itself against
// another value of the same type. Cmp must return <0, 0, >0 for
// less-than, equal, greater-than respectively.
type Ordered[T any] interface {
	Cmp(T) int
}

// Uint wraps any unsigned integer type as an Ordered key, for trees keyed
// by plain addresses or indices.
type Uint[T constraints.Unsigned] struct {
	Val T
}

func (a Uint[T]) Cmp(b Uint[T]) int {
	switch {
	case a.Val < b.Val:
		return -1
	case a.Val > b.Val:
		return 1
	default:
		return 0
	}
}
