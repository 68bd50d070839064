// Object pools for the sample hot paths
//
// Provides reusable buffers for:
// - Message block frames written to the MCU link
// - CSV rows written by the session sink
//
// Usage:
//
//	bp := pool.GetBytes()
//	defer pool.PutBytes(bp)
//	*bp = append((*bp)[:0], ...)
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
)

const (
	// A message block never exceeds 64 bytes.
	frameCap = 64
	// Buffers that grew past this are left to the GC.
	maxBytesCap = 4096

	rowCap    = 16
	maxRowCap = 256
)

var bytesPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, frameCap)
		return &b
	},
}

// GetBytes gets an empty byte slice from the pool
func GetBytes() *[]byte {
	b := bytesPool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

// PutBytes returns a byte slice to the pool
func PutBytes(b *[]byte) {
	if b == nil || cap(*b) > maxBytesCap {
		return
	}
	bytesPool.Put(b)
}

var rowPool = sync.Pool{
	New: func() any {
		s := make([]string, 0, rowCap)
		return &s
	},
}

// GetRow gets an empty string slice from the pool
func GetRow() *[]string {
	s := rowPool.Get().(*[]string)
	*s = (*s)[:0]
	return s
}

// PutRow returns a string slice to the pool
func PutRow(s *[]string) {
	if s == nil || cap(*s) > maxRowCap {
		return
	}
	// Clear to allow GC of string contents
	clear((*s)[:cap(*s)])
	*s = (*s)[:0]
	rowPool.Put(s)
}
