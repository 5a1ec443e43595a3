// Package ckpt reads and writes the flat checkpoint file that feeds the
// weight-loading phase: one full [vocab, dim] float32 embedding matrix plus
// an optional per-vocab-entry bias vector. Files are mapped read-only where
// the platform allows, so shard loading touches only the pages it copies.
package ckpt

import "errors"

const (
	headerSize = 16
	version    = 1

	flagBias = 1 << 0
)

// magic identifies a vocpar checkpoint file.
var magic = [4]byte{'V', 'C', 'P', 'T'}

var (
	ErrInvalidMagic       = errors.New("invalid checkpoint magic")
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
	ErrCorruptFile        = errors.New("corrupt checkpoint file")
)
