package ckpt

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/vocpar/vocpar/internal/tensor"
)

// Write serialises the full weight matrix, and the bias when non-nil, to w.
func Write(w io.Writer, weight *tensor.Mat, bias []float32) error {
	if weight.Stride != weight.C {
		return fmt.Errorf("checkpoint weights must be densely packed")
	}
	if bias != nil && len(bias) != weight.R {
		return fmt.Errorf("bias length %d does not match %d rows", len(bias), weight.R)
	}

	var header [headerSize]byte
	copy(header[:4], magic[:])
	binary.LittleEndian.PutUint16(header[4:6], version)
	var flags uint16
	if bias != nil {
		flags |= flagBias
	}
	binary.LittleEndian.PutUint16(header[6:8], flags)
	binary.LittleEndian.PutUint32(header[8:12], uint32(weight.R))
	binary.LittleEndian.PutUint32(header[12:16], uint32(weight.C))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if err := writeF32(w, weight.Data); err != nil {
		return err
	}
	if bias != nil {
		return writeF32(w, bias)
	}
	return nil
}

// WriteFile serialises a checkpoint to path, replacing any existing file.
func WriteFile(path string, weight *tensor.Mat, bias []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := Write(bw, weight, bias); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeF32(w io.Writer, vals []float32) error {
	var buf [4]byte
	for _, v := range vals {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}
