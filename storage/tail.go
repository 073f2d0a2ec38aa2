package storage

import (
	"bytes"
	"io"
	"slices"
)

const maxTailPrealloc = 1024

// tailLines returns the last n complete, non-blank lines of r (of the given size) in file order.
// It reads backwards in blockSize chunks, so memory stays bounded by the returned lines plus one block.
// Bytes after the last newline are ignored since they belong to a write that hasn't finished.
func tailLines(r io.ReaderAt, size int64, n int, blockSize int) ([][]byte, error) {
	if n <= 0 || size == 0 {
		return [][]byte{}, nil
	}

	var (
		pos        = size
		terminated bool
		// carry holds the beginning of a line whose start hasn't been read yet.
		carry    []byte
		reversed = make([][]byte, 0, tailCapacity(size, n))
	)

	for pos > 0 && len(reversed) < n {
		readSize := int64(blockSize)
		if readSize > pos {
			readSize = pos
		}
		pos -= readSize

		chunk := make([]byte, readSize)
		if _, err := r.ReadAt(chunk, pos); err != nil && err != io.EOF {
			return nil, err
		}

		if !terminated {
			idx := bytes.LastIndexByte(chunk, '\n')
			if idx < 0 {
				// Still inside the unterminated tail.
				continue
			}
			chunk = chunk[:idx]
			terminated = true
			carry = nil
		}

		buf := append(chunk, carry...)
		end := len(buf)

		for i := end - 1; i >= 0 && len(reversed) < n; i-- {
			if buf[i] != '\n' {
				continue
			}

			if line := trimLine(buf[i+1 : end]); line != nil {
				reversed = append(reversed, line)
			}
			end = i
		}

		carry = slices.Clone(buf[:end])
	}

	if pos == 0 && terminated && len(reversed) < n {
		if line := trimLine(carry); line != nil {
			reversed = append(reversed, line)
		}
	}

	slices.Reverse(reversed)

	return reversed, nil
}

// tailCapacity bounds the preallocation by what the file can hold, n comes from clients.
// A record takes at least two bytes, one character and its newline.
func tailCapacity(size int64, n int) int {
	return int(min(int64(n), size/2+1, maxTailPrealloc))
}

func trimLine(line []byte) []byte {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}

	return line
}
