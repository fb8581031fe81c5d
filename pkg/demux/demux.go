// Package demux decodes the 8-byte-framed multiplexed stream format the
// container engine uses for non-TTY stdout/stderr. Each frame is an 8-byte
// header (byte 0 = stream descriptor 0/1/2, bytes 1-3 zero, bytes 4-7
// big-endian payload length) followed by the payload.
//
// The engine delivers unframed bytes when a container was created with a
// TTY, so the decoder falls back to raw passthrough the moment it sees a
// structurally invalid header: the header bytes themselves and everything
// after them are surfaced verbatim.
package demux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	headerLen = 8
	// descIndex is the offset of the stream descriptor byte.
	descIndex = 0
	// sizeIndex is the offset of the big-endian uint32 payload length.
	sizeIndex = 4
	// maxDesc is the highest valid stream descriptor (stdin/stdout/stderr).
	maxDesc = 2
)

// validHeader reports whether hdr is a structurally valid frame header.
func validHeader(hdr []byte) bool {
	return hdr[descIndex] <= maxDesc &&
		hdr[1] == 0 && hdr[2] == 0 && hdr[3] == 0
}

// Reader strips frame headers from a multiplexed stream, yielding the
// concatenation of frame payloads. On the first structurally invalid
// header it switches permanently to raw passthrough, re-emitting the
// offending bytes first. Reader is not safe for concurrent use.
type Reader struct {
	src io.Reader

	raw     bool // passthrough mode after an invalid header
	pending int  // payload bytes remaining in the current frame
	carry   []byte
	hdr     [headerLen]byte
}

// NewReader wraps src for frame decoding.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		// Drain carried-over bytes (header re-emission on fallback).
		if len(r.carry) > 0 {
			n := copy(p, r.carry)
			r.carry = r.carry[n:]
			return n, nil
		}

		if r.raw {
			return r.src.Read(p)
		}

		// Inside a frame: hand payload bytes straight through.
		if r.pending > 0 {
			limit := len(p)
			if limit > r.pending {
				limit = r.pending
			}
			n, err := r.src.Read(p[:limit])
			r.pending -= n
			if n == 0 && err == nil {
				continue
			}
			return n, err
		}

		n, err := io.ReadFull(r.src, r.hdr[:])
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) && n > 0 {
				// Partial header at stream end: surface it raw.
				r.raw = true
				r.carry = append(r.carry[:0], r.hdr[:n]...)
				continue
			}
			return 0, err
		}

		if !validHeader(r.hdr[:]) {
			r.raw = true
			r.carry = append(r.carry[:0], r.hdr[:]...)
			continue
		}

		r.pending = int(binary.BigEndian.Uint32(r.hdr[sizeIndex : sizeIndex+4]))
		// Zero-length frames carry nothing; loop to the next header.
	}
}

// LineBuffer reassembles byte chunks into complete lines. Input is split
// on "\n" with a preceding "\r" trimmed; an incomplete trailing line is
// held until the terminator arrives or Flush is called.
type LineBuffer struct {
	buf bytes.Buffer
}

// Append adds a chunk and returns the complete lines it closed off.
func (b *LineBuffer) Append(chunk []byte) []string {
	b.buf.Write(chunk)

	var lines []string
	for {
		data := b.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := data[:i]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		lines = append(lines, string(line))
		b.buf.Next(i + 1)
	}
	return lines
}

// Flush returns the buffered partial line, if any, and resets the buffer.
func (b *LineBuffer) Flush() (string, bool) {
	if b.buf.Len() == 0 {
		return "", false
	}
	line := b.buf.String()
	b.buf.Reset()
	return line, true
}

// Len reports the number of buffered (incomplete) bytes.
func (b *LineBuffer) Len() int {
	return b.buf.Len()
}
