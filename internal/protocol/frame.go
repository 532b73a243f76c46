// Package protocol implements the client wire protocol: length-prefixed
// JSON frames plus the message envelope and the server-originated message
// constructors.
//
// Framing is a 4-byte big-endian unsigned payload length followed by that
// many payload bytes. The WebSocket transport skips this layer and relies on
// its own message framing.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the frame length prefix in bytes.
const HeaderSize = 4

// ErrFrameTooLarge is returned when a declared payload length exceeds the
// configured maximum. The session destroys the socket on it.
type ErrFrameTooLarge struct {
	Declared int
	Max      int
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds limit %d", e.Declared, e.Max)
}

// WriteFrame writes one framed payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// Decoder incrementally splits a byte stream into frames. Partial input is
// buffered until the rest arrives; a declared length over the maximum is a
// hard error and the stream must be abandoned.
type Decoder struct {
	max int
	buf bytes.Buffer
}

// NewDecoder creates a Decoder enforcing the given payload size limit.
func NewDecoder(maxPayload int) *Decoder {
	return &Decoder{max: maxPayload}
}

// Push appends received bytes and returns every complete frame payload now
// available. A frame whose declared length exceeds the limit returns
// ErrFrameTooLarge; the decoder is unusable afterwards.
func (d *Decoder) Push(data []byte) ([][]byte, error) {
	d.buf.Write(data)

	var frames [][]byte
	for {
		raw := d.buf.Bytes()
		if len(raw) < HeaderSize {
			return frames, nil
		}
		declared := int(binary.BigEndian.Uint32(raw[:HeaderSize]))
		if declared > d.max {
			return frames, &ErrFrameTooLarge{Declared: declared, Max: d.max}
		}
		if len(raw) < HeaderSize+declared {
			// Keep the partial remainder for the next read.
			return frames, nil
		}
		payload := make([]byte, declared)
		copy(payload, raw[HeaderSize:HeaderSize+declared])
		d.buf.Next(HeaderSize + declared)
		frames = append(frames, payload)
	}
}

// Buffered returns the number of bytes awaiting frame completion.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}
