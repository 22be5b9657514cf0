package packet

import (
	"encoding/binary"
	"fmt"
)

var networkOrder = binary.BigEndian

// Writer assembles a packet in a fixed-size buffer, writing multi-byte values
// in network order.
type Writer struct {
	buffer []byte
	offset int
}

func NewWriter(buffer []byte) *Writer {
	return &Writer{buffer, 0}
}

func NewWriterSize(n int) *Writer {
	return NewWriter(make([]byte, n))
}

func (w *Writer) WriteByte(v byte) {
	w.buffer[w.offset] = v
	w.offset++
}

func (w *Writer) WriteUint16(v uint16) {
	networkOrder.PutUint16(w.buffer[w.offset:], v)
	w.offset += 2
}

func (w *Writer) WriteUint32(v uint32) {
	networkOrder.PutUint32(w.buffer[w.offset:], v)
	w.offset += 4
}

// Write the given bytes, if there is enough room.
func (w *Writer) WriteSlice(p []byte) error {
	if err := w.CheckCapacity(len(p)); err != nil {
		return err
	}
	w.offset += copy(w.buffer[w.offset:], p)
	return nil
}

func (w *Writer) WriteString(s string) error {
	if err := w.CheckCapacity(len(s)); err != nil {
		return err
	}
	w.offset += copy(w.buffer[w.offset:], s)
	return nil
}

// PutUint16At overwrites a previously written 16-bit value, e.g. a length
// field whose final value is only known once the packet is complete.
func (w *Writer) PutUint16At(offset int, v uint16) {
	networkOrder.PutUint16(w.buffer[offset:], v)
}

// Pad with zeros up to the next multiple of width, e.g. Align(4) adds zero
// bytes until the next 4-byte boundary.
func (w *Writer) Align(width int) {
	boundary := width * ((w.offset + width - 1) / width)
	for w.offset < boundary {
		w.buffer[w.offset] = 0
		w.offset++
	}
}

// Return the number of bytes written so far.
func (w *Writer) Length() int {
	return w.offset
}

// Bytes returns the assembled packet.
func (w *Writer) Bytes() []byte {
	return w.buffer[:w.offset]
}

func (w *Writer) CheckCapacity(needed int) error {
	if len(w.buffer)-w.offset < needed {
		return fmt.Errorf("%d bytes of capacity left, %d needed", len(w.buffer)-w.offset, needed)
	}
	return nil
}
