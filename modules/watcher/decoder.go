package watcher

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Record actions written by ReadDirectoryChangesW.
const (
	actionAdded          = 1
	actionRemoved        = 2
	actionModified       = 3
	actionRenamedOldName = 4
	actionRenamedNewName = 5
)

// recordHeaderSize covers NextEntryOffset, Action and FileNameLength.
const recordHeaderSize = 12

// Change is one decoded change record. Path is relative to the watched root.
type Change struct {
	Type ChangeType
	Path string
}

// Decoder walks the change records of one filled buffer. Usage follows
// bufio.Scanner:
//
//	d := NewDecoder(buf, n)
//	for d.Next() {
//		c := d.Change()
//	}
//	if err := d.Err(); err != nil {
//		...
//	}
type Decoder struct {
	buf  []byte
	off  int
	done bool
	cur  Change
	err  error
	utf  *encoding.Decoder
}

// NewDecoder returns a decoder over the first n bytes of buf.
func NewDecoder(buf []byte, n int) *Decoder {
	d := &Decoder{
		utf: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder(),
	}

	switch {
	case n < 0 || n > len(buf):
		d.fail("reported %d bytes for a buffer of %d", n, len(buf))
	case n == 0:
		d.done = true
	default:
		d.buf = buf[:n]
	}

	return d
}

// Next advances to the next record with a non-empty name. It returns false
// at the end of the buffer or on the first malformed record.
func (d *Decoder) Next() bool {
	for !d.done {
		rest := d.buf[d.off:]
		if len(rest) < recordHeaderSize {
			d.fail("record at offset %d has %d bytes, header needs %d", d.off, len(rest), recordHeaderSize)
			return false
		}

		next := binary.LittleEndian.Uint32(rest[0:4])
		action := binary.LittleEndian.Uint32(rest[4:8])
		nameLen := binary.LittleEndian.Uint32(rest[8:12])

		// The last record extends to the end of the reported bytes
		end := uint64(len(rest))
		if next != 0 {
			if uint64(next) > end || next < recordHeaderSize {
				d.fail("record at offset %d points to next record at %d, beyond %d bytes", d.off, next, len(rest))
				return false
			}
			end = uint64(next)
		}

		if nameLen%2 != 0 || recordHeaderSize+uint64(nameLen) > end {
			d.fail("record at offset %d declares a %d byte name in %d bytes", d.off, nameLen, end)
			return false
		}

		name := rest[recordHeaderSize : recordHeaderSize+nameLen]
		if next == 0 {
			d.done = true
		} else {
			d.off += int(next)
		}

		if nameLen == 0 {
			continue
		}

		path, err := d.utf.Bytes(name)
		if err != nil {
			d.fail("record name is not valid UTF-16: %v", err)
			return false
		}

		d.cur = Change{Type: changeTypeOf(action), Path: string(path)}
		return true
	}

	return false
}

// Change returns the record decoded by the last successful call to Next.
func (d *Decoder) Change() Change {
	return d.cur
}

// Err returns the error that stopped decoding, if any. It wraps
// ErrMalformedNotification.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) fail(format string, args ...interface{}) {
	d.done = true
	d.err = fmt.Errorf("%w: %s", ErrMalformedNotification, fmt.Sprintf(format, args...))
}

func changeTypeOf(action uint32) ChangeType {
	switch action {
	case actionAdded:
		return ChangeCreated
	case actionRemoved:
		return ChangeDeleted
	case actionModified:
		return ChangeModified
	case actionRenamedOldName:
		return ChangeRenamedOld
	case actionRenamedNewName:
		return ChangeRenamedNew
	default:
		return ChangeUnknown
	}
}
