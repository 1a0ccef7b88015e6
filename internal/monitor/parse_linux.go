package monitor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"

	"golang.org/x/sys/unix"

	"github.com/modula-sync/modula/internal/task"
)

// ErrMalformedRecord is yielded when a record's declared size overruns the
// bytes left in the buffer.
var ErrMalformedRecord = errors.New("malformed inotify record")

// recordHeaderSize is sizeof(struct inotify_event) without the trailing name.
const recordHeaderSize = unix.SizeofInotifyEvent

// Record is one decoded inotify_event.
type Record struct {
	WatchID int32
	Mask    uint32
	Cookie  uint32
	Name    string
}

// parseRecords decodes buf lazily. Each record is a fixed 16-byte header
// (wd, mask, cookie, len) followed by len bytes of NUL-padded name. Decoding
// stops at the first record whose header or name does not fit.
func parseRecords(buf []byte) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for off := 0; off < len(buf); {
			rest := buf[off:]
			if len(rest) < recordHeaderSize {
				yield(Record{}, fmt.Errorf("%w: %d trailing bytes, header needs %d",
					ErrMalformedRecord, len(rest), recordHeaderSize))
				return
			}

			rec := Record{
				WatchID: int32(binary.NativeEndian.Uint32(rest[0:4])),
				Mask:    binary.NativeEndian.Uint32(rest[4:8]),
				Cookie:  binary.NativeEndian.Uint32(rest[8:12]),
			}
			nameLen := binary.NativeEndian.Uint32(rest[12:16])
			if uint64(nameLen) > uint64(len(rest)-recordHeaderSize) {
				yield(Record{}, fmt.Errorf("%w: name length %d exceeds %d remaining bytes",
					ErrMalformedRecord, nameLen, len(rest)-recordHeaderSize))
				return
			}

			raw := rest[recordHeaderSize : recordHeaderSize+int(nameLen)]
			if i := bytes.IndexByte(raw, 0); i >= 0 {
				raw = raw[:i]
			}
			rec.Name = string(raw)

			off += recordHeaderSize + int(nameLen)
			if !yield(rec, nil) {
				return
			}
		}
	}
}

const watchMask = unix.IN_CREATE | unix.IN_MODIFY | unix.IN_DELETE | unix.IN_MOVED_TO | unix.IN_MOVED_FROM

// actionForMask maps an inotify mask onto a replication action. A rename
// inside a watched tree arrives as a moved-from/moved-to pair and becomes a
// remove plus a create.
func actionForMask(mask uint32) (task.Action, bool) {
	switch {
	case mask&unix.IN_CREATE != 0:
		return task.ActionCreate, true
	case mask&unix.IN_MODIFY != 0:
		return task.ActionUpdate, true
	case mask&unix.IN_DELETE != 0:
		return task.ActionRemove, true
	case mask&unix.IN_MOVED_TO != 0:
		return task.ActionCreate, true
	case mask&unix.IN_MOVED_FROM != 0:
		return task.ActionRemove, true
	default:
		return task.ActionInvalid, false
	}
}
