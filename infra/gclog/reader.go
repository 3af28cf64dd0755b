package gclog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Reader iterates one segment file frame by frame.
type Reader struct {
	file *os.File
	r    *bufio.Reader
	ev   *Event
	err  error
}

// OpenSegment opens one segment for reading.
func OpenSegment(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, r: bufio.NewReader(f)}, nil
}

// Next advances to the next event, reporting false at end of segment or
// on a corrupt frame. Err distinguishes the two.
func (r *Reader) Next() bool {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if err != io.EOF {
			r.err = err
		}
		return false
	}
	payload := make([]byte, binary.LittleEndian.Uint32(header[:4]))
	if _, err := io.ReadFull(r.r, payload); err != nil {
		r.err = ErrCorruptEvent
		return false
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(header[4:]) {
		r.err = ErrCorruptEvent
		return false
	}
	ev, err := decodeEvent(payload)
	if err != nil {
		r.err = err
		return false
	}
	r.ev = ev
	return true
}

// Event returns the event Next stopped on.
func (r *Reader) Event() *Event { return r.ev }

// Err returns the terminal error, nil at a clean end of segment.
func (r *Reader) Err() error { return r.err }

// Close releases the segment file.
func (r *Reader) Close() error { return r.file.Close() }

// Replay walks every sealed segment in sequence order, then the current
// segment, calling apply for each event with Seq > afterSeq.
func Replay(dir string, afterSeq uint64, apply func(*Event)) error {
	entries, err := loadIndex(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FirstSeq < entries[j].FirstSeq })

	for _, seg := range entries {
		if seg.LastSeq <= afterSeq {
			continue
		}
		if err := replayFile(filepath.Join(dir, seg.File), afterSeq, apply); err != nil {
			return err
		}
	}
	current := filepath.Join(dir, currentName)
	if _, err := os.Stat(current); err == nil {
		return replayFile(current, afterSeq, apply)
	}
	return nil
}

func replayFile(path string, afterSeq uint64, apply func(*Event)) error {
	r, err := OpenSegment(path)
	if err != nil {
		return err
	}
	defer r.Close()
	for r.Next() {
		if ev := r.Event(); ev.Seq > afterSeq {
			apply(ev)
		}
	}
	if err := r.Err(); err != nil && !errors.Is(err, ErrCorruptEvent) {
		return err
	}
	return nil
}
