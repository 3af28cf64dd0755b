// Package gclog persists GC events to segmented, CRC-framed log files.
// The collector appends cycle, phase, and error events; operators read
// them back with the Reader to reconstruct what the collector did and
// when.
package gclog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// frameHeaderSize is length(4) + CRC(4) in front of every payload.
const frameHeaderSize = 8

// currentName is the segment being appended to.
const currentName = "current.glog"

// Config tunes the log.
type Config struct {
	Dir           string
	SegmentSize   uint64
	SegmentAge    time.Duration
	FlushInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.SegmentSize == 0 {
		c.SegmentSize = 2 * 1024 * 1024
	}
	if c.SegmentAge == 0 {
		c.SegmentAge = 5 * time.Minute
	}
}

// Log is the append side. Safe for concurrent appenders; every frame is
// written under one lock.
type Log struct {
	cfg Config

	mu              sync.Mutex
	file            *os.File
	buf             []byte
	seq             uint64
	segmentID       int
	segmentStartSeq uint64
	bytesWritten    uint64
	lastRotation    time.Time
	closed          bool

	flushDone chan struct{}
}

// Open creates or resumes the log in cfg.Dir. A partially written tail
// frame in the current segment is truncated away.
func Open(cfg Config) (*Log, error) {
	cfg.applyDefaults()
	if cfg.Dir == "" {
		return nil, errors.New("gclog: empty directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	l := &Log{cfg: cfg, lastRotation: time.Now()}
	if last, _ := loadLastIndex(cfg.Dir); last != nil {
		l.segmentID = last.ID
		l.seq = last.LastSeq
	}
	l.segmentStartSeq = l.seq + 1

	f, err := os.OpenFile(filepath.Join(cfg.Dir, currentName),
		os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open current segment: %w", err)
	}
	l.file = f
	if err := l.recover(); err != nil {
		f.Close()
		return nil, err
	}

	if cfg.FlushInterval > 0 {
		l.flushDone = make(chan struct{})
		go l.autoFlush()
	}
	return l, nil
}

// Append writes one event and assigns its sequence number.
func (l *Log) Append(typ EventType, cycle uint64, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("gclog: append after close")
	}

	ev := &Event{Seq: l.seq + 1, Type: typ, Time: time.Now().UnixNano(), Cycle: cycle, Detail: detail}
	payload := encodeEvent(ev)

	if l.shouldRotate(frameHeaderSize + len(payload)) {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	frame := l.buf[:0]
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:], crc32.ChecksumIEEE(payload))
	frame = append(frame, header[:]...)
	frame = append(frame, payload...)
	if _, err := l.file.Write(frame); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	l.buf = frame[:0]
	l.seq = ev.Seq
	l.bytesWritten += uint64(len(frame))
	return nil
}

// Sync flushes the current segment to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.file.Sync()
}

// Close finalizes the current segment and stops the flusher.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.flushDone != nil {
		close(l.flushDone)
	}
	if l.bytesWritten > 0 {
		if err := l.sealLocked(); err != nil {
			return err
		}
	} else {
		l.file.Close()
		os.Remove(filepath.Join(l.cfg.Dir, currentName))
	}
	return nil
}

// Seq returns the last assigned sequence number.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *Log) shouldRotate(nextSize int) bool {
	if l.bytesWritten == 0 {
		return false
	}
	return l.bytesWritten+uint64(nextSize) >= l.cfg.SegmentSize ||
		time.Since(l.lastRotation) >= l.cfg.SegmentAge
}

// sealLocked syncs, closes, and renames the current segment, recording
// it in the index. Caller holds mu.
func (l *Log) sealLocked() error {
	l.file.Sync()
	l.file.Close()

	l.segmentID++
	name := fmt.Sprintf("%06d.glog", l.segmentID)
	if err := os.Rename(filepath.Join(l.cfg.Dir, currentName), filepath.Join(l.cfg.Dir, name)); err != nil {
		return fmt.Errorf("seal segment: %w", err)
	}
	return appendIndexEntry(l.cfg.Dir, indexEntry{
		ID:       l.segmentID,
		File:     name,
		FirstSeq: l.segmentStartSeq,
		LastSeq:  l.seq,
		SealedAt: time.Now().Format(time.RFC3339),
	})
}

func (l *Log) rotate() error {
	if err := l.sealLocked(); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, currentName),
		os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open fresh segment: %w", err)
	}
	l.file = f
	l.segmentStartSeq = l.seq + 1
	l.bytesWritten = 0
	l.lastRotation = time.Now()
	return nil
}

// recover scans the current segment and truncates a torn tail frame.
func (l *Log) recover() error {
	info, err := l.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	var valid int64
	var header [frameHeaderSize]byte
	r := io.NewSectionReader(l.file, 0, info.Size())
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return err
		}
		payload := make([]byte, binary.LittleEndian.Uint32(header[:4]))
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(header[4:]) {
			break
		}
		ev, err := decodeEvent(payload)
		if err != nil {
			break
		}
		l.seq = ev.Seq
		valid += int64(frameHeaderSize + len(payload))
	}
	if valid < info.Size() {
		if err := l.file.Truncate(valid); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	if _, err := l.file.Seek(valid, io.SeekStart); err != nil {
		return err
	}
	l.bytesWritten = uint64(valid)
	return nil
}

func (l *Log) autoFlush() {
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = l.Sync()
		case <-l.flushDone:
			return
		}
	}
}
