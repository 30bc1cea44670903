package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/DonTee-Why/logstack/internal/model"
)

// RecordIterator reads records out of one sealed segment in order,
// stopping cleanly at EOF or at a rotation sentinel.
type RecordIterator struct {
	f    *os.File
	r    *bufio.Reader
	done bool
}

// OpenReader opens a sealed segment for sequential replay, verifying
// its header before returning.
func (m *Manager) OpenReader(handle SegmentHandle) (*RecordIterator, error) {
	f, err := os.Open(handle.Path)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment for read: %w", err)
	}
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: read header: %w", err)
	}
	expectedHash, err := hashFromSafeName(handle.Token)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := decodeHeader(buf, expectedHash); err != nil {
		f.Close()
		m.noteCorrupt(handle.Token)
		return nil, err
	}
	return &RecordIterator{f: f, r: bufio.NewReader(f)}, nil
}

// Next returns the next record, or (zero, io.EOF) once the segment's
// data is exhausted (whether by a clean rotation sentinel, natural
// EOF, or a torn tail left by a crash mid-append).
func (it *RecordIterator) Next() (model.NormalizedRecord, error) {
	if it.done {
		return model.NormalizedRecord{}, io.EOF
	}
	payload, isSentinel, err := readFrame(it.r)
	if err != nil {
		it.done = true
		if errors.Is(err, io.EOF) || errors.Is(err, ErrTornTail) {
			return model.NormalizedRecord{}, io.EOF
		}
		return model.NormalizedRecord{}, err
	}
	if isSentinel {
		it.done = true
		return model.NormalizedRecord{}, io.EOF
	}
	return decodeRecord(payload)
}

// Close releases the underlying file handle.
func (it *RecordIterator) Close() error {
	return it.f.Close()
}
