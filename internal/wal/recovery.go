package wal

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Recover scans the WAL root on startup, rebuilding in-memory tenant
// state from whatever is on disk. Every previously-active segment is
// treated as sealed on restart, torn tail truncated first: writing
// never resumes into an old segment, so a tenant that goes quiet after
// restart still gets its pre-crash data forwarded on the next
// forwarder pass. Segments with an unreadable or mismatched header are
// deleted and counted in segments_corrupt_total; files shorter than a
// header are deleted without being counted.
func (m *Manager) Recover() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(m.root, 0o755)
		}
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := m.recoverTenantDir(e.Name()); err != nil {
			m.log.Warn().Err(err).Str("dir", e.Name()).Msg("wal: recovery skipped tenant dir")
		}
	}
	return nil
}

func (m *Manager) recoverTenantDir(dirName string) error {
	dir := filepath.Join(m.root, dirName)
	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type seqFile struct {
		seq  uint64
		name string
	}
	var segs []seqFile
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		seq, ok := parseSegmentSeq(f.Name())
		if !ok {
			continue
		}
		segs = append(segs, seqFile{seq, f.Name()})
	}
	if len(segs) == 0 {
		return nil
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })

	ts := &tenantState{
		token:     dirName,
		tokenHash: 0,
		dir:       dir,
		nextSeq:   segs[len(segs)-1].seq + 1,
	}

	var tokenHash uint64
	var haveHash bool
	var oldestTime time.Time

	for i, sf := range segs {
		path := filepath.Join(dir, sf.name)
		info, statErr := os.Stat(path)
		if statErr != nil {
			continue
		}
		if info.Size() < headerSize {
			// Zero-length or truncated-header segment: not recoverable,
			// discard it.
			os.Remove(path)
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			continue
		}
		hdrBuf := make([]byte, headerSize)
		if _, err := io.ReadFull(f, hdrBuf); err != nil {
			f.Close()
			os.Remove(path)
			m.noteCorrupt(dirName)
			continue
		}

		var hdr segmentHeader
		if haveHash {
			hdr, err = decodeHeader(hdrBuf, tokenHash)
		} else {
			// First segment in the directory establishes the expected
			// token hash for the rest; still requires magic/version match.
			hdr, err = decodeHeaderAnyToken(hdrBuf)
			if err == nil {
				tokenHash = hdr.TokenHash
				haveHash = true
			}
		}
		if err != nil {
			f.Close()
			os.Remove(path)
			m.noteCorrupt(dirName)
			continue
		}

		isLast := i == len(segs)-1
		lastGoodOffset, sawSentinel, count := scanSegmentTail(f)
		f.Close()

		if isLast && !sawSentinel {
			// This was the active segment when the process stopped.
			// Truncate any torn tail (a normal consequence of an unclean
			// shutdown, not corruption) and seal it as-is: writing never
			// resumes into an old segment.
			if lastGoodOffset < info.Size() {
				if err := os.Truncate(path, lastGoodOffset); err == nil {
					info, _ = os.Stat(path)
				}
			}
			if count == 0 {
				// Nothing but a header (and maybe a torn partial frame)
				// ever made it to disk; there is nothing to forward.
				os.Remove(path)
				continue
			}
		}

		ts.sealed = append(ts.sealed, SegmentHandle{
			Token:   dirName,
			Seq:     sf.seq,
			Path:    path,
			Size:    info.Size(),
			Created: time.UnixMilli(int64(hdr.CreatedUnixMs)),
		})
		ts.bytesOnDisk += info.Size()
	}

	ts.tokenHash = tokenHash
	ts.oldestRecordTime = oldestTime

	m.mu.Lock()
	m.tenants[dirName] = ts
	m.mu.Unlock()
	return nil
}

// decodeHeaderAnyToken validates magic/version without checking the
// token hash, used the first time a tenant directory's hash is
// discovered during recovery.
func decodeHeaderAnyToken(buf []byte) (segmentHeader, error) {
	if len(buf) != headerSize {
		return segmentHeader{}, ErrCorruptHeader
	}
	h := segmentHeader{
		Magic:   beUint32(buf[0:4]),
		Version: beUint32(buf[4:8]),
	}
	if h.Magic != headerMagic || h.Version != headerVersion {
		return segmentHeader{}, ErrCorruptHeader
	}
	h.TokenHash = beUint64(buf[8:16])
	h.CreatedUnixMs = beUint64(buf[16:24])
	h.Reserved = beUint64(buf[24:32])
	return h, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// scanSegmentTail walks every frame after the header, returning the
// file offset just past the last well-formed frame, whether a
// rotation sentinel was seen, and how many data records were found.
// It never returns an error: any corruption or truncation simply ends
// the scan at the last good offset, which is exactly what recovery
// needs to decide where to truncate.
func scanSegmentTail(f *os.File) (lastGoodOffset int64, sawSentinel bool, count int) {
	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		return headerSize, false, 0
	}
	r := bufio.NewReader(f)
	offset := int64(headerSize)
	for {
		payload, isSentinel, err := readFrame(r)
		if err != nil {
			break
		}
		frameLen := int64(8 + len(payload))
		offset += frameLen
		if isSentinel {
			sawSentinel = true
			break
		}
		count++
	}
	return offset, sawSentinel, count
}
