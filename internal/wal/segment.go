// Package wal implements the per-tenant write-ahead log: segment
// files, framing, checksums, adaptive rotation, quota enforcement, and
// crash recovery.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/DonTee-Why/logstack/internal/model"
)

// headerMagic is 0x4C475354, the ASCII bytes "LGST".
const headerMagic uint32 = 0x4C475354

const headerVersion uint32 = 1

// headerSize is the fixed 32-byte segment header.
const headerSize = 32

// rotationSentinelCRC marks the optional zero-length trailer frame
// written on rotation for fast tail detection.
const rotationSentinelCRC uint32 = 0xFFFFFFFF

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

var (
	// ErrCorruptHeader is returned when a segment's header fails
	// magic/version validation.
	ErrCorruptHeader = errors.New("wal: corrupt segment header")
	// ErrTornTail is returned internally by the reader loop to signal a
	// truncated trailing frame; callers should treat it as a clean
	// stop, not an error.
	ErrTornTail = errors.New("wal: torn tail")
)

// segmentHeader is the fixed 32-byte prefix of every segment file.
type segmentHeader struct {
	Magic         uint32
	Version       uint32
	TokenHash     uint64
	CreatedUnixMs uint64
	Reserved      uint64
}

func (h segmentHeader) encode() []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint64(buf[8:16], h.TokenHash)
	binary.BigEndian.PutUint64(buf[16:24], h.CreatedUnixMs)
	binary.BigEndian.PutUint64(buf[24:32], h.Reserved)
	return buf
}

func decodeHeader(buf []byte, tokenHash uint64) (segmentHeader, error) {
	if len(buf) != headerSize {
		return segmentHeader{}, ErrCorruptHeader
	}
	h := segmentHeader{
		Magic:         binary.BigEndian.Uint32(buf[0:4]),
		Version:       binary.BigEndian.Uint32(buf[4:8]),
		TokenHash:     binary.BigEndian.Uint64(buf[8:16]),
		CreatedUnixMs: binary.BigEndian.Uint64(buf[16:24]),
		Reserved:      binary.BigEndian.Uint64(buf[24:32]),
	}
	if h.Magic != headerMagic || h.Version != headerVersion || h.TokenHash != tokenHash {
		return segmentHeader{}, ErrCorruptHeader
	}
	return h, nil
}

// tokenHash64 returns the 64-bit hash used both as the segment header's
// token_hash_u64 and (hex-encoded) as the tenant directory name
// (token_safe_name), so the token itself is never written to disk.
func tokenHash64(token string) uint64 {
	return xxhash.Sum64String(token)
}

// tokenSafeName is the hex directory name for a token. It is also
// the tenant id used pervasively as a WAL-external identity, so the
// raw token never has to cross that boundary.
func tokenSafeName(token string) string {
	return fmt.Sprintf("%016x", tokenHash64(token))
}

// TenantID exposes tokenSafeName to callers outside this package (the
// admin API), which need to turn an operator-supplied bearer token
// into the tenant id that Seal, ListSealed, and QuotaState expect.
func TenantID(token string) string {
	return tokenSafeName(token)
}

// hashFromSafeName inverts tokenSafeName, recovering the numeric hash
// a segment header should carry from the tenant id used to look it up.
func hashFromSafeName(id string) (uint64, error) {
	h, err := strconv.ParseUint(id, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("wal: invalid tenant id %q: %w", id, err)
	}
	return h, nil
}

// encodeRecord CBOR-encodes a NormalizedRecord using deterministic
// (sorted-key) encoding, matching the sorted-key JSON the record's
// Line already carries.
func encodeRecord(rec model.NormalizedRecord) ([]byte, error) {
	return cborEncMode.Marshal(struct {
		Labels     map[string]string `cbor:"labels"`
		Line       any               `cbor:"line"`
		IngestTime int64             `cbor:"ingest_time"`
	}{
		Labels:     rec.Labels,
		Line:       rec.Line.ToAny(),
		IngestTime: rec.IngestTime.UnixNano(),
	})
}

// writeFrame appends one framed record: len_u32_be, crc32c_u32_be,
// payload.
func writeFrame(w io.Writer, payload []byte) (int, error) {
	if len(payload) > 0xFFFFFFFF {
		return 0, fmt.Errorf("wal: payload too large: %d bytes", len(payload))
	}
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.Checksum(payload, castagnoliTable))
	if _, err := w.Write(header); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return len(header) + len(payload), nil
}

// writeRotationSentinel appends the optional zero-length trailer frame
// written on rotation.
func writeRotationSentinel(w io.Writer) (int, error) {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], 0)
	binary.BigEndian.PutUint32(header[4:8], rotationSentinelCRC)
	if _, err := w.Write(header); err != nil {
		return 0, err
	}
	return len(header), nil
}

// readFrame reads one frame from r. io.EOF at a frame boundary is a
// clean end of file. ErrTornTail signals a length prefix whose payload
// wasn't fully written (crash mid-append): callers stop replay
// without treating it as corruption. A CRC mismatch is corruption
// and is reported distinctly so callers can count it.
func readFrame(r *bufio.Reader) (payload []byte, isSentinel bool, err error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, false, io.EOF
		}
		// A partial header is itself a torn tail.
		return nil, false, ErrTornTail
	}
	length := binary.BigEndian.Uint32(header[0:4])
	wantCRC := binary.BigEndian.Uint32(header[4:8])

	if length == 0 && wantCRC == rotationSentinelCRC {
		return nil, true, nil
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, false, ErrTornTail
	}
	gotCRC := crc32.Checksum(payload, castagnoliTable)
	if gotCRC != wantCRC {
		return nil, false, fmt.Errorf("wal: crc mismatch: %w", errCorruptFrame)
	}
	return payload, false, nil
}

var errCorruptFrame = errors.New("corrupt frame")

// decodeRecord is the inverse of encodeRecord.
func decodeRecord(payload []byte) (model.NormalizedRecord, error) {
	var wire struct {
		Labels     map[string]string `cbor:"labels"`
		Line       any               `cbor:"line"`
		IngestTime int64             `cbor:"ingest_time"`
	}
	if err := cbor.Unmarshal(payload, &wire); err != nil {
		return model.NormalizedRecord{}, err
	}
	return model.NormalizedRecord{
		Labels:     wire.Labels,
		Line:       fromCBORAny(wire.Line),
		IngestTime: unixNanoToTime(wire.IngestTime),
	}, nil
}

// openSegmentFile opens path for appending and returns the
// fsync-capable *os.File; the caller wraps it in its own buffered
// writer for frame writes.
func openSegmentFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
}
