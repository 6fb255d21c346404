// Package segment implements the append-only file backend. Events are
// framed, length-delimited records in bounded segment files; a segment
// seals with a checksum (and optional signature) when it reaches its
// size limit or on graceful shutdown, and sealed segments are never
// written again.
package segment

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"chronicle/internal/audit"
	"chronicle/pkg/platform/sentinel"
)

// Frame kinds. Every record in a segment file is one frame:
// a kind byte, a big-endian uint32 payload length, then the payload.
const (
	frameHeader byte = 'H'
	frameEvent  byte = 'E'
	frameSeal   byte = 'S'
)

const frameOverhead = 5 // kind byte + uint32 length

// maxFramePayload caps a single record; anything larger is corruption.
const maxFramePayload = 16 << 20

// Header opens every segment file.
type Header struct {
	SegmentID     string    `json:"segment_id"`
	CreatedAt     time.Time `json:"created_at"`
	FirstSequence uint64    `json:"first_sequence,omitempty"`
	Epoch         string    `json:"epoch,omitempty"`
}

// Seal closes a segment. Checksum is the sha256 over every byte that
// precedes the seal frame, so any flipped bit in the header or an event
// record invalidates it.
type Seal struct {
	EventCount   int       `json:"event_count"`
	LastSequence uint64    `json:"last_sequence,omitempty"`
	Checksum     string    `json:"checksum"`
	Signature    string    `json:"signature,omitempty"`
	SignedBy     string    `json:"signed_by,omitempty"`
	SealedAt     time.Time `json:"sealed_at"`
}

// writeFrame appends one frame and returns its starting offset.
func writeFrame(f *os.File, offset int64, kind byte, payload []byte) (int64, error) {
	buf := make([]byte, frameOverhead+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	if _, err := f.Write(buf); err != nil {
		return 0, fmt.Errorf("write frame: %w", err)
	}
	return offset, nil
}

// readFrameAt reads the frame starting at offset.
func readFrameAt(f io.ReaderAt, offset int64) (kind byte, payload []byte, next int64, err error) {
	var head [frameOverhead]byte
	if _, err := f.ReadAt(head[:], offset); err != nil {
		return 0, nil, 0, err
	}
	length := binary.BigEndian.Uint32(head[1:5])
	if length > maxFramePayload {
		return 0, nil, 0, fmt.Errorf("frame at offset %d: implausible length %d", offset, length)
	}
	payload = make([]byte, length)
	if _, err := f.ReadAt(payload, offset+frameOverhead); err != nil {
		return 0, nil, 0, fmt.Errorf("frame payload at offset %d: %w", offset, err)
	}
	return head[0], payload, offset + frameOverhead + int64(length), nil
}

// writer is an open, unsealed segment.
type writer struct {
	id      string
	path    string
	file    *os.File
	offset  int64
	count   int
	header  Header
	lastSeq uint64
}

// newWriter creates a fresh segment file and writes its header frame.
func newWriter(path, id, epoch string, firstSeq uint64) (*writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", id, err)
	}
	w := &writer{
		id:   id,
		path: path,
		file: f,
		header: Header{
			SegmentID:     id,
			CreatedAt:     time.Now().UTC(),
			FirstSequence: firstSeq,
			Epoch:         epoch,
		},
	}
	payload, err := json.Marshal(w.header)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("marshal segment header: %w", err)
	}
	if _, err := writeFrame(f, 0, frameHeader, payload); err != nil {
		f.Close()
		return nil, err
	}
	w.offset = frameOverhead + int64(len(payload))
	return w, nil
}

// append writes one event record and returns its byte offset.
func (w *writer) append(ev *audit.Event) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	at := w.offset
	if _, err := writeFrame(w.file, at, frameEvent, payload); err != nil {
		return 0, err
	}
	w.offset += frameOverhead + int64(len(payload))
	w.count++
	if ev.Integrity != nil {
		w.lastSeq = ev.Integrity.Sequence
	}
	return at, nil
}

// seal computes the checksum over everything written so far, appends the
// seal frame, syncs, and closes the file. The signer may be nil.
func (w *writer) seal(sign func(hexDigest string) (sig, keyID string, err error)) error {
	sum, err := checksumTo(w.file, w.offset)
	if err != nil {
		return fmt.Errorf("checksum segment %s: %w", w.id, err)
	}
	s := Seal{
		EventCount:   w.count,
		LastSequence: w.lastSeq,
		Checksum:     sum,
		SealedAt:     time.Now().UTC(),
	}
	if sign != nil {
		sig, keyID, err := sign(sum)
		if err != nil {
			return fmt.Errorf("sign segment %s: %w", w.id, err)
		}
		s.Signature = sig
		s.SignedBy = keyID
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal seal: %w", err)
	}
	if _, err := writeFrame(w.file, w.offset, frameSeal, payload); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync segment %s: %w", w.id, err)
	}
	return w.file.Close()
}

func checksumTo(f io.ReaderAt, limit int64) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, limit)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// readSegment walks every frame in a segment file. The visit callback
// receives each event with its offset; header and seal come back as
// parsed structs. seal is nil for the still-open segment.
func readSegment(path string, visit func(ev *audit.Event, offset int64) error) (*Header, *Seal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	var (
		header *Header
		seal   *Seal
		offset int64
	)
	for {
		kind, payload, next, err := readFrameAt(f, offset)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return header, seal, err
		}
		switch kind {
		case frameHeader:
			var h Header
			if err := json.Unmarshal(payload, &h); err != nil {
				return header, seal, fmt.Errorf("decode header: %w", err)
			}
			header = &h
		case frameEvent:
			if visit != nil {
				var ev audit.Event
				if err := json.Unmarshal(payload, &ev); err != nil {
					return header, seal, fmt.Errorf("decode event at offset %d: %w", offset, err)
				}
				if err := visit(&ev, offset); err != nil {
					return header, seal, err
				}
			}
		case frameSeal:
			var s Seal
			if err := json.Unmarshal(payload, &s); err != nil {
				return header, seal, fmt.Errorf("decode seal: %w", err)
			}
			seal = &s
		default:
			return header, seal, fmt.Errorf("unknown frame kind %q at offset %d", kind, offset)
		}
		offset = next
	}
	if header == nil {
		return nil, seal, fmt.Errorf("segment %s: %w: missing header", path, sentinel.ErrInvalidState)
	}
	return header, seal, nil
}

// readEventAt loads the single event frame at the given offset.
func readEventAt(path string, offset int64) (*audit.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	kind, payload, _, err := readFrameAt(f, offset)
	if err != nil {
		return nil, err
	}
	if kind != frameEvent {
		return nil, fmt.Errorf("offset %d: expected event frame, found %q", offset, kind)
	}
	var ev audit.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event at offset %d: %w", offset, err)
	}
	return &ev, nil
}

// verifySealChecksum recomputes the checksum over the sealed region and
// compares it to the recorded value.
func verifySealChecksum(path string, seal *Seal) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	// The sealed region is everything before the seal frame. Walk the
	// frames to find where the seal starts.
	var limit int64 = -1
	var offset int64
	for {
		kind, _, next, err := readFrameAt(f, offset)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("walk frames: %w", err)
		}
		if kind == frameSeal {
			limit = offset
			break
		}
		offset = next
	}
	if limit <= 0 {
		return fmt.Errorf("segment has no seal frame")
	}
	sum, err := checksumTo(f, limit)
	if err != nil {
		return fmt.Errorf("recompute checksum: %w", err)
	}
	if sum != seal.Checksum {
		return fmt.Errorf("checksum mismatch: recorded %s, computed %s", seal.Checksum, sum)
	}
	return nil
}
