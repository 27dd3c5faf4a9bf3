// Package audit records every exit of the monitor, towards a confidential
// hart or towards the hypervisor, as a stream of framed messages.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MsgType identifies an audit message.
type MsgType uint32

const (
	MsgRecord MsgType = 1 // gob-encoded Record
	MsgEnd    MsgType = 2 // the monitor stopped
)

var errUnexpectedMessageType = errors.New("unexpected audit message type")

// ErrPayloadTooLarge is returned for a message longer than MaxPayload.
var ErrPayloadTooLarge = errors.New("audit message too large")

// MaxPayload bounds the payload of a message. Records are far smaller.
const MaxPayload = 1 << 20

// Sender writes framed messages to an underlying writer. It is safe for
// concurrent use by all hardware harts.
type Sender struct {
	mu  sync.Mutex
	w   io.Writer
	seq uint64
}

// NewSender wraps w as an audit Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// send writes a single framed message.
func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(append(hdr, payload...)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

// Record numbers rec and sends it as a MsgRecord.
func (s *Sender) Record(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	rec.Seq = s.seq

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	return s.send(MsgRecord, buf.Bytes())
}

// End signals the end of the audit stream.
func (s *Sender) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.send(MsgEnd, nil)
}

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as an audit Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	if length > MaxPayload {
		return 0, nil, fmt.Errorf("%w: type=%d len=%d", ErrPayloadTooLarge, t, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeRecord decodes a gob-encoded Record from payload bytes.
func DecodeRecord(payload []byte) (*Record, error) {
	rec := &Record{}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	return rec, nil
}

// ReadAll reads records until MsgEnd or the end of r. A stream cut short
// after a complete message is not an error.
func ReadAll(r io.Reader) ([]*Record, error) {
	recv := NewReceiver(r)

	var recs []*Record

	for {
		t, payload, err := recv.Next()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}

		if err != nil {
			return recs, err
		}

		switch t {
		case MsgRecord:
			rec, err := DecodeRecord(payload)
			if err != nil {
				return recs, err
			}

			recs = append(recs, rec)
		case MsgEnd:
			return recs, nil
		default:
			return recs, fmt.Errorf("%w: %d", errUnexpectedMessageType, t)
		}
	}
}
