// Package codec implements the line-delimited JSON framing and message
// schema described in the drone coordination specification's external
// interfaces section: one UTF-8 JSON object per line, max 2048 bytes,
// dispatched to a typed Go value by its "type" tag.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/dronecoord/sentinel/internal/drerr"
	"github.com/dronecoord/sentinel/pkg/types"
)

// MaxFrameSize is the largest single line (JSON object, not counting
// the terminating newline) this codec will accept before replying ERROR code=413 and dropping the
// frame.
const MaxFrameSize = 2048

// envelope is used only to read the "type" discriminator before
// unmarshaling into the concrete message type.
type envelope struct {
	Type types.MsgType `json:"type"`
}

// Reader frames an underlying stream into newline-delimited JSON
// messages. It is not safe for concurrent use; each ConnectionSession
// owns exactly one Reader over its socket.
//
// It accumulates bytes in an internal buffer rather than using
// bufio.Scanner: a Scanner latches its first read error permanently,
// which breaks a caller that polls a connection with a one-second
// read deadline (the poll timeout would become unrecoverable after
// the first tick). Reader instead keeps any partial frame across
// calls and simply retries the underlying Read on the next call.
type Reader struct {
	r   io.Reader
	buf []byte
	tmp []byte
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   r,
		buf: make([]byte, 0, MaxFrameSize),
		tmp: make([]byte, 4096),
	}
}

// ReadMessage reads one line and decodes it into a tagged variant. It
// returns io.EOF when the stream ends cleanly. Oversize lines surface
// as a *drerr.CoordError with Code == drerr.CodeFrameTooLarge; the
// caller replies ERROR code=413 and drops the frame, per §4.4. A read
// deadline timeout on r surfaces as a *drerr.CoordError wrapping the
// underlying net.Error, unwrappable via errors.As.
func (r *Reader) ReadMessage() (any, error) {
	for {
		if idx := bytes.IndexByte(r.buf, '\n'); idx >= 0 {
			line := append([]byte(nil), r.buf[:idx]...)
			r.buf = append(r.buf[:0], r.buf[idx+1:]...)
			if len(line) > MaxFrameSize {
				return nil, drerr.Protocol(drerr.CodeFrameTooLarge, "frame exceeds max size", nil)
			}
			return Decode(line)
		}
		if len(r.buf) > MaxFrameSize {
			r.buf = r.buf[:0]
			return nil, drerr.Protocol(drerr.CodeFrameTooLarge, "frame exceeds max size", nil)
		}

		n, err := r.r.Read(r.tmp)
		if n > 0 {
			r.buf = append(r.buf, r.tmp[:n]...)
		}
		if err != nil {
			if n > 0 {
				// A frame boundary may already be in what we just
				// appended; let the loop re-check before surfacing err.
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, drerr.Transport("read failed", err)
		}
	}
}

// Decode parses a single line into its tagged variant. Unknown or
// missing type yields an ERR-PROTO-400 CoordError.
func Decode(line []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, drerr.Protocol(drerr.CodeBadJSON, "malformed JSON", err)
	}

	var target any
	switch env.Type {
	case types.MsgHandshake:
		target = &types.Handshake{}
	case types.MsgHandshakeAck:
		target = &types.HandshakeAck{}
	case types.MsgStatusUpdate:
		target = &types.StatusUpdate{}
	case types.MsgAssignMission:
		target = &types.AssignMission{}
	case types.MsgMissionComplete:
		target = &types.MissionComplete{}
	case types.MsgHeartbeat:
		target = &types.Heartbeat{}
	case types.MsgHeartbeatResponse:
		target = &types.HeartbeatResponse{}
	case types.MsgError:
		target = &types.ErrorMsg{}
	default:
		return nil, drerr.Protocol(drerr.CodeUnknownType, "unknown message type: "+string(env.Type), nil)
	}

	if err := json.Unmarshal(line, target); err != nil {
		return nil, drerr.Protocol(drerr.CodeBadJSON, "malformed JSON", err)
	}
	return target, nil
}

// Encode serializes msg as a single line terminated by '\n'.
func Encode(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, drerr.Internal("encode failed", err)
	}
	return append(b, '\n'), nil
}

// Writer serializes and writes messages to an underlying stream,
// terminating each with a newline. It performs no locking of its own;
// ConnectionSession serializes writes with its own send mutex.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteMessage encodes and writes msg.
func (w *Writer) WriteMessage(msg any) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.w.Write(b)
	if err != nil {
		return drerr.Transport("write failed", err)
	}
	return nil
}
