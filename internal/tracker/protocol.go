package tracker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single frame on the wire. A 4K RGBA frame is ~33MB.
const maxMessageSize = 64 << 20

const (
	msgHello  = "hello"
	msgReady  = "ready"
	msgTrack  = "track"
	msgResult = "result"
	msgError  = "error"
)

type helloRequest struct {
	Type  string `msgpack:"type"`
	Model string `msgpack:"model"`
}

type readyResponse struct {
	Type   string   `msgpack:"type"`
	Labels []string `msgpack:"labels"`
	Error  string   `msgpack:"error,omitempty"`
}

type trackRequest struct {
	Type    string `msgpack:"type"`
	Seq     uint64 `msgpack:"seq"`
	Width   int    `msgpack:"width"`
	Height  int    `msgpack:"height"`
	Persist bool   `msgpack:"persist"`
	Frame   []byte `msgpack:"frame"`
}

type wireDetection struct {
	Box     [4]int `msgpack:"box"`
	ClassID int    `msgpack:"class_id"`
	TrackID *int   `msgpack:"track_id"`
}

type trackResponse struct {
	Type       string          `msgpack:"type"`
	Seq        uint64          `msgpack:"seq"`
	Detections []wireDetection `msgpack:"detections"`
	Error      string          `msgpack:"error,omitempty"`
}

// writeMessage frames v as a 4-byte big-endian length followed by msgpack.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(payload))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
