package zmqbus

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type payload struct {
	Reply   string            `msgpack:"reply"`
	Data    []byte            `msgpack:"data"`
	Headers map[string]string `msgpack:"headers,omitempty"`
}

type frame struct {
	Subject string
	payload
}

var errShortMessage = errors.New("message needs a subject and a payload frame")

func encodeFrame(f *frame) ([][]byte, error) {
	if f.Subject == "" {
		return nil, errors.New("frame has no subject")
	}
	b, err := msgpack.Marshal(&f.payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return [][]byte{[]byte(f.Subject), b}, nil
}

func decodeFrame(parts [][]byte) (*frame, error) {
	if len(parts) < 2 {
		return nil, errShortMessage
	}
	f := &frame{Subject: string(parts[0])}
	if err := msgpack.Unmarshal(parts[1], &f.payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return f, nil
}
