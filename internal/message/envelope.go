package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Well known message tags.
const (
	TagHello                = "hello"
	TagConfigurationChange  = "configuration_change"
	TagConfigurationChanged = "configuration_changed"
	TagStatusUpdate         = "status_update"
	TagDataTarget           = "data_target"
	TagDataService          = "data_service"
	TagDataPut              = "data.put"
	TagDataDelete           = "data.delete"
	TagDataGet              = "data.get"
	TagDataResult           = "data.result"
)

// ErrMalformedEnvelope is returned by Decode when a payload is not a valid envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Source identifies the kind of participant that emitted an envelope.
type Source string

const (
	SourceService Source = "service"
	SourceManager Source = "manager"
)

// Mode tells whether an envelope was broadcast or addressed to one participant.
type Mode string

const (
	ModeBroadcast Mode = "broadcast"
	ModeTargeted  Mode = "targeted"
)

// Processed records that a module handled a payload with the given hash.
type Processed struct {
	Module    string `json:"module"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

// Envelope is the wire-level wrapper of every message.
type Envelope struct {
	ID        string         `json:"id"`
	Message   string         `json:"message"`
	Source    Source         `json:"source"`
	Mode      Mode           `json:"mode"`
	Processed []Processed    `json:"processed"`
	Data      map[string]any `json:"data"`
}

type wireEnvelope struct {
	ID        *string          `json:"id"`
	Message   *string          `json:"message"`
	Source    *Source          `json:"source"`
	Mode      *Mode            `json:"mode"`
	Processed []Processed      `json:"processed"`
	Data      *json.RawMessage `json:"data"`
}

// Decode parses and validates an envelope. Numbers inside Data are kept as
// json.Number so re-encoding the payload reproduces the original digits.
func Decode(b []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch {
	case w.ID == nil || *w.ID == "":
		return nil, fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	case w.Message == nil:
		return nil, fmt.Errorf("%w: missing message", ErrMalformedEnvelope)
	case w.Source == nil:
		return nil, fmt.Errorf("%w: missing source", ErrMalformedEnvelope)
	case w.Mode == nil:
		return nil, fmt.Errorf("%w: missing mode", ErrMalformedEnvelope)
	case w.Data == nil:
		return nil, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}

	if *w.Source != SourceService && *w.Source != SourceManager {
		return nil, fmt.Errorf("%w: unknown source %q", ErrMalformedEnvelope, *w.Source)
	}
	if *w.Mode != ModeBroadcast && *w.Mode != ModeTargeted {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrMalformedEnvelope, *w.Mode)
	}

	data, err := decodeData(*w.Data)
	if err != nil {
		return nil, err
	}

	for i, p := range w.Processed {
		if p.Module == "" {
			return nil, fmt.Errorf("%w: processed[%d] has no module", ErrMalformedEnvelope, i)
		}
	}

	return &Envelope{
		ID:        *w.ID,
		Message:   *w.Message,
		Source:    *w.Source,
		Mode:      *w.Mode,
		Processed: w.Processed,
		Data:      data,
	}, nil
}

func decodeData(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: data is not an object: %v", ErrMalformedEnvelope, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: data is null", ErrMalformedEnvelope)
	}
	return data, nil
}

// Encode serializes an envelope. A nil processed list or payload is written
// as an empty list or object.
func Encode(e *Envelope) ([]byte, error) {
	out := *e
	if out.Processed == nil {
		out.Processed = []Processed{}
	}
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	return json.Marshal(&out)
}
