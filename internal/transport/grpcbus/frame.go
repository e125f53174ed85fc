package grpcbus

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/types/known/structpb"
)

// Field names of a frame.
const (
	fieldID           = "id"
	fieldSubject      = "subject"
	fieldReply        = "reply"
	fieldData         = "data"
	fieldHeaders      = "headers"
	fieldSubscriberID = "subscriber_id"
	fieldDuplicate    = "duplicate"
)

// frame is one published message as it crosses the bus. Data holds the
// envelope JSON text; Headers carries the trace context.
type frame struct {
	ID      string
	Subject string
	Reply   string
	Data    []byte
	Headers map[string]string
}

func (f *frame) toStruct() (*structpb.Struct, error) {
	if !utf8.Valid(f.Data) {
		return nil, fmt.Errorf("payload is not valid UTF-8")
	}

	headers := make(map[string]any, len(f.Headers))
	for k, v := range f.Headers {
		headers[k] = v
	}

	return structpb.NewStruct(map[string]any{
		fieldID:      f.ID,
		fieldSubject: f.Subject,
		fieldReply:   f.Reply,
		fieldData:    string(f.Data),
		fieldHeaders: headers,
	})
}

func frameFromStruct(s *structpb.Struct) (*frame, error) {
	fields := s.GetFields()

	f := &frame{
		ID:      fields[fieldID].GetStringValue(),
		Subject: fields[fieldSubject].GetStringValue(),
		Reply:   fields[fieldReply].GetStringValue(),
		Data:    []byte(fields[fieldData].GetStringValue()),
	}
	if f.ID == "" {
		return nil, fmt.Errorf("frame has no id")
	}
	if f.Subject == "" {
		return nil, fmt.Errorf("frame has no subject")
	}

	if h := fields[fieldHeaders].GetStructValue(); h != nil {
		f.Headers = make(map[string]string, len(h.GetFields()))
		for k, v := range h.GetFields() {
			f.Headers[k] = v.GetStringValue()
		}
	}
	return f, nil
}
