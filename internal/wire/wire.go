// Package wire encodes log payloads and transport envelopes in protobuf wire format.
package wire

import (
	"errors"
	"fmt"

	"github.com/shrtyk/replikv/api"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("wire: malformed payload")

const (
	kvKeyField   protowire.Number = 1
	kvValueField protowire.Number = 2

	msgFromField    protowire.Number = 1
	msgToField      protowire.Number = 2
	msgPayloadField protowire.Number = 3
)

// MarshalKeyValue encodes kv as a protobuf message {1: key, 2: value}.
func MarshalKeyValue(kv api.KeyValue) []byte {
	b := make([]byte, 0, len(kv.Key)+12)
	b = protowire.AppendTag(b, kvKeyField, protowire.BytesType)
	b = protowire.AppendString(b, kv.Key)
	b = protowire.AppendTag(b, kvValueField, protowire.VarintType)
	b = protowire.AppendVarint(b, kv.Value)
	return b
}

// UnmarshalKeyValue decodes a payload produced by MarshalKeyValue.
// Unknown fields are skipped.
func UnmarshalKeyValue(b []byte) (api.KeyValue, error) {
	var kv api.KeyValue
	var sawKey bool
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == kvKeyField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			kv.Key, sawKey = v, true
			return n, nil
		case num == kvValueField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			kv.Value = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return api.KeyValue{}, err
	}
	if !sawKey {
		return api.KeyValue{}, fmt.Errorf("%w: key value without key", ErrMalformed)
	}
	return kv, nil
}

// MarshalMessage encodes a protocol message envelope.
func MarshalMessage(m api.Message) []byte {
	b := make([]byte, 0, len(m.Payload)+24)
	b = protowire.AppendTag(b, msgFromField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.From))
	b = protowire.AppendTag(b, msgToField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.To))
	b = protowire.AppendTag(b, msgPayloadField, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)
	return b
}

// UnmarshalMessage decodes an envelope produced by MarshalMessage.
func UnmarshalMessage(b []byte) (api.Message, error) {
	var m api.Message
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == msgFromField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.From = api.NodeID(v)
			return n, nil
		case num == msgToField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.To = api.NodeID(v)
			return n, nil
		case num == msgPayloadField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Payload = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return api.Message{}, err
	}
	return m, nil
}

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
