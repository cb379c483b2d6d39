// Package codec encodes collection blobs. The format name doubles as the blob
// file extension.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// Codec converts values to and from blob content.
type Codec interface {
	// Ext is the format name, used as the blob file extension.
	Ext() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Supported format names.
const (
	JSON    = "json"
	YAML    = "yaml"
	MsgPack = "msgpack"
)

// ErrUnknownFormat is returned by ForFormat.
var ErrUnknownFormat = errors.New("unknown blob format")

// ForFormat returns the codec for a format name. Empty means JSON.
func ForFormat(format string) (Codec, error) {
	switch format {
	case "", JSON:
		return jsonCodec{}, nil
	case YAML, "yml":
		return yamlCodec{ext: format}, nil
	case MsgPack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Formats lists the accepted format names.
func Formats() []string {
	return []string{JSON, YAML, MsgPack}
}

type jsonCodec struct{}

func (jsonCodec) Ext() string { return JSON }

// Marshal indents with two spaces so diffs in the backing repository stay
// readable.
func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type yamlCodec struct {
	ext string
}

func (c yamlCodec) Ext() string { return c.ext }

func (yamlCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (yamlCodec) Unmarshal(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

type msgpackCodec struct{}

func (msgpackCodec) Ext() string { return MsgPack }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(bytes.NewReader(data))
	// Widen integers to int64/uint64 instead of the smallest wire type.
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
