// Package json wraps goccy/go-json for feedstream's record, envelope and
// status serialization.
package json

import (
	"bytes"
	"io"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/feedstream/pkg/pool"
)

// Number is re-exported so callers can type-switch on decoded numbers
// without importing the codec directly.
type Number = gojson.Number

// Marshal is a drop-in replacement for json.Marshal
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal is a drop-in replacement for json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// MarshalIndent is a drop-in replacement for json.MarshalIndent
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// UnmarshalUseNumber decodes data keeping numbers as Number so that large
// epoch-millisecond timestamps survive without float rounding.
func UnmarshalUseNumber(data []byte, v interface{}) error {
	dec := gojson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// NewDecoder returns a decoder for r with UseNumber enabled.
func NewDecoder(r io.Reader) *gojson.Decoder {
	dec := gojson.NewDecoder(r)
	dec.UseNumber()
	return dec
}

// MarshalToWriter encodes v to w through a pooled buffer so a failed encode
// never leaves a partial document on w.
func MarshalToWriter(w io.Writer, v interface{}) error {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
