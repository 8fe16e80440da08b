package httpfeed

import (
	"bufio"
	"io"
	"net/http"

	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/feedstream/pkg/compression"
	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/json"
	"github.com/ajitpratap0/feedstream/pkg/models"
)

// Fields of the record built from a payload holding several items.
const (
	FieldItems = "items"
	FieldCount = "count"
)

func decompress(resp *http.Response) (io.ReadCloser, error) {
	r, err := compression.NewReader(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode response body")
	}
	return r, nil
}

func decode(format string, r io.Reader) (models.Record, error) {
	switch format {
	case config.FormatAvro:
		return decodeAvro(r)
	default:
		return decodeJSON(r)
	}
}

func decodeJSON(r io.Reader) (models.Record, error) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode JSON payload")
	}
	return shape(v)
}

// decodeAvro reads every datum of an Avro object container file. A single
// record datum becomes the record itself.
func decodeAvro(r io.Reader) (models.Record, error) {
	ocf, err := goavro.NewOCFReader(bufio.NewReader(r))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to open Avro container")
	}

	var items []interface{}
	for ocf.Scan() {
		datum, err := ocf.Read()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read Avro datum")
		}
		items = append(items, datum)
	}
	if err := ocf.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan Avro container")
	}

	switch len(items) {
	case 0:
		return nil, errors.New(errors.ErrorTypeData, "Avro container holds no records")
	case 1:
		return shape(items[0])
	default:
		return shape(items)
	}
}

func shape(v interface{}) (models.Record, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		return models.Record(t), nil
	case []interface{}:
		return models.Record{FieldItems: t, FieldCount: len(t)}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeData, "unexpected payload type %T", v)
	}
}
