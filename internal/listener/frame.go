package listener

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"reflect"
	"strconv"

	pickle "github.com/kisielk/og-rek"

	"github.com/ridekit/testexec/internal/testrun"
)

// Frame types. A frame is <type><decimal length>|<payload>.
const (
	FrameJSON   byte = 'J'
	FramePickle byte = 'P'
)

const (
	frameSeparator  = '|'
	maxLengthDigits = 10
	// MaxFrameSize bounds a single payload.
	MaxFrameSize = 64 << 20
)

// Decoder reads framed (name, args) records.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder reads frames from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next record. It returns io.EOF only at a frame boundary;
// framing and payload failures wrap testrun.ErrProtocol.
func (d *Decoder) Next() (string, []any, error) {
	frameType, err := d.r.ReadByte()
	if err != nil {
		return "", nil, err
	}
	if frameType != FrameJSON && frameType != FramePickle {
		return "", nil, protocolErrorf("unknown frame type %q", frameType)
	}

	length, err := d.readLength()
	if err != nil {
		return "", nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return "", nil, protocolErrorf("truncated payload: want %d bytes", length)
		}
		return "", nil, err
	}

	var record any
	switch frameType {
	case FrameJSON:
		record, err = decodeJSON(payload)
	case FramePickle:
		record, err = decodePickle(payload)
	}
	if err != nil {
		return "", nil, err
	}
	return splitRecord(record)
}

func (d *Decoder) readLength() (int, error) {
	var digits []byte
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, protocolErrorf("truncated frame header")
			}
			return 0, err
		}
		if b == frameSeparator {
			break
		}
		if b < '0' || b > '9' {
			return 0, protocolErrorf("invalid frame length byte %q", b)
		}
		digits = append(digits, b)
		if len(digits) > maxLengthDigits {
			return 0, protocolErrorf("frame length too long")
		}
	}
	if len(digits) == 0 {
		return 0, protocolErrorf("missing frame length")
	}
	length, err := strconv.Atoi(string(digits))
	if err != nil {
		return 0, protocolErrorf("invalid frame length %q", digits)
	}
	if length > MaxFrameSize {
		return 0, protocolErrorf("frame length %d exceeds %d", length, MaxFrameSize)
	}
	return length, nil
}

func decodeJSON(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var record any
	if err := dec.Decode(&record); err != nil {
		return nil, protocolErrorf("decode json payload: %v", err)
	}
	return normalize(record)
}

func decodePickle(payload []byte) (any, error) {
	record, err := pickle.NewDecoder(bytes.NewReader(payload)).Decode()
	if err != nil {
		return nil, protocolErrorf("decode pickle payload: %v", err)
	}
	return normalize(record)
}

func splitRecord(record any) (string, []any, error) {
	items, ok := record.([]any)
	if !ok || len(items) == 0 || len(items) > 2 {
		return "", nil, protocolErrorf("record is not a (name, args) pair")
	}
	name, ok := items[0].(string)
	if !ok || name == "" {
		return "", nil, protocolErrorf("record name is not a string")
	}
	if len(items) == 1 || items[1] == nil {
		return name, nil, nil
	}
	args, ok := items[1].([]any)
	if !ok {
		return "", nil, protocolErrorf("arguments of %q are not a sequence", name)
	}
	return name, args, nil
}

// normalize reduces decoded values to string, bool, int64, float64, nil, []any and map[string]any.
func normalize(value any) (any, error) {
	switch typed := value.(type) {
	case nil, string, bool, int64, float64:
		return typed, nil
	case pickle.None:
		return nil, nil
	case json.Number:
		if n, err := typed.Int64(); err == nil {
			return n, nil
		}
		f, err := typed.Float64()
		if err != nil {
			return nil, protocolErrorf("invalid number %q", typed.String())
		}
		return f, nil
	case *big.Int:
		if typed.IsInt64() {
			return typed.Int64(), nil
		}
		return typed.String(), nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return string(rv.Bytes()), nil
		}
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, err := normalize(iter.Key().Interface())
			if err != nil {
				return nil, err
			}
			item, err := normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(key)] = item
		}
		return out, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface())
	}
	return nil, protocolErrorf("unsupported value of type %T", value)
}

// WriteFrame encodes (name, args) as a JSON frame.
func WriteFrame(w io.Writer, name string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	payload, err := json.Marshal([]any{name, args})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", name, err)
	}
	header := append([]byte{FrameJSON}, strconv.Itoa(len(payload))...)
	header = append(header, frameSeparator)
	if _, err := w.Write(append(header, payload...)); err != nil {
		return fmt.Errorf("write %s frame: %w", name, err)
	}
	return nil
}

func protocolErrorf(format string, args ...any) error {
	return testrun.Errorf(testrun.KindProtocol, "decode frame", format, args...)
}
