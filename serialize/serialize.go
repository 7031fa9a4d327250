// Package serialize implements the transport's outbound/inbound body
// codec: content-type/content-encoding negotiation, cycle-safe JSON
// encoding, gzip, and the error-object marshaling contract of spec
// §4.4. Grounded on the encoding/json use in every rabbitmq
// publisher/consumer in the corpus; the cycle-safety and error-shape
// marshaling have no corpus dependency and are hand-rolled stdlib, as
// recorded in DESIGN.md.
package serialize

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/baechuer/amqp-transport/txerrors"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "string/utf8"

	EncodingPlain = "plain"
	EncodingGzip  = "gzip"
)

// Encode serializes payload per contentType/contentEncoding. Callers
// that pass skipSerialize should not call Encode at all; the
// transport forwards the raw bytes directly in that case.
func Encode(contentType, contentEncoding string, payload interface{}) ([]byte, error) {
	var body []byte

	switch contentType {
	case ContentTypeJSON, ContentTypeText:
		raw, err := safeMarshal(payload)
		if err != nil {
			return nil, txerrors.Wrap(err, txerrors.Validation, "encode body")
		}
		body = raw
	default:
		return nil, txerrors.New(txerrors.Validation, "invalid content type: "+contentType)
	}

	switch contentEncoding {
	case "", EncodingPlain:
		return body, nil
	case EncodingGzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(body); err != nil {
			return nil, txerrors.Wrap(err, txerrors.Validation, "gzip encode")
		}
		if err := gw.Close(); err != nil {
			return nil, txerrors.Wrap(err, txerrors.Validation, "gzip flush")
		}
		return buf.Bytes(), nil
	default:
		return nil, txerrors.New(txerrors.Validation, "invalid content encoding: "+contentEncoding)
	}
}

// Decode never returns an error to the caller (spec: "a decode
// failure never throws; it resolves to {err: parseError}"). On
// success it returns the decoded value (or raw bytes for unrecognized
// content types). On failure it returns (nil, parseErr) so the
// transport can build the {err: parseErr} shape itself.
func Decode(contentType, contentEncoding string, body []byte) (interface{}, error) {
	plain := body

	switch contentEncoding {
	case "", EncodingPlain:
	case EncodingGzip:
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, txerrors.Wrap(err, txerrors.Parse, "gzip open")
		}
		defer gr.Close()
		decoded, err := io.ReadAll(gr)
		if err != nil {
			return nil, txerrors.Wrap(err, txerrors.Parse, "gzip read")
		}
		plain = decoded
	default:
		return nil, txerrors.New(txerrors.Parse, "invalid content encoding: "+contentEncoding)
	}

	switch contentType {
	case ContentTypeJSON, ContentTypeText:
		var v interface{}
		if err := json.Unmarshal(plain, &v); err != nil {
			return nil, txerrors.Wrap(err, txerrors.Parse, "json decode")
		}
		return v, nil
	default:
		return plain, nil
	}
}

// EncodeError serializes err into the {type, message, stack, code,
// ...own-enumerable} shape spec §9 describes for cross-process error
// marshaling.
func EncodeError(err error) map[string]interface{} {
	out := map[string]interface{}{
		"message": err.Error(),
	}

	if te, ok := err.(*txerrors.Error); ok {
		out["type"] = string(te.Kind)
		out["message"] = te.Message
		if te.Code != "" {
			out["code"] = te.Code
		}
		if te.Stack != "" {
			out["stack"] = te.Stack
		}
		if len(te.Death) > 0 {
			out["death"] = te.Death
		}
		return out
	}

	out["type"] = fmt.Sprintf("%T", err)
	return out
}

// DecodeError rebuilds a typed *txerrors.Error from a decoded
// error-shaped map, preserving type/message/code/stack, per the
// private message router's contract (spec §4.6.6 step 4).
func DecodeError(m map[string]interface{}) *txerrors.Error {
	kind := txerrors.Validation
	if t, ok := m["type"].(string); ok && t != "" {
		kind = txerrors.Kind(t)
	}

	te := &txerrors.Error{Kind: kind}
	if msg, ok := m["message"].(string); ok {
		te.Message = msg
	}
	if code, ok := m["code"].(string); ok {
		te.Code = code
	}
	if stack, ok := m["stack"].(string); ok {
		te.Stack = stack
	}
	return te
}

// IsErrorShaped reports whether a decoded body is a map with an
// "error" field, used by the private router to decide whether to
// reject rather than resolve. It returns the "error" value when that
// is itself a map (an EncodeError output), and the whole body
// otherwise.
func IsErrorShaped(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	if _, hasErr := m["error"]; hasErr {
		if inner, ok := m["error"].(map[string]interface{}); ok {
			return inner, true
		}
		return m, true
	}
	return nil, false
}

// safeMarshal encodes v as JSON, replacing repeated map/slice/pointer
// references along the traversal path with a "[Circular]" sentinel
// instead of recursing forever, and serializing Go errors into the
// EncodeError shape rather than failing on unsupported types.
func safeMarshal(v interface{}) ([]byte, error) {
	sanitized := sanitize(v, map[uintptr]bool{})
	return json.Marshal(sanitized)
}

func sanitize(v interface{}, seen map[uintptr]bool) interface{} {
	if err, ok := v.(error); ok {
		return EncodeError(err)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if seen[ptr] {
			return "[Circular]"
		}
		next := cloneSeen(seen)
		next[ptr] = true

		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = sanitize(iter.Value().Interface(), next)
		}
		return out

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		var ptr uintptr
		if rv.Kind() == reflect.Slice {
			ptr = rv.Pointer()
			if seen[ptr] {
				return "[Circular]"
			}
		}
		next := cloneSeen(seen)
		if ptr != 0 {
			next[ptr] = true
		}

		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitize(rv.Index(i).Interface(), next)
		}
		return out

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if ptr != 0 {
			if seen[ptr] {
				return "[Circular]"
			}
			next := cloneSeen(seen)
			next[ptr] = true
			return sanitize(rv.Elem().Interface(), next)
		}
		return sanitize(rv.Elem().Interface(), seen)

	case reflect.Struct:
		out := make(map[string]interface{}, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			out[f.Name] = sanitize(rv.Field(i).Interface(), seen)
		}
		return out

	default:
		return v
	}
}

func cloneSeen(seen map[uintptr]bool) map[uintptr]bool {
	next := make(map[uintptr]bool, len(seen)+1)
	for k, v := range seen {
		next[k] = v
	}
	return next
}
