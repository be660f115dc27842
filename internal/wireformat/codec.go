// Package wireformat implements the dual MsgPack/JSON wire encoding used
// by both the REST API (Accept header negotiation) and the WebSocket
// client protocol (binary frames = MsgPack, text frames = JSON), per
// spec §6.
package wireformat

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoding identifies which wire encoding a request/frame uses.
type Encoding int

const (
	JSON Encoding = iota
	MsgPack
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgPack = "application/msgpack"
)

// Negotiate inspects an HTTP Accept header and returns the encoding to
// respond with. application/msgpack wins if present; JSON is the default.
func Negotiate(acceptHeader string) Encoding {
	for _, part := range strings.Split(acceptHeader, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mt == ContentTypeMsgPack {
			return MsgPack
		}
	}
	return JSON
}

// ContentType returns the MIME type for an Encoding.
func (e Encoding) ContentType() string {
	if e == MsgPack {
		return ContentTypeMsgPack
	}
	return ContentTypeJSON
}

// Marshal encodes v using the given encoding.
func Marshal(e Encoding, v any) ([]byte, error) {
	if e == MsgPack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

// Unmarshal decodes data into v using the given encoding.
func Unmarshal(e Encoding, data []byte, v any) error {
	if e == MsgPack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// WriteResponse writes v to w using content negotiated from the request's
// Accept header, setting Content-Type and status.
func WriteResponse(w http.ResponseWriter, r *http.Request, status int, v any) error {
	enc := Negotiate(r.Header.Get("Accept"))
	data, err := Marshal(enc, v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", enc.ContentType())
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}

// DecodeRequest decodes an HTTP request body using its Content-Type header
// (defaults to JSON when absent or unrecognized).
func DecodeRequest(r *http.Request, v any) error {
	enc := JSON
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, ContentTypeMsgPack) {
		enc = MsgPack
	}
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return Unmarshal(enc, buf, v)
}
