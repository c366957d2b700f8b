package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry"
)

const deviceIDField = "deviceId"

// parseOffer validates an offer body and splits off its deviceId tag.
//
// Bodies that are not JSON objects, or objects without a deviceId member, are
// stored unchanged. Otherwise every deviceId member is cut out of the body and
// all other bytes, whitespace and key spelling included, are kept as sent.
func parseOffer(body []byte) (registry.Offer, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return registry.Offer{}, registry.ErrInvalidPayload
	}
	if trimmed[0] != '{' {
		return registry.Offer{Payload: json.RawMessage(body)}, nil
	}

	obj, err := scanObject(body)
	if err != nil {
		return registry.Offer{}, fmt.Errorf("%w: %v", registry.ErrInvalidPayload, err)
	}

	var (
		deviceID string
		found    bool
	)
	keep := make([]bool, len(obj.members))
	for i, m := range obj.members {
		if m.key != deviceIDField {
			keep[i] = true
			continue
		}
		found = true
		var s string
		if err := json.Unmarshal(m.value, &s); err == nil {
			deviceID = s
		} else {
			deviceID = string(m.value)
		}
	}
	if !found {
		return registry.Offer{Payload: json.RawMessage(body)}, nil
	}
	return registry.Offer{Payload: obj.splice(body, keep), DeviceID: deviceID}, nil
}

// member locates one object member inside the scanned body. Its segment
// [start, end) runs from the end of the previous value (or the opening brace)
// to the end of its own value, so it carries the separating comma.
type member struct {
	key      string
	value    json.RawMessage
	start    int
	keyStart int
	end      int
}

type object struct {
	open    int // offset just past '{'
	close   int // offset of the byte after the last member's value
	members []member
}

func scanObject(body []byte) (object, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return object{}, fmt.Errorf("expected object")
	}
	obj := object{open: int(dec.InputOffset())}
	prev := obj.open
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return object{}, err
		}
		key, ok := tok.(string)
		if !ok {
			return object{}, fmt.Errorf("expected object key")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return object{}, err
		}
		end := int(dec.InputOffset())
		// Only whitespace and a comma separate the previous value from the key.
		keyStart := prev + bytes.IndexByte(body[prev:end], '"')
		obj.members = append(obj.members, member{key: key, value: value, start: prev, keyStart: keyStart, end: end})
		prev = end
	}
	obj.close = prev
	if tok, err := dec.Token(); err != nil || tok != json.Delim('}') {
		return object{}, fmt.Errorf("unterminated object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return object{}, fmt.Errorf("trailing data after object")
	}
	return obj, nil
}

// splice copies body without the members whose keep flag is false.
func (o object) splice(body []byte, keep []bool) json.RawMessage {
	out := make([]byte, 0, len(body))
	out = append(out, body[:o.open]...)
	emitted := false
	for i, m := range o.members {
		if !keep[i] {
			continue
		}
		if !emitted && i > 0 {
			// The first kept member loses its leading comma and takes over the
			// whitespace that preceded the original first key.
			first := o.members[0]
			out = append(out, body[first.start:first.keyStart]...)
			out = append(out, body[m.keyStart:m.end]...)
		} else {
			out = append(out, body[m.start:m.end]...)
		}
		emitted = true
	}
	out = append(out, body[o.close:]...)
	return json.RawMessage(out)
}
