package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MimeTextPlain is the only mime type whose envelope data is stored literally.
const MimeTextPlain = "text/plain"

// ErrMalformedEnvelope is returned when a cleartext is not a valid envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ErrInvalidText is returned when text/plain data is not valid UTF-8.
var ErrInvalidText = fmt.Errorf("%w: text is not valid UTF-8", ErrMalformedEnvelope)

// Envelope wraps every message body so text and binary attachments share one
// message channel. Data is literal text for text/plain and base64 otherwise.
type Envelope struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// wireEnvelope uses pointers so missing fields can be told apart from empty ones.
type wireEnvelope struct {
	MimeType *string `json:"mime_type"`
	Data     *string `json:"data"`
}

// IsText reports whether the envelope carries literal text.
func (e Envelope) IsText() bool {
	return e.MimeType == MimeTextPlain
}

// Marshal serializes the envelope to the string placed in Content.Cleartext.
func (e Envelope) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseEnvelope parses a cleartext without decoding its data.
func ParseEnvelope(s string) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.MimeType == nil {
		return Envelope{}, fmt.Errorf("%w: missing mime_type", ErrMalformedEnvelope)
	}
	if w.Data == nil {
		return Envelope{}, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	return Envelope{MimeType: *w.MimeType, Data: *w.Data}, nil
}

// EncodeEnvelope builds the cleartext for a payload of the given mime type.
// Text that is not valid UTF-8 fails with ErrInvalidText.
func EncodeEnvelope(mimeType string, raw []byte) (string, error) {
	env := Envelope{MimeType: mimeType}
	if env.IsText() {
		if !utf8.Valid(raw) {
			return "", ErrInvalidText
		}
		env.Data = string(raw)
	} else {
		env.Data = base64.StdEncoding.EncodeToString(raw)
	}
	return env.Marshal()
}

// DecodeEnvelope is the inverse of EncodeEnvelope. Binary payloads are
// base64-decoded, so large attachments cost a proportional amount of CPU.
func DecodeEnvelope(s string) (string, []byte, error) {
	env, err := ParseEnvelope(s)
	if err != nil {
		return "", nil, err
	}
	if env.IsText() {
		return env.MimeType, []byte(env.Data), nil
	}
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return "", nil, fmt.Errorf("%w: data is not base64: %v", ErrMalformedEnvelope, err)
	}
	return env.MimeType, raw, nil
}
