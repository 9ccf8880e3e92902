package liferay

import (
	"errors"
	"fmt"
	"io"

	"github.com/buger/jsonparser"
)

const defaultMaxPayload = 8 << 20

var (
	// ErrMissingField is returned when a payload lacks a required field.
	ErrMissingField = errors.New("missing field")
	// ErrMalformedPayload is returned when a field has the wrong type or the
	// body is not JSON.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Payload is a JSON response body.
type Payload []byte

// Int returns the integer at the given key path.
func (p Payload) Int(keys ...string) (int64, error) {
	v, err := jsonparser.GetInt(p, keys...)
	if err != nil {
		return 0, fieldError(keys, err)
	}
	return v, nil
}

// String returns the string at the given key path.
func (p Payload) String(keys ...string) (string, error) {
	v, err := jsonparser.GetString(p, keys...)
	if err != nil {
		return "", fieldError(keys, err)
	}
	return v, nil
}

// OptionalString returns the string at the key path, or "" when the field is
// absent, null or not a string.
func (p Payload) OptionalString(keys ...string) string {
	v, err := jsonparser.GetString(p, keys...)
	if err != nil {
		return ""
	}
	return v
}

func fieldError(keys []string, err error) error {
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return fmt.Errorf("%w: %v", ErrMissingField, keys)
	}
	return fmt.Errorf("%w: %v: %v", ErrMalformedPayload, keys, err)
}

// JSONReader reads response bodies into payloads. The zero value caps bodies
// at 8 MiB.
type JSONReader struct {
	MaxBytes int64
}

// FromResponse reads and closes the response body.
func (r JSONReader) FromResponse(resp *Response) (Payload, error) {
	if resp == nil || resp.Body == nil {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedPayload)
	}
	defer resp.Body.Close()

	limit := r.MaxBytes
	if limit <= 0 {
		limit = defaultMaxPayload
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedPayload, limit)
	}
	return Payload(body), nil
}
