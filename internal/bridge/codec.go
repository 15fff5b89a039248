package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Stream entry fields. The full record travels as a JSON document under
// fieldPayload; fieldRequestID is denormalized next to it so correlation and
// logging never need a full decode.
const (
	fieldPayload   = "payload"
	fieldRequestID = "request_id"
)

var (
	ErrMissingPayload   = errors.New("codec: entry has no payload field")
	ErrMissingRequestID = errors.New("codec: sample has no request_id")
)

// EncodeRequest converts a request record into stream entry values.
func EncodeRequest(req *ChatCompletionRequest) (map[string]interface{}, error) {
	if req.RequestID == "" {
		return nil, ErrMissingRequestID
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal request: %w", err)
	}
	return map[string]interface{}{
		fieldRequestID: req.RequestID,
		fieldPayload:   string(payload),
	}, nil
}

// DecodeRequest converts received stream entry values into an owning request
// record. All strings are copied out of the transport-owned value map, so the
// entry may be released as soon as this returns. Unknown payload fields are
// ignored for forward compatibility.
func DecodeRequest(values map[string]interface{}) (*ChatCompletionRequest, error) {
	payload, err := extractPayload(values)
	if err != nil {
		return nil, err
	}
	if !gjson.Get(payload, "request_id").Exists() {
		return nil, ErrMissingRequestID
	}

	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, fmt.Errorf("codec: unmarshal request: %w", err)
	}
	return &req, nil
}

// EncodeResponse converts a response record into stream entry values.
func EncodeResponse(resp *ChatCompletionResponse) (map[string]interface{}, error) {
	if resp.RequestID == "" {
		return nil, ErrMissingRequestID
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal response: %w", err)
	}
	return map[string]interface{}{
		fieldRequestID: resp.RequestID,
		fieldPayload:   string(payload),
	}, nil
}

// DecodeResponse converts received stream entry values into an owning
// response record.
func DecodeResponse(values map[string]interface{}) (*ChatCompletionResponse, error) {
	payload, err := extractPayload(values)
	if err != nil {
		return nil, err
	}
	if !gjson.Get(payload, "request_id").Exists() {
		return nil, ErrMissingRequestID
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, fmt.Errorf("codec: unmarshal response: %w", err)
	}
	return &resp, nil
}

// EncodeStatus renders a status snapshot for the pub/sub channel.
func EncodeStatus(status *ServerStatus) (string, error) {
	payload, err := json.Marshal(status)
	if err != nil {
		return "", fmt.Errorf("codec: marshal status: %w", err)
	}
	return string(payload), nil
}

// DecodeStatus parses a status sample received on the pub/sub channel.
func DecodeStatus(payload string) (*ServerStatus, error) {
	var status ServerStatus
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		return nil, fmt.Errorf("codec: unmarshal status: %w", err)
	}
	return &status, nil
}

// PeekRequestID extracts the correlation id from a received entry without a
// full payload decode.
func PeekRequestID(values map[string]interface{}) string {
	if id, ok := values[fieldRequestID].(string); ok {
		return id
	}
	if payload, err := extractPayload(values); err == nil {
		return gjson.Get(payload, "request_id").String()
	}
	return ""
}

func extractPayload(values map[string]interface{}) (string, error) {
	raw, ok := values[fieldPayload]
	if !ok {
		return "", ErrMissingPayload
	}
	payload, ok := raw.(string)
	if !ok || payload == "" {
		return "", ErrMissingPayload
	}
	return payload, nil
}
