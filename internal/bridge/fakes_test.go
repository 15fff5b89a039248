package bridge

import (
	"strings"
	"sync"
)

// fakeTransport records everything the bridge publishes.
type fakeTransport struct {
	mu        sync.Mutex
	onRequest RequestCallback
	responses []*ChatCompletionResponse
	statuses  []*ServerStatus
	startErr  error
}

func (f *fakeTransport) StartServer(onRequest RequestCallback) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.onRequest = onRequest
	return nil
}

func (f *fakeTransport) StopServer() {}

func (f *fakeTransport) SendResponse(resp *ChatCompletionResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *resp
	f.responses = append(f.responses, &clone)
	return nil
}

func (f *fakeTransport) PublishStatus(status *ServerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *status
	f.statuses = append(f.statuses, &clone)
	return nil
}

func (f *fakeTransport) Responses() []*ChatCompletionResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ChatCompletionResponse{}, f.responses...)
}

func (f *fakeTransport) ResponsesFor(requestID string) []*ChatCompletionResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ChatCompletionResponse
	for _, r := range f.responses {
		if r.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeTransport) Statuses() []*ServerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ServerStatus{}, f.statuses...)
}

// fieldsTokenizer tokenizes one id per whitespace-separated field.
type fieldsTokenizer struct{}

func (fieldsTokenizer) Encode(text string) ([]int, error) {
	fields := strings.Fields(text)
	tokens := make([]int, len(fields))
	for i := range fields {
		tokens[i] = i
	}
	return tokens, nil
}

// emptyTokenizer simulates a vocabulary failure: every prompt encodes to
// nothing.
type emptyTokenizer struct{}

func (emptyTokenizer) Encode(string) ([]int, error) {
	return nil, nil
}
