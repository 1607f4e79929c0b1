package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/testutil"
)

func testMessage() Message {
	return Message{
		RunID:        uuid.New(),
		StepPosition: 2,
		Input:        model.Item{Data: map[string]any{"name": "John"}, ItemIndex: 0},
	}
}

func TestHTTPQueuePublishSignsAndDelivers(t *testing.T) {
	signer := NewSigner("test-key")

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/workers/execute-step", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, signer.Verify(r.Header.Get(SignatureHeader), body))
		gotBody = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queue := NewHTTPQueue(srv.URL, signer, testutil.Logger(), 3)
	msg := testMessage()
	require.NoError(t, queue.Publish(context.Background(), msg))

	var decoded Message
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, msg.RunID, decoded.RunID)
	assert.Equal(t, 2, decoded.StepPosition)
	assert.Equal(t, "John", decoded.Input.Data["name"])
}

func TestHTTPQueueRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queue := NewHTTPQueue(srv.URL, NewSigner("test-key"), testutil.Logger(), 3)
	require.NoError(t, queue.Publish(context.Background(), testMessage()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPQueueDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	queue := NewHTTPQueue(srv.URL, NewSigner("test-key"), testutil.Logger(), 3)
	err := queue.Publish(context.Background(), testMessage())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPQueueExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	queue := NewHTTPQueue(srv.URL, NewSigner("test-key"), testutil.Logger(), 2)
	err := queue.Publish(context.Background(), testMessage())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

type recordingHandler struct {
	messages []Message
	err      error
}

func (h *recordingHandler) Handle(ctx context.Context, msg Message) error {
	h.messages = append(h.messages, msg)
	return h.err
}

func TestLoopbackDeliversInProcess(t *testing.T) {
	handler := &recordingHandler{}
	queue := NewLoopback(handler)

	msg := testMessage()
	require.NoError(t, queue.Publish(context.Background(), msg))
	require.Len(t, handler.messages, 1)
	assert.Equal(t, msg.RunID, handler.messages[0].RunID)
}
