package ingest

import (
	"context"
	"io"
	"net/http"

	"sensoralert/internal/domain"
)

// EventSink receives decoded violations from ingest interfaces.
// Params: context and validated event.
// Returns: processing error; transports map it to retry or 503.
type EventSink interface {
	Push(ctx context.Context, event domain.ViolationEvent) error
}

// BatchEventSink is an optional sink extension for batch payloads.
// Params: context and events slice that must not be retained after return.
// Returns: first processing error.
type BatchEventSink interface {
	EventSink
	PushBatch(ctx context.Context, events []domain.ViolationEvent) error
}

// HTTPHandler decodes JSON violations and forwards them to sink.
// Params: sink receives validated events, max body limits payload size.
// Returns: HTTP handler for /ingest and /ingest/batch.
type HTTPHandler struct {
	sink        EventSink
	maxBodySize int64
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink EventSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one object or one array of violation events.
// Params: HTTP request/response writer pair.
// Returns: 202 on accept, 400 on bad payload, 503 on sink failure.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	events, err := decodeEventPayloadInto(body, scratch)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	if err := pushEvents(request.Context(), h.sink, events); err != nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}
