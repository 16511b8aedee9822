package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"sensoralert/internal/domain"
)

const maxPooledBatchCapacity = 4096

type decodeScratch struct {
	events []domain.ViolationEvent
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{events: make([]domain.ViolationEvent, 0, 16)}
	},
}

// decodeSingleEvent decodes one violation and rejects trailing JSON tokens.
// Params: json decoder for a single event object.
// Returns: validated event or decode error.
func decodeSingleEvent(decoder *json.Decoder) (domain.ViolationEvent, error) {
	var event domain.ViolationEvent
	if err := decoder.Decode(&event); err != nil {
		return domain.ViolationEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return domain.ViolationEvent{}, err
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return domain.ViolationEvent{}, err
	}
	return event, nil
}

// decodeEventPayloadInto auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array, and pooled scratch buffer.
// Returns: validated events slice backed by scratch; valid until scratch release.
func decodeEventPayloadInto(raw []byte, scratch *decodeScratch) ([]domain.ViolationEvent, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		return decodeBatchEventsInto(decoder, scratch)
	}
	event, err := decodeSingleEvent(decoder)
	if err != nil {
		return nil, err
	}
	events := scratch.events[:0]
	events = append(events, event)
	scratch.events = events
	return events, nil
}

func decodeBatchEventsInto(decoder *json.Decoder, scratch *decodeScratch) ([]domain.ViolationEvent, error) {
	events := scratch.events[:0]
	if err := decoder.Decode(&events); err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}
	if len(events) == 0 {
		return nil, errors.New("event batch must contain at least one event")
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("event[%d]: %w", i, err)
		}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	scratch.events = events
	return events, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.events {
		scratch.events[i] = domain.ViolationEvent{}
	}
	if cap(scratch.events) > maxPooledBatchCapacity {
		scratch.events = make([]domain.ViolationEvent, 0, 16)
	} else {
		scratch.events = scratch.events[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// pushEvents sends events to sink with optional batch support.
// Params: context, event sink, and event slice.
// Returns: first push error or nil.
func pushEvents(ctx context.Context, sink EventSink, events []domain.ViolationEvent) error {
	if len(events) == 0 {
		return nil
	}
	if batchSink, ok := sink.(BatchEventSink); ok {
		return batchSink.PushBatch(ctx, events)
	}
	for _, event := range events {
		if err := sink.Push(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
