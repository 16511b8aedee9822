package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sensoralert/internal/config"
	"sensoralert/internal/domain"

	"github.com/nats-io/nats.go"
)

const (
	alertKeyPrefix = "alert."
	openKeyPrefix  = "open."
)

// NATSStore persists alerts in a JetStream KV bucket.
// Params: NATS connection and alert bucket holding records and open-tuple index keys.
// Returns: KV-backed store shared by service instances.
type NATSStore struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	alertKV nats.KeyValue
}

// NewNATSStore opens or creates alert bucket and returns NATS store.
// Params: NATS state settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	alertKV, err := openBucket(js, settings.AlertBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSStore{nc: nc, js: js, alertKV: alertKV}, nil
}

// openBucket binds KV bucket, creating it when allowed.
// Params: JetStream context, bucket name, and create permission.
// Returns: bucket handle or bind/create error.
func openBucket(js nats.JetStreamContext, bucket string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// Get reads one alert and its KV revision.
// Params: alert ID.
// Returns: alert, revision, or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, alertID string) (domain.Alert, uint64, error) {
	entry, err := s.alertKV.Get(alertKeyPrefix + alertID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Alert{}, 0, ErrNotFound
		}
		return domain.Alert{}, 0, fmt.Errorf("get alert: %w", err)
	}
	var alert domain.Alert
	if err := json.Unmarshal(entry.Value(), &alert); err != nil {
		return domain.Alert{}, 0, fmt.Errorf("decode alert: %w", err)
	}
	return alert, entry.Revision(), nil
}

// FindOpen resolves tuple index to current alert.
// Params: dedup tuple key.
// Returns: alert, revision, or ErrNotFound.
func (s *NATSStore) FindOpen(ctx context.Context, tupleKey string) (domain.Alert, uint64, error) {
	entry, err := s.alertKV.Get(openKeyPrefix + tupleKey)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Alert{}, 0, ErrNotFound
		}
		return domain.Alert{}, 0, fmt.Errorf("get open index: %w", err)
	}
	alert, rev, err := s.Get(ctx, string(entry.Value()))
	if err != nil {
		return domain.Alert{}, 0, err
	}
	if !alert.Status.Open() {
		return domain.Alert{}, 0, ErrNotFound
	}
	return alert, rev, nil
}

// Create claims tuple index with KV Create and writes alert record.
// Params: new alert.
// Returns: alert record revision or ErrOpenExists.
func (s *NATSStore) Create(ctx context.Context, alert domain.Alert) (uint64, error) {
	body, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}
	indexKey := openKeyPrefix + alert.TupleKey()
	indexRev, err := s.alertKV.Create(indexKey, []byte(alert.ID))
	if errors.Is(err, nats.ErrKeyExists) {
		if err := s.reclaimStaleIndex(ctx, indexKey); err != nil {
			return 0, err
		}
		indexRev, err = s.alertKV.Create(indexKey, []byte(alert.ID))
	}
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return 0, ErrOpenExists
		}
		return 0, fmt.Errorf("claim open index: %w", err)
	}
	rev, err := s.alertKV.Create(alertKeyPrefix+alert.ID, body)
	if err != nil {
		_ = s.alertKV.Delete(indexKey, nats.LastRevision(indexRev))
		if errors.Is(err, nats.ErrKeyExists) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("create alert: %w", err)
	}
	return rev, nil
}

// Update writes alert using expected revision CAS and releases tuple on resolve.
// Params: replacement alert and expected revision.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) Update(_ context.Context, alert domain.Alert, expectedRevision uint64) (uint64, error) {
	body, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}
	rev, err := s.alertKV.Update(alertKeyPrefix+alert.ID, body, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update alert: %w", err)
	}
	if !alert.Status.Open() {
		if err := s.releaseTuple(alert); err != nil {
			return rev, err
		}
	}
	return rev, nil
}

// Delete removes alert record and its tuple index.
// Params: alert ID.
// Returns: ErrNotFound or delete error.
func (s *NATSStore) Delete(ctx context.Context, alertID string) error {
	alert, _, err := s.Get(ctx, alertID)
	if err != nil {
		return err
	}
	if err := s.alertKV.Delete(alertKeyPrefix + alertID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete alert: %w", err)
	}
	return s.releaseTuple(alert)
}

// reclaimStaleIndex drops an open index whose alert is gone or no longer open.
// A failed record delete or tuple release can leave such an index behind.
// Returns: ErrOpenExists while the index still points at an open alert.
func (s *NATSStore) reclaimStaleIndex(ctx context.Context, indexKey string) error {
	entry, err := s.alertKV.Get(indexKey)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("get open index: %w", err)
	}
	current, _, err := s.Get(ctx, string(entry.Value()))
	switch {
	case err == nil && current.Status.Open():
		return ErrOpenExists
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}
	if err := s.alertKV.Delete(indexKey, nats.LastRevision(entry.Revision())); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		// Another instance reclaimed or claimed it first.
		return ErrOpenExists
	}
	return nil
}

// releaseTuple deletes open index only while it still points at alert.
func (s *NATSStore) releaseTuple(alert domain.Alert) error {
	indexKey := openKeyPrefix + alert.TupleKey()
	entry, err := s.alertKV.Get(indexKey)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("get open index: %w", err)
	}
	if string(entry.Value()) != alert.ID {
		return nil
	}
	if err := s.alertKV.Delete(indexKey, nats.LastRevision(entry.Revision())); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("release open index: %w", err)
	}
	return nil
}

// List scans alert keys and filters by query.
// Params: context and query.
// Returns: matching alerts newest first.
func (s *NATSStore) List(ctx context.Context, query Query) ([]domain.Alert, error) {
	keys, err := s.alertKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]domain.Alert, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, alertKeyPrefix) {
			continue
		}
		alert, _, err := s.Get(ctx, strings.TrimPrefix(key, alertKeyPrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if query.Matches(alert) {
			out = append(out, alert)
		}
	}
	sortAlerts(out)
	return out, nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// enableBucketPerMessageTTL ensures underlying KV stream allows Nats-TTL header.
// Params: JetStream context and KV bucket name.
// Returns: stream update error when config cannot be applied.
func enableBucketPerMessageTTL(js nats.JetStreamContext, bucket string) error {
	streamName := "KV_" + bucket
	info, err := js.StreamInfo(streamName)
	if err != nil {
		return err
	}
	if info.Config.AllowMsgTTL {
		return nil
	}
	cfg := info.Config
	cfg.AllowMsgTTL = true
	if cfg.SubjectDeleteMarkerTTL == 0 {
		cfg.SubjectDeleteMarkerTTL = 5 * time.Minute
	}
	_, err = js.UpdateStream(&cfg)
	return err
}
