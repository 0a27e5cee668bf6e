package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketWorkflows  = []byte("workflows")
	bucketCampaigns  = []byte("campaigns")
	bucketVersions   = []byte("versions")
	bucketSchedules  = []byte("schedules")
)

// Store persists WorkflowSpec definitions (with version history) and
// CampaignRecords in BoltDB, fronted by an in-memory read cache.
type Store struct {
	db       *bbolt.DB
	mu       sync.RWMutex
	memCache map[string]WorkflowSpec

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// NewStore opens (or creates) a BoltDB database at dbPath and warms its
// in-memory workflow cache.
func NewStore(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketWorkflows, bucketCampaigns, bucketVersions, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("orchestrator_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("orchestrator_store_write_ms")
	cacheHits, _ := meter.Int64Counter("orchestrator_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("orchestrator_store_cache_misses_total")

	s := &Store{
		db:           db,
		memCache:     make(map[string]WorkflowSpec),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutWorkflow stores spec, archiving any previous definition under the
// same name into the version bucket.
func (s *Store) PutWorkflow(ctx context.Context, spec WorkflowSpec) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "put_workflow")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		if existing := bucket.Get([]byte(spec.Name)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("%s:%d", spec.Name, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return fmt.Errorf("store version: %w", err)
			}
		}
		return bucket.Put([]byte(spec.Name), data)
	})
	if err != nil {
		return fmt.Errorf("write workflow: %w", err)
	}

	s.memCache[spec.Name] = spec
	return nil
}

// GetWorkflow retrieves a workflow by name, consulting the in-memory
// cache before falling back to BoltDB.
func (s *Store) GetWorkflow(ctx context.Context, name string) (WorkflowSpec, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "get_workflow")))
	}()

	s.mu.RLock()
	if spec, ok := s.memCache[name]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))
		return spec, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))

	var spec WorkflowSpec
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &spec)
	})
	if err != nil {
		return WorkflowSpec{}, false, fmt.Errorf("read workflow: %w", err)
	}
	if !found {
		return WorkflowSpec{}, false, nil
	}

	s.mu.Lock()
	s.memCache[name] = spec
	s.mu.Unlock()
	return spec, true, nil
}

// ListWorkflows returns every cached workflow definition.
func (s *Store) ListWorkflows(ctx context.Context) []WorkflowSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()

	specs := make([]WorkflowSpec, 0, len(s.memCache))
	for _, spec := range s.memCache {
		specs = append(specs, spec)
	}
	return specs
}

// GetWorkflowVersions returns up to limit prior versions of name, oldest
// write order as stored.
func (s *Store) GetWorkflowVersions(ctx context.Context, name string, limit int) ([]WorkflowSpec, error) {
	versions := make([]WorkflowSpec, 0, limit)
	prefix := []byte(name + ":")

	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketVersions).Cursor()
		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			var spec WorkflowSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				continue
			}
			versions = append(versions, spec)
			count++
		}
		return nil
	})
	return versions, err
}

// PutCampaign persists a CampaignRecord, indexed by its CampaignID.
func (s *Store) PutCampaign(ctx context.Context, rec *CampaignRecord) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "put_campaign")))
	}()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal campaign: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCampaigns).Put([]byte(rec.CampaignID), data)
	})
}

// GetCampaign retrieves a persisted CampaignRecord by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (*CampaignRecord, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "get_campaign")))
	}()

	var rec CampaignRecord
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &rec, true, nil
}

// PutSchedule persists a ScheduleConfig keyed by workflow name.
func (s *Store) PutSchedule(ctx context.Context, cfg *ScheduleConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(cfg.WorkflowName), data)
	})
}

// DeleteSchedule removes a persisted schedule by workflow name.
func (s *Store) DeleteSchedule(ctx context.Context, workflowName string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(workflowName))
	})
}

// ListSchedules returns every persisted ScheduleConfig.
func (s *Store) ListSchedules(ctx context.Context) ([]*ScheduleConfig, error) {
	schedules := make([]*ScheduleConfig, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var cfg ScheduleConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return nil
			}
			schedules = append(schedules, &cfg)
			return nil
		})
	})
	return schedules, err
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var spec WorkflowSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return nil
			}
			s.memCache[spec.Name] = spec
			return nil
		})
	})
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
