package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mensylisir/fleetctl/pkg/logger"
)

// ObjectStore is the narrow surface the Store needs from a remote object
// backend. *s3.Client satisfies it directly; tests substitute a fake.
type ObjectStore interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// deploymentRecord is the on-wire shape of one entry of the serialized
// state document: {"Deployment": {...}, "CurrentState": {...}}.
type deploymentRecord struct {
	Deployment struct {
		Module    string `json:"Module"`
		AccountId string `json:"AccountId"`
		Region    string `json:"Region"`
	} `json:"Deployment"`
	CurrentState CurrentRecord `json:"CurrentState"`
}

type document struct {
	Deployments []deploymentRecord `json:"Deployments"`
}

// Store is a durable, auto-checkpointed mapping of StepKey to
// CurrentRecord, backed by a single JSON object in remote storage. All
// mutations are in-memory; save() forces a write, and a background timer
// periodically diffs against the last-saved snapshot and re-uploads only
// when it changed.
type Store struct {
	client ObjectStore
	bucket string
	key    string

	mu        sync.RWMutex
	records   map[StepKey]CurrentRecord
	lastSaved []byte

	log *logger.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Options configures a Store.
type Options struct {
	Client ObjectStore
	Bucket string
	// Key is the object key within the bucket, e.g. "state.json".
	Key string
	// AutosavePeriod is how often the background timer checks for a diff
	// and re-uploads; zero disables the autosave timer entirely.
	AutosavePeriod time.Duration
	Logger         *logger.Logger
}

// NewStore constructs a Store and attempts to deserialize its contents
// from the configured object; a missing object yields an empty store.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	s := &Store{
		client:  opts.Client,
		bucket:  opts.Bucket,
		key:     opts.Key,
		records: make(map[StepKey]CurrentRecord),
		log:     log,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	if opts.AutosavePeriod > 0 {
		go s.autosave(opts.AutosavePeriod)
	} else {
		close(s.doneCh)
	}

	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		if isNotFound(err) {
			s.log.Debugf("state object %s/%s not found, starting with empty store", s.bucket, s.key)
			return nil
		}
		return fmt.Errorf("loading state object %s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return fmt.Errorf("reading state object body: %w", err)
	}

	var doc document
	if buf.Len() > 0 {
		if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
			return fmt.Errorf("decoding state document: %w", err)
		}
	}

	s.mu.Lock()
	for _, rec := range doc.Deployments {
		key := StepKey{Module: rec.Deployment.Module, AccountID: rec.Deployment.AccountId, Region: rec.Deployment.Region}
		s.records[key] = rec.CurrentState
	}
	s.mu.Unlock()

	// Re-marshal rather than keeping the raw object bytes: the loaded
	// document may be formatted differently, and the autosave diff compares
	// against our own canonical serialization.
	data, _ := s.marshal()
	s.mu.Lock()
	s.lastSaved = data
	s.mu.Unlock()
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *s3types.NotFound
	return errors.As(err, &notFound)
}

func (s *Store) marshal() ([]byte, []StepKey) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]StepKey, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	// The document is serialized in sorted key order so that two marshals of
	// the same store are byte-identical and the autosave diff check does not
	// re-upload an unchanged state.
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	doc := document{Deployments: make([]deploymentRecord, 0, len(s.records))}
	for _, key := range keys {
		dr := deploymentRecord{CurrentState: s.records[key]}
		dr.Deployment.Module = key.Module
		dr.Deployment.AccountId = key.AccountID
		dr.Deployment.Region = key.Region
		doc.Deployments = append(doc.Deployments, dr)
	}
	data, _ := json.Marshal(doc)
	return data, keys
}

// Get returns the CurrentRecord for a key, if one exists.
func (s *Store) Get(key StepKey) (CurrentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

// All returns a snapshot copy of every key currently held.
func (s *Store) All() map[StepKey]CurrentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[StepKey]CurrentRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Put overwrites the record for key (create/update apply outcome).
func (s *Store) Put(key StepKey, rec CurrentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec
}

// Delete removes the record for key (destroy apply outcome).
func (s *Store) Delete(key StepKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
}

// Save forces a write of the in-memory store to the remote object,
// regardless of whether it differs from the last-saved snapshot.
func (s *Store) Save(ctx context.Context) error {
	data, _ := s.marshal()
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   bytes.NewReader(data),
	}); err != nil {
		return fmt.Errorf("saving state object %s/%s: %w", s.bucket, s.key, err)
	}
	s.mu.Lock()
	s.lastSaved = data
	s.mu.Unlock()
	return nil
}

func (s *Store) hasDiff() bool {
	data, _ := s.marshal()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !bytes.Equal(data, s.lastSaved)
}

func (s *Store) autosave(period time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !s.hasDiff() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := s.Save(ctx)
			cancel()
			if err != nil {
				s.log.Errorf("autosave: %v", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Stop cancels the autosave timer and waits for it to exit.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}
