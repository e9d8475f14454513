// Package audit implements the engine's AuditLog and TraceCollector (§4.9,
// §4.10): an in-memory ring buffer with secondary indexes, periodic
// persistence through a StorageAdapter, and a simple selectivity-ordered
// query planner.
package audit

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelflow/reactor/pkg/storage"
)

// Entry is one recorded occurrence; Category is auto-derived from Type.
type Entry struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Category      string         `json:"category"`
	Source        string         `json:"source,omitempty"`
	RuleID        string         `json:"ruleId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	DurationMs    int64          `json:"durationMs,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Summary       string         `json:"summary,omitempty"`
}

// categories maps an entry type to its category, per §4.9's five buckets.
var categories = map[string]string{
	"rule_registered":       "rule_management",
	"rule_unregistered":      "rule_management",
	"rule_enabled":           "rule_management",
	"rule_disabled":          "rule_management",
	"rule_triggered":         "rule_execution",
	"rule_executed":          "rule_execution",
	"rule_skipped":           "rule_execution",
	"condition_evaluated":    "rule_execution",
	"condition_error":        "rule_execution",
	"action_started":         "rule_execution",
	"action_completed":       "rule_execution",
	"action_failed":          "rule_execution",
	"fact_created":           "fact_change",
	"fact_updated":           "fact_change",
	"fact_deleted":           "fact_change",
	"event_emitted":          "event_emitted",
	"timer_fired":            "system",
	"temporal_fired":         "system",
	"cascade_depth_exceeded": "system",
}

func categoryFor(entryType string) string {
	if c, ok := categories[entryType]; ok {
		return c
	}
	return "system"
}

func summaryFor(entryType string, fields map[string]any) string {
	if ruleID, ok := fields["ruleId"].(string); ok && ruleID != "" {
		return entryType + ": " + ruleID
	}
	if topic, ok := fields["topic"].(string); ok && topic != "" {
		return entryType + ": " + topic
	}
	if key, ok := fields["key"].(string); ok && key != "" {
		return entryType + ": " + key
	}
	return entryType
}

// Subscriber is notified of every recorded entry. A panic in one subscriber
// is recovered and affects neither the others nor the recorder; subscribers
// are called in turn on the recording goroutine, so a slow one delays the
// rest and the Record call.
type Subscriber func(Entry)

// Options configures a Log.
type Options struct {
	MaxMemoryEntries int
	BatchSize        int
	FlushInterval    time.Duration
	Storage          storage.Adapter
	StorageKeyPrefix string
	ServerID         string
	Clock            func() time.Time
}

const defaultKeyPrefix = "audit-log"

// Log is the shared implementation behind both the AuditLog and
// TraceCollector: a bounded ring buffer plus five secondary indexes
// (category, type, source, ruleId, correlationId), each entry id set backed
// by a map for O(1) membership.
type Log struct {
	mu       sync.RWMutex
	order    *list.List // ring of *Entry, oldest at Front
	byID     map[string]*list.Element
	byCat    map[string]map[string]struct{}
	byType   map[string]map[string]struct{}
	bySource map[string]map[string]struct{}
	byRule   map[string]map[string]struct{}
	byCorr   map[string]map[string]struct{}

	maxEntries int
	batchSize  int
	flushEvery time.Duration
	pending    []Entry

	storageAdapter storage.Adapter
	keyPrefix      string
	serverID       string
	clock          func() time.Time

	subsMu sync.Mutex
	subs   []Subscriber

	flushTicker *time.Ticker
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New constructs a Log. If opts.Storage is nil, persistence is disabled and
// Flush is a no-op.
func New(opts Options) *Log {
	if opts.MaxMemoryEntries <= 0 {
		opts.MaxMemoryEntries = 50000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.StorageKeyPrefix == "" {
		opts.StorageKeyPrefix = defaultKeyPrefix
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	l := &Log{
		order:          list.New(),
		byID:           make(map[string]*list.Element),
		byCat:          make(map[string]map[string]struct{}),
		byType:         make(map[string]map[string]struct{}),
		bySource:       make(map[string]map[string]struct{}),
		byRule:         make(map[string]map[string]struct{}),
		byCorr:         make(map[string]map[string]struct{}),
		maxEntries:     opts.MaxMemoryEntries,
		batchSize:      opts.BatchSize,
		flushEvery:     opts.FlushInterval,
		storageAdapter: opts.Storage,
		keyPrefix:      opts.StorageKeyPrefix,
		serverID:       opts.ServerID,
		clock:          opts.Clock,
		stopCh:         make(chan struct{}),
	}

	if l.storageAdapter != nil {
		l.flushTicker = time.NewTicker(l.flushEvery)
		l.wg.Add(1)
		go l.flushLoop()
	}

	return l
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.flushTicker.C:
			_ = l.Flush(context.Background())
		case <-l.stopCh:
			return
		}
	}
}

// Subscribe registers fn to be called (isolated from panics) after every Record.
func (l *Log) Subscribe(fn Subscriber) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	l.subs = append(l.subs, fn)
}

// Record implements engine.Recorder: auto-derives category/summary, stores
// the entry, notifies subscribers, and enqueues it for persistence.
func (l *Log) Record(entryType string, fields map[string]any) {
	entry := Entry{
		ID:        uuid.NewString(),
		Type:      entryType,
		Category:  categoryFor(entryType),
		Timestamp: l.clock().UTC(),
		Details:   fields,
		Summary:   summaryFor(entryType, fields),
	}
	if v, ok := fields["ruleId"].(string); ok {
		entry.RuleID = v
	}
	if v, ok := fields["correlationId"].(string); ok {
		entry.CorrelationID = v
	}
	if v, ok := fields["source"].(string); ok {
		entry.Source = v
	}
	if v, ok := fields["durationMs"].(int64); ok {
		entry.DurationMs = v
	}

	l.store(entry)
	l.notify(entry)
}

func (l *Log) store(entry Entry) {
	l.mu.Lock()
	elem := l.order.PushBack(entry)
	l.byID[entry.ID] = elem
	addToIndex(l.byCat, entry.Category, entry.ID)
	addToIndex(l.byType, entry.Type, entry.ID)
	if entry.Source != "" {
		addToIndex(l.bySource, entry.Source, entry.ID)
	}
	if entry.RuleID != "" {
		addToIndex(l.byRule, entry.RuleID, entry.ID)
	}
	if entry.CorrelationID != "" {
		addToIndex(l.byCorr, entry.CorrelationID, entry.ID)
	}
	l.pending = append(l.pending, entry)

	if l.order.Len() > l.maxEntries {
		// Evict the oldest tenth of capacity (at least one entry) at once.
		n := l.maxEntries / 10
		if n < 1 {
			n = 1
		}
		for i := 0; i < n && l.order.Len() > 0; i++ {
			l.evictOldestLocked()
		}
	}
	shouldFlush := l.storageAdapter != nil && len(l.pending) >= l.batchSize
	l.mu.Unlock()

	if shouldFlush {
		_ = l.Flush(context.Background())
	}
}

func (l *Log) evictOldestLocked() {
	front := l.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(Entry)
	l.order.Remove(front)
	delete(l.byID, e.ID)
	removeFromIndex(l.byCat, e.Category, e.ID)
	removeFromIndex(l.byType, e.Type, e.ID)
	removeFromIndex(l.bySource, e.Source, e.ID)
	removeFromIndex(l.byRule, e.RuleID, e.ID)
	removeFromIndex(l.byCorr, e.CorrelationID, e.ID)
}

func addToIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFromIndex(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func (l *Log) notify(entry Entry) {
	l.subsMu.Lock()
	subs := append([]Subscriber(nil), l.subs...)
	l.subsMu.Unlock()
	for _, sub := range subs {
		func() {
			defer func() { _ = recover() }()
			sub(entry)
		}()
	}
}

// Filter selects which entries Query returns; zero-value fields are
// wildcards. At most one of Category/Type/Source/RuleID/CorrelationID
// should be set for the selectivity-ordered index path to apply, but all
// are evaluated so combining them narrows results further.
type Filter struct {
	Category      string
	Type          string
	Source        string
	RuleID        string
	CorrelationID string
	Since         time.Time
	Until         time.Time
	Offset        int
	Limit         int
}

// QueryResult is the paginated response shape from §4.9.
type QueryResult struct {
	Entries     []Entry
	TotalCount  int
	QueryTimeMs int64
	HasMore     bool
}

// Query picks the most selective index available (correlationId > ruleId >
// source > type > category > full scan), applies the remaining filters,
// sorts ascending by timestamp, and paginates.
func (l *Log) Query(f Filter) QueryResult {
	start := time.Now()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	candidates := l.selectCandidates(f)
	matched := make([]Entry, 0, len(candidates))
	for _, id := range candidates {
		elem, ok := l.byID[id]
		if !ok {
			continue
		}
		e := elem.Value.(Entry)
		if !matchesFilter(e, f) {
			continue
		}
		matched = append(matched, e)
	}
	sortByTimestampAsc(matched)

	total := len(matched)
	lo := f.Offset
	if lo > total {
		lo = total
	}
	hi := lo + limit
	if hi > total {
		hi = total
	}

	return QueryResult{
		Entries:     append([]Entry(nil), matched[lo:hi]...),
		TotalCount:  total,
		QueryTimeMs: time.Since(start).Milliseconds(),
		HasMore:     hi < total,
	}
}

func (l *Log) selectCandidates(f Filter) []string {
	switch {
	case f.CorrelationID != "":
		return idsFromIndex(l.byCorr, f.CorrelationID)
	case f.RuleID != "":
		return idsFromIndex(l.byRule, f.RuleID)
	case f.Source != "":
		return idsFromIndex(l.bySource, f.Source)
	case f.Type != "":
		return idsFromIndex(l.byType, f.Type)
	case f.Category != "":
		return idsFromIndex(l.byCat, f.Category)
	default:
		ids := make([]string, 0, len(l.byID))
		for id := range l.byID {
			ids = append(ids, id)
		}
		return ids
	}
}

func idsFromIndex(idx map[string]map[string]struct{}, key string) []string {
	set, ok := idx[key]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func matchesFilter(e Entry, f Filter) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.RuleID != "" && e.RuleID != f.RuleID {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func sortByTimestampAsc(entries []Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Timestamp.Before(entries[j-1].Timestamp); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// bucketKey returns the UTC hourly storage bucket key for t (§4.9).
func bucketKey(prefix string, t time.Time) string {
	return prefix + ":" + t.UTC().Format("2006-01-02T15")
}

// Flush merges any pending entries into their UTC hourly storage buckets.
// A no-op if no StorageAdapter was configured.
func (l *Log) Flush(ctx context.Context) error {
	if l.storageAdapter == nil {
		return nil
	}

	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	byBucket := make(map[string][]Entry)
	for _, e := range pending {
		key := bucketKey(l.keyPrefix, e.Timestamp)
		byBucket[key] = append(byBucket[key], e)
	}

	for key, entries := range byBucket {
		if err := l.mergeBucket(ctx, key, entries); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) mergeBucket(ctx context.Context, key string, entries []Entry) error {
	existing, found, err := l.storageAdapter.Load(ctx, key)
	if err != nil {
		return err
	}

	var merged []Entry
	if found {
		if err := json.Unmarshal(existing.State, &merged); err != nil {
			return err
		}
	}
	merged = append(merged, entries...)

	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	return l.storageAdapter.Save(ctx, key, storage.StoredState{
		State: raw,
		Metadata: storage.Metadata{
			PersistedAt:   l.clock().UTC(),
			ServerID:      l.serverID,
			SchemaVersion: 1,
		},
	})
}

// Cleanup deletes in-memory entries older than cutoff and removes storage
// buckets whose hour-end precedes cutoff.
func (l *Log) Cleanup(ctx context.Context, cutoff time.Time) error {
	l.mu.Lock()
	for {
		front := l.order.Front()
		if front == nil {
			break
		}
		e := front.Value.(Entry)
		if !e.Timestamp.Before(cutoff) {
			break
		}
		l.evictOldestLocked()
	}
	l.mu.Unlock()

	if l.storageAdapter == nil {
		return nil
	}
	keys, err := l.storageAdapter.ListKeys(ctx, l.keyPrefix+":")
	if err != nil {
		return err
	}
	for _, key := range keys {
		bucketTime, err := time.Parse("2006-01-02T15", key[len(l.keyPrefix)+1:])
		if err != nil {
			continue
		}
		if bucketTime.Add(time.Hour).Before(cutoff) {
			if err := l.storageAdapter.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop flushes pending entries and stops the periodic flush goroutine.
func (l *Log) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() {
		if l.flushTicker != nil {
			l.flushTicker.Stop()
		}
		close(l.stopCh)
	})
	l.wg.Wait()
	return l.Flush(ctx)
}

// Len returns the number of entries currently held in memory.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.order.Len()
}
