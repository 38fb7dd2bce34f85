package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ComUnity/edge-service/internal/models"
	"github.com/ComUnity/edge-service/internal/repository"
)

type memCache struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
	pages   map[string]string
	readErr error
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]models.CacheEntry{}, pages: map[string]string{}}
}

func (c *memCache) GetTestEntry(_ context.Context, slug string) (*models.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	e, ok := c.entries[slug]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (c *memCache) PutTestEntry(_ context.Context, slug string, entry models.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[slug] = entry
	return nil
}

func (c *memCache) GetPage(_ context.Context, slug string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return "", false, c.readErr
	}
	html, ok := c.pages[slug]
	return html, ok, nil
}

func (c *memCache) PutPage(_ context.Context, slug, html string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[slug] = html
	return nil
}

func (c *memCache) DeletePage(_ context.Context, slug string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pages, slug)
	return nil
}

func (c *memCache) Purge(_ context.Context, slug string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pages, slug)
	delete(c.entries, slug)
	return nil
}

type fakeTests struct {
	mu      sync.Mutex
	tests   map[string]*models.Test
	err     error
	fetches int
	visits  map[string]int
}

func newFakeTests(tests ...*models.Test) *fakeTests {
	f := &fakeTests{tests: map[string]*models.Test{}, visits: map[string]int{}}
	for _, t := range tests {
		f.tests[t.Slug] = t
	}
	return f
}

func (f *fakeTests) FindActiveBySlug(_ context.Context, slug string) (*models.Test, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.tests[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (f *fakeTests) IncrementVisits(_ context.Context, variantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits[variantID]++
	return nil
}

type fakeQueue struct {
	mu     sync.Mutex
	events []models.TrackingEvent
	err    error
}

func (q *fakeQueue) Enqueue(_ context.Context, ev models.TrackingEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, ev)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.TrackingEvent
	err    error
}

func (n *fakeNotifier) NotifyPurchase(_ context.Context, ev models.TrackingEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

type fakeSubs struct {
	subs    []models.PushSubscription
	deleted []string
	err     error
}

func (f *fakeSubs) ListSubscriptions(context.Context) ([]models.PushSubscription, error) {
	return f.subs, f.err
}

func (f *fakeSubs) DeleteSubscription(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeSender struct {
	payloads [][]byte
	results  map[string]error
}

func (f *fakeSender) Send(_ context.Context, subscription json.RawMessage, payload []byte) error {
	f.payloads = append(f.payloads, payload)
	var sub struct {
		Endpoint string `json:"endpoint"`
	}
	_ = json.Unmarshal(subscription, &sub)
	return f.results[sub.Endpoint]
}

type fakeLogs struct {
	mu        sync.Mutex
	entries   map[string]*models.WebhookLog
	byID      map[string]*models.WebhookLog
	existsErr error
	createErr error
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{entries: map[string]*models.WebhookLog{}, byID: map[string]*models.WebhookLog{}}
}

func (f *fakeLogs) Exists(_ context.Context, webhookID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.entries[webhookID]
	return ok, nil
}

func (f *fakeLogs) Create(_ context.Context, entry *models.WebhookLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.entries[entry.WebhookID]; ok {
		return repository.ErrDuplicate
	}
	cp := *entry
	f.entries[entry.WebhookID] = &cp
	f.byID[entry.ID] = &cp
	return nil
}

func (f *fakeLogs) MarkProcessed(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = models.WebhookStatusProcessed
	e.ProcessedAt = &at
	return nil
}

func (f *fakeLogs) MarkErrored(_ context.Context, id, msg string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = models.WebhookStatusErrored
	e.ErrorLog = &msg
	e.ProcessedAt = &at
	return nil
}

func (f *fakeLogs) get(id string) *models.WebhookLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id]
}

type crmCall struct {
	op     string
	table  string
	id     string
	record repository.CRMRecord
}

type fakeCRM struct {
	mu    sync.Mutex
	calls []crmCall
	err   error
}

func (f *fakeCRM) Upsert(_ context.Context, record repository.CRMRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, crmCall{op: "upsert", table: record.TableName(), record: record})
	return f.err
}

func (f *fakeCRM) Delete(_ context.Context, record repository.CRMRecord, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, crmCall{op: "delete", table: record.TableName(), id: id})
	return f.err
}
