// Package testutil provides in-memory collaborators for pipeline tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/medbillflow/internal/blob"
	"github.com/Lllllllleong/medbillflow/internal/llm"
	"github.com/Lllllllleong/medbillflow/internal/models"
	"github.com/Lllllllleong/medbillflow/internal/store"
)

// MemoryBackend is a store.Backend held in maps. Scans return rows in id order.
type MemoryBackend struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]any

	// ScanCalls counts ScanPage calls.
	ScanCalls int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: map[string]map[string]map[string]any{}}
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (b *MemoryBackend) Put(_ context.Context, table, id string, fields map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tables[table] == nil {
		b.tables[table] = map[string]map[string]any{}
	}
	b.tables[table][id] = copyFields(fields)
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, table, id string) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.tables[table][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyFields(row), nil
}

func (b *MemoryBackend) Delete(_ context.Context, table, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tables[table], id)
	return nil
}

func (b *MemoryBackend) ScanPage(_ context.Context, table, attr, value, pageToken string, limit int) (store.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ScanCalls++

	var ids []string
	for id, row := range b.tables[table] {
		if fmt.Sprint(row[attr]) == value && id > pageToken {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var page store.Page
	for _, id := range ids {
		if len(page.Items) == limit {
			page.Next = page.Items[len(page.Items)-1].ID
			break
		}
		page.Items = append(page.Items, store.Item{ID: id, Fields: copyFields(b.tables[table][id])})
	}
	return page, nil
}

// Rows returns a copy of every row in table keyed by id.
func (b *MemoryBackend) Rows(table string) map[string]map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]map[string]any{}
	for id, row := range b.tables[table] {
		out[id] = copyFields(row)
	}
	return out
}

// Count returns how many rows table holds.
func (b *MemoryBackend) Count(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tables[table])
}

// MemoryObjects is a blob.Store held in memory. Every write advances a fake clock
// so Updated times are strictly increasing.
type MemoryObjects struct {
	mu      sync.Mutex
	objects map[string]*blob.Object
	clock   time.Time

	// BeforeRead runs before each Read with the store unlocked.
	BeforeRead func(bucket, key string)
	// DeleteErr, if set, is returned by every Delete.
	DeleteErr error
}

func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{
		objects: map[string]*blob.Object{},
		clock:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func objectKey(bucket, key string) string { return bucket + "/" + key }

func (m *MemoryObjects) Read(_ context.Context, bucket, key string) (*blob.Object, error) {
	if m.BeforeRead != nil {
		m.BeforeRead(bucket, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return nil, blob.ErrNotExist
	}
	cp := *obj
	cp.Body = append([]byte(nil), obj.Body...)
	return &cp, nil
}

func (m *MemoryObjects) Write(_ context.Context, bucket, key string, body []byte, opts blob.WriteOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := objectKey(bucket, key)
	if _, ok := m.objects[k]; ok && opts.IfAbsent {
		return blob.ErrExists
	}
	m.clock = m.clock.Add(time.Second)
	meta := map[string]string{}
	for mk, mv := range opts.Metadata {
		meta[mk] = mv
	}
	m.objects[k] = &blob.Object{
		Attrs: blob.Attrs{
			Bucket:      bucket,
			Key:         key,
			Size:        int64(len(body)),
			ContentType: opts.ContentType,
			Metadata:    meta,
			Updated:     m.clock,
		},
		Body: append([]byte(nil), body...),
	}
	return nil
}

func (m *MemoryObjects) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	k := objectKey(bucket, key)
	if _, ok := m.objects[k]; !ok {
		return blob.ErrNotExist
	}
	delete(m.objects, k)
	return nil
}

func (m *MemoryObjects) List(_ context.Context, bucket, prefix string) ([]blob.Attrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []blob.Attrs
	for _, obj := range m.objects {
		if obj.Bucket == bucket && strings.HasPrefix(obj.Key, prefix) {
			out = append(out, obj.Attrs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Put stores body without options, for seeding.
func (m *MemoryObjects) Put(bucket, key string, body []byte, metadata map[string]string) {
	_ = m.Write(context.Background(), bucket, key, body, blob.WriteOptions{Metadata: metadata})
}

// Exists reports whether the object is present.
func (m *MemoryObjects) Exists(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[objectKey(bucket, key)]
	return ok
}

// Reply answers one model call.
type Reply func(req llm.Request) (string, error)

// Text returns a Reply that always answers text.
func Text(text string) Reply {
	return func(llm.Request) (string, error) { return text, nil }
}

// Fail returns a Reply that always fails with err.
func Fail(err error) Reply {
	return func(llm.Request) (string, error) { return "", err }
}

// Sequence answers with each reply in turn and repeats the last one.
func Sequence(replies ...Reply) Reply {
	var (
		mu sync.Mutex
		n  int
	)
	return func(req llm.Request) (string, error) {
		mu.Lock()
		i := n
		if n < len(replies)-1 {
			n++
		}
		mu.Unlock()
		return replies[i](req)
	}
}

// ScriptedModel routes each call to the Reply registered for its name. It is both
// an llm.Generator and an llm.Caller.
type ScriptedModel struct {
	mu      sync.Mutex
	replies map[string]Reply
	calls   []llm.Request
}

func NewScriptedModel() *ScriptedModel {
	return &ScriptedModel{replies: map[string]Reply{}}
}

// On registers reply for calls named name and returns the model for chaining.
func (s *ScriptedModel) On(name string, reply Reply) *ScriptedModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[name] = reply
	return s
}

func (s *ScriptedModel) Generate(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	reply, ok := s.replies[req.Name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no scripted reply for call %q", req.Name)
	}
	return reply(req)
}

func (s *ScriptedModel) Invoke(ctx context.Context, req llm.Request) (string, error) {
	return s.Generate(ctx, req)
}

// Calls returns the requests seen so far, optionally filtered by name.
func (s *ScriptedModel) Calls(name string) []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []llm.Request
	for _, c := range s.calls {
		if name == "" || c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Handoff is one recorded dispatch.
type Handoff struct {
	Stage   string
	Request models.StageRequest
}

// RecordingDispatcher records dispatches and optionally fails them.
type RecordingDispatcher struct {
	mu       sync.Mutex
	handoffs []Handoff

	Err error
}

func (d *RecordingDispatcher) Dispatch(_ context.Context, stage string, req models.StageRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.handoffs = append(d.handoffs, Handoff{Stage: stage, Request: req})
	return nil
}

// Handoffs returns the recorded dispatches in order.
func (d *RecordingDispatcher) Handoffs() []Handoff {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Handoff(nil), d.handoffs...)
}
