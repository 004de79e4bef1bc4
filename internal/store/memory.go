package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"aquachain/api/internal/revision"
)

// MemoryStore keeps the whole revision graph in process memory. Transactions
// run against a private copy that replaces the committed state on success.
type MemoryStore struct {
	mu      sync.RWMutex
	writeMu sync.Mutex
	state   *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) snapshot() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *MemoryStore) InTx(ctx context.Context, scope string, fn func(tx Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	draft := s.snapshot().clone()
	if err := fn(&memTx{memState: draft}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = draft
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetRevision(ctx context.Context, key revision.ScopedKey) (RevisionRecord, error) {
	return s.snapshot().GetRevision(ctx, key)
}

func (s *MemoryStore) HasRevision(ctx context.Context, key revision.ScopedKey) (bool, error) {
	return s.snapshot().HasRevision(ctx, key)
}

func (s *MemoryStore) GetChildren(ctx context.Context, key revision.ScopedKey) ([]revision.ScopedKey, error) {
	return s.snapshot().GetChildren(ctx, key)
}

func (s *MemoryStore) GetPayload(ctx context.Context, key revision.ScopedKey, kind revision.Kind) (revision.Payload, error) {
	return s.snapshot().GetPayload(ctx, key, kind)
}

func (s *MemoryStore) GetFileRecord(ctx context.Context, contentHash string) (FileRecord, error) {
	return s.snapshot().GetFileRecord(ctx, contentHash)
}

func (s *MemoryStore) GetFileRefs(ctx context.Context, contentHash string) ([]revision.ScopedKey, error) {
	return s.snapshot().GetFileRefs(ctx, contentHash)
}

func (s *MemoryStore) FindContentHash(ctx context.Context, key revision.ScopedKey) (string, error) {
	return s.snapshot().FindContentHash(ctx, key)
}

func (s *MemoryStore) GetFileName(ctx context.Context, key revision.ScopedKey) (string, error) {
	return s.snapshot().GetFileName(ctx, key)
}

func (s *MemoryStore) GetLatest(ctx context.Context, tip revision.ScopedKey) (Latest, error) {
	return s.snapshot().GetLatest(ctx, tip)
}

func (s *MemoryStore) ListLatest(ctx context.Context, scope string) ([]Latest, error) {
	return s.snapshot().ListLatest(ctx, scope)
}

// Counts summarizes stored rows; tests use it to compare states.
type Counts struct {
	Revisions     int
	Children      int
	Signatures    int
	Witnesses     int
	WitnessEvents int
	FileRecords   int
	FileRefs      int
	Latest        int
}

func (s *MemoryStore) Counts() Counts {
	st := s.snapshot()
	c := Counts{
		Revisions:     len(st.revisions),
		Signatures:    len(st.signatures),
		Witnesses:     len(st.witnesses),
		WitnessEvents: len(st.witnessEvents),
		FileRecords:   len(st.files),
		Latest:        len(st.latest),
	}
	for _, set := range st.children {
		c.Children += len(set)
	}
	for _, set := range st.refs {
		c.FileRefs += len(set)
	}
	return c
}

type counted[T any] struct {
	value T
	count int
}

type memState struct {
	revisions     map[revision.ScopedKey]RevisionRecord
	children      map[revision.ScopedKey]map[revision.ScopedKey]struct{}
	forms         map[revision.ScopedKey][]revision.FormField
	signatures    map[revision.ScopedKey]revision.SignaturePayload
	witnessEvents map[string]counted[revision.WitnessPayload]
	witnesses     map[revision.ScopedKey]string
	links         map[revision.ScopedKey]revision.LinkPayload
	files         map[string]FileRecord
	refs          map[string]map[revision.ScopedKey]struct{}
	names         map[revision.ScopedKey]string
	latest        map[revision.ScopedKey]Latest
	seq           int64
}

func newMemState() *memState {
	return &memState{
		revisions:     map[revision.ScopedKey]RevisionRecord{},
		children:      map[revision.ScopedKey]map[revision.ScopedKey]struct{}{},
		forms:         map[revision.ScopedKey][]revision.FormField{},
		signatures:    map[revision.ScopedKey]revision.SignaturePayload{},
		witnessEvents: map[string]counted[revision.WitnessPayload]{},
		witnesses:     map[revision.ScopedKey]string{},
		links:         map[revision.ScopedKey]revision.LinkPayload{},
		files:         map[string]FileRecord{},
		refs:          map[string]map[revision.ScopedKey]struct{}{},
		names:         map[revision.ScopedKey]string{},
		latest:        map[revision.ScopedKey]Latest{},
	}
}

// clone copies every map. Stored values are never mutated in place, so
// slices inside them can be shared.
func (m *memState) clone() *memState {
	out := newMemState()
	for k, v := range m.revisions {
		out.revisions[k] = v
	}
	for k, set := range m.children {
		out.children[k] = copySet(set)
	}
	for k, v := range m.forms {
		out.forms[k] = v
	}
	for k, v := range m.signatures {
		out.signatures[k] = v
	}
	for k, v := range m.witnessEvents {
		out.witnessEvents[k] = v
	}
	for k, v := range m.witnesses {
		out.witnesses[k] = v
	}
	for k, v := range m.links {
		out.links[k] = v
	}
	for k, v := range m.files {
		out.files[k] = v
	}
	for k, set := range m.refs {
		out.refs[k] = copySet(set)
	}
	for k, v := range m.names {
		out.names[k] = v
	}
	for k, v := range m.latest {
		out.latest[k] = v
	}
	out.seq = m.seq
	return out
}

func copySet(set map[revision.ScopedKey]struct{}) map[revision.ScopedKey]struct{} {
	out := make(map[revision.ScopedKey]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(set map[revision.ScopedKey]struct{}) []revision.ScopedKey {
	out := make([]revision.ScopedKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

func (m *memState) GetRevision(_ context.Context, key revision.ScopedKey) (RevisionRecord, error) {
	rec, ok := m.revisions[key]
	if !ok {
		return RevisionRecord{}, notFound("revision", key)
	}
	return rec, nil
}

func (m *memState) HasRevision(_ context.Context, key revision.ScopedKey) (bool, error) {
	_, ok := m.revisions[key]
	return ok, nil
}

func (m *memState) GetChildren(_ context.Context, key revision.ScopedKey) ([]revision.ScopedKey, error) {
	return sortedKeys(m.children[key]), nil
}

func (m *memState) GetPayload(_ context.Context, key revision.ScopedKey, kind revision.Kind) (revision.Payload, error) {
	switch kind {
	case revision.KindFile:
		return revision.FilePayload{}, nil
	case revision.KindForm:
		fields := append([]revision.FormField{}, m.forms[key]...)
		return revision.FormPayload{Fields: fields}, nil
	case revision.KindSignature:
		sig, ok := m.signatures[key]
		if !ok {
			return nil, notFound("signature", key)
		}
		return sig, nil
	case revision.KindWitness:
		root, ok := m.witnesses[key]
		if !ok {
			return nil, notFound("witness", key)
		}
		event, ok := m.witnessEvents[root]
		if !ok {
			return nil, notFound("witness event", root)
		}
		return event.value, nil
	case revision.KindLink:
		link, ok := m.links[key]
		if !ok {
			return nil, notFound("link", key)
		}
		return link, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q for %s", revision.ErrMalformedTree, kind, key)
	}
}

func (m *memState) GetFileRecord(_ context.Context, contentHash string) (FileRecord, error) {
	rec, ok := m.files[contentHash]
	if !ok {
		return FileRecord{}, notFound("file record", contentHash)
	}
	return rec, nil
}

func (m *memState) GetFileRefs(_ context.Context, contentHash string) ([]revision.ScopedKey, error) {
	return sortedKeys(m.refs[contentHash]), nil
}

func (m *memState) FindContentHash(_ context.Context, key revision.ScopedKey) (string, error) {
	hashes := make([]string, 0, len(m.refs))
	for contentHash := range m.refs {
		hashes = append(hashes, contentHash)
	}
	sort.Strings(hashes)
	for _, contentHash := range hashes {
		if _, ok := m.refs[contentHash][key]; ok {
			return contentHash, nil
		}
	}
	return "", notFound("file index entry", key)
}

func (m *memState) GetFileName(_ context.Context, key revision.ScopedKey) (string, error) {
	name, ok := m.names[key]
	if !ok {
		return "", notFound("file name", key)
	}
	return name, nil
}

func (m *memState) GetLatest(_ context.Context, tip revision.ScopedKey) (Latest, error) {
	l, ok := m.latest[tip]
	if !ok {
		return Latest{}, notFound("latest pointer", tip)
	}
	return l, nil
}

func (m *memState) ListLatest(_ context.Context, scope string) ([]Latest, error) {
	items := make([]Latest, 0)
	for tip, l := range m.latest {
		if tip.Scope == scope {
			items = append(items, l)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].Tip.Hash < items[j].Tip.Hash
	})
	return items, nil
}

type memTx struct {
	*memState
}

// tick returns a strictly increasing timestamp so listings have a stable
// order even within one clock tick.
func (t *memTx) tick() time.Time {
	t.seq++
	return time.Unix(0, 0).Add(time.Duration(t.seq) * time.Millisecond).UTC()
}

func (t *memTx) InsertRevision(_ context.Context, rec RevisionRecord) (bool, error) {
	if _, ok := t.revisions[rec.Key]; ok {
		return false, nil
	}
	t.revisions[rec.Key] = rec
	return true, nil
}

func (t *memTx) AddChild(_ context.Context, parent, child revision.ScopedKey) error {
	if parent.Scope != child.Scope {
		return fmt.Errorf("%w: child %s crosses scope of %s", revision.ErrBrokenLink, child, parent)
	}
	if _, ok := t.revisions[parent]; !ok {
		return notFound("revision", parent)
	}
	set := t.children[parent]
	if set == nil {
		set = map[revision.ScopedKey]struct{}{}
		t.children[parent] = set
	}
	set[child] = struct{}{}
	return nil
}

func (t *memTx) PutPayload(_ context.Context, key revision.ScopedKey, payload revision.Payload) error {
	switch p := payload.(type) {
	case nil, revision.FilePayload:
	case revision.FormPayload:
		if _, ok := t.forms[key]; !ok {
			t.forms[key] = append([]revision.FormField{}, p.Fields...)
		}
	case revision.SignaturePayload:
		if _, ok := t.signatures[key]; !ok {
			t.signatures[key] = p
		}
	case revision.WitnessPayload:
		event, ok := t.witnessEvents[p.MerkleRoot]
		if !ok {
			event = counted[revision.WitnessPayload]{value: p}
		}
		if _, ok := t.witnesses[key]; !ok {
			t.witnesses[key] = p.MerkleRoot
			event.count++
		}
		t.witnessEvents[p.MerkleRoot] = event
	case revision.LinkPayload:
		if _, ok := t.links[key]; !ok {
			t.links[key] = p
		}
	default:
		return fmt.Errorf("unsupported payload %T", payload)
	}
	return nil
}

func (t *memTx) InsertFileRecord(_ context.Context, rec FileRecord) (bool, error) {
	if _, ok := t.files[rec.ContentHash]; ok {
		return false, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.tick()
	}
	t.files[rec.ContentHash] = rec
	return true, nil
}

func (t *memTx) AddFileRef(_ context.Context, contentHash string, key revision.ScopedKey) error {
	if _, ok := t.files[contentHash]; !ok {
		return fmt.Errorf("%w: no file record for %s", revision.ErrOrphanedContent, contentHash)
	}
	set := t.refs[contentHash]
	if set == nil {
		set = map[revision.ScopedKey]struct{}{}
		t.refs[contentHash] = set
	}
	set[key] = struct{}{}
	return nil
}

func (t *memTx) PutFileName(_ context.Context, key revision.ScopedKey, name string) error {
	t.names[key] = name
	return nil
}

func (t *memTx) InsertLatest(_ context.Context, latest Latest) error {
	now := t.tick()
	if existing, ok := t.latest[latest.Tip]; ok {
		if latest.TemplateID != "" {
			existing.TemplateID = latest.TemplateID
		}
		existing.UpdatedAt = now
		t.latest[latest.Tip] = existing
		return nil
	}
	latest.CreatedAt = now
	latest.UpdatedAt = now
	t.latest[latest.Tip] = latest
	return nil
}

func (t *memTx) RepointLatest(_ context.Context, from, to revision.ScopedKey) error {
	if from == to {
		return nil
	}
	if from.Scope != to.Scope {
		return fmt.Errorf("%w: cannot repoint %s onto %s", revision.ErrBrokenLink, from, to)
	}
	l, ok := t.latest[from]
	if !ok {
		return notFound("latest pointer", from)
	}
	delete(t.latest, to)
	delete(t.latest, from)
	l.Tip = to
	l.UpdatedAt = t.tick()
	t.latest[to] = l
	return nil
}

func (t *memTx) SetWorkflow(_ context.Context, tip revision.ScopedKey, isWorkflow bool) error {
	l, ok := t.latest[tip]
	if !ok {
		return notFound("latest pointer", tip)
	}
	l.IsWorkflow = isWorkflow
	l.UpdatedAt = t.tick()
	t.latest[tip] = l
	return nil
}

func (t *memTx) PurgeScope(_ context.Context, scope string) (PurgeResult, error) {
	var result PurgeResult

	contentHashes := make([]string, 0, len(t.refs))
	for contentHash := range t.refs {
		contentHashes = append(contentHashes, contentHash)
	}
	sort.Strings(contentHashes)
	for _, contentHash := range contentHashes {
		set := t.refs[contentHash]
		touched := false
		for key := range set {
			if key.Scope == scope {
				delete(set, key)
				touched = true
			}
		}
		if touched && len(set) == 0 {
			delete(t.refs, contentHash)
			if rec, ok := t.files[contentHash]; ok {
				result.ReleasedFiles = append(result.ReleasedFiles, rec)
				delete(t.files, contentHash)
			}
		}
	}

	for key, root := range t.witnesses {
		if key.Scope != scope {
			continue
		}
		event := t.witnessEvents[root]
		event.count--
		if event.count <= 0 {
			delete(t.witnessEvents, root)
		} else {
			t.witnessEvents[root] = event
		}
		delete(t.witnesses, key)
	}

	for key := range t.revisions {
		if key.Scope != scope {
			continue
		}
		delete(t.revisions, key)
		delete(t.children, key)
		delete(t.forms, key)
		delete(t.signatures, key)
		delete(t.links, key)
		result.Revisions++
	}
	for key := range t.names {
		if key.Scope == scope {
			delete(t.names, key)
		}
	}
	for tip := range t.latest {
		if tip.Scope == scope {
			delete(t.latest, tip)
			result.Documents++
		}
	}
	return result, nil
}
