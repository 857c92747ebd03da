// Package outline implements the native, local source for outline
// content: headings, paragraphs, and todo blocks arranged in a tree via
// parent_id. It is authoritative and linearizable. CRDT merge semantics
// for collaborative editing are explicitly out of scope (spec Non-goals);
// this is the single-writer backing store the CRDT layer would sit in
// front of.
package outline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holon-app/holon/source"
	"github.com/holon-app/holon/value"
)

// Block is one node of the native outline tree.
type Block struct {
	ID         string
	ParentID   string
	HasParent  bool
	Content    string
	Checked    bool
	SortKey    string
	UpdatedAt  time.Time
}

// Schema describes the "blocks" cache table.
func Schema() value.Schema {
	return value.Schema{
		TableName: "blocks",
		Columns: []value.Column{
			{Name: "id", Type: value.TypeString, PrimaryKey: true},
			{Name: "parent_id", Type: value.TypeReference, Nullable: true, Indexed: true},
			{Name: "content", Type: value.TypeString},
			{Name: "checked", Type: value.TypeBoolean},
			{Name: "sort_key", Type: value.TypeString, Indexed: true},
			{Name: "updated_at", Type: value.TypeDateTime},
		},
	}
}

func Lenses() []value.Lens[Block] {
	return []value.Lens[Block]{
		value.NewSQLLens("id", "id",
			func(b Block) value.Value { return value.String(b.ID) },
			func(b Block, v value.Value) Block { b.ID, _ = v.Str(); return b }),
		value.NewSQLLens("parent_id", "parent_id",
			func(b Block) value.Value {
				if !b.HasParent {
					return value.Null()
				}
				return value.Reference(b.ParentID)
			},
			func(b Block, v value.Value) Block {
				if v.IsNull() {
					b.HasParent = false
					return b
				}
				b.ParentID, _ = v.Str()
				b.HasParent = true
				return b
			}),
		value.NewSQLLens("content", "content",
			func(b Block) value.Value { return value.String(b.Content) },
			func(b Block, v value.Value) Block { b.Content, _ = v.Str(); return b }),
		value.NewSQLLens("checked", "checked",
			func(b Block) value.Value { return value.Boolean(b.Checked) },
			func(b Block, v value.Value) Block { b.Checked, _ = v.Bool(); return b }),
		value.NewSQLLens("sort_key", "sort_key",
			func(b Block) value.Value { return value.String(b.SortKey) },
			func(b Block, v value.Value) Block { b.SortKey, _ = v.Str(); return b }),
		value.NewSQLLens("updated_at", "updated_at",
			func(b Block) value.Value { return value.DateTime(b.UpdatedAt) },
			func(b Block, v value.Value) Block { b.UpdatedAt, _ = v.Time(); return b }),
	}
}

// Store is the native, single-writer Source[Block] implementation.
type Store struct {
	mu     sync.Mutex
	blocks map[string]Block
	order  []string // insertion order, for deterministic GetAll
	now    func() time.Time
}

// NewStore returns an empty outline store.
func NewStore() *Store {
	return &Store{blocks: make(map[string]Block), now: time.Now}
}

func (s *Store) SourceName() string { return "outline" }
func (s *Store) IsLocal() bool      { return true }

func (s *Store) GetAll(ctx context.Context) ([]Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Block, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.blocks[id])
	}
	return out, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	return b, ok, nil
}

func (s *Store) Insert(ctx context.Context, item Block) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.UpdatedAt = s.now()
	s.blocks[item.ID] = item
	s.order = append(s.order, item.ID)
	return item.ID, nil
}

func (s *Store) Update(ctx context.Context, id string, updates source.Updates[Block]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return source.NotFound(nil)
	}
	next, err := updates.Apply(b)
	if err != nil {
		return err
	}
	next.UpdatedAt = s.now()
	s.blocks[id] = next
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[id]; !ok {
		return source.NotFound(nil)
	}
	delete(s.blocks, id)
	for i, bid := range s.order {
		if bid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
