package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"agentflow/internal/agent/ports"
	"agentflow/internal/security/pathguard"
)

// VectorConfig configures a VectorMemory.
type VectorConfig struct {
	// PersistPath is validated with pathguard before use. Empty keeps the
	// memory in process.
	PersistPath string
	Persist     bool
	Collection  string
	// Roots bounds PersistPath. Zero uses pathguard.DefaultStorageRoots.
	Roots pathguard.StorageRoots
}

// VectorMemory implements ports.VectorMemory on a chromem collection.
type VectorMemory struct {
	db         *chromem.DB
	collection *chromem.Collection
	seq        atomic.Int64
}

// NewVectorMemory opens or creates the collection.
func NewVectorMemory(config VectorConfig, embedder Embedder) (*VectorMemory, error) {
	if config.Collection == "" {
		config.Collection = "agent-memory"
	}

	var (
		db  *chromem.DB
		err error
	)
	if config.Persist {
		roots := config.Roots
		if roots.Base == "" {
			roots = pathguard.DefaultStorageRoots()
		}
		dir, verr := roots.ValidateVectorStorePath(config.PersistPath)
		if verr != nil {
			return nil, verr
		}
		db, err = chromem.NewPersistentDB(filepath.Join(dir, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("create persistent DB: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(config.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &VectorMemory{db: db, collection: collection}, nil
}

// Add stores text with metadata.
func (m *VectorMemory) Add(ctx context.Context, text string, metadata map[string]string) error {
	id := strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatInt(m.seq.Add(1), 10)
	if err := m.collection.AddDocument(ctx, chromem.Document{
		ID:       id,
		Content:  text,
		Metadata: metadata,
	}); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search returns up to k documents ordered by similarity.
func (m *VectorMemory) Search(ctx context.Context, query string, k int) ([]ports.Document, error) {
	if k <= 0 {
		k = 5
	}
	// chromem refuses to return more results than it holds.
	if count := m.collection.Count(); count == 0 {
		return nil, nil
	} else if k > count {
		k = count
	}

	results, err := m.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	docs := make([]ports.Document, 0, len(results))
	for _, r := range results {
		docs = append(docs, ports.Document{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Score:    r.Similarity,
		})
	}
	return docs, nil
}

// Count returns how many documents are stored.
func (m *VectorMemory) Count() int {
	return m.collection.Count()
}
