// Package index persists embedded chunks and answers filtered
// nearest-neighbor queries. Search is brute-force exact over an in-memory
// mirror of the bbolt-backed records, which is plenty for a corpus of
// hundreds to low thousands of documents and keeps scoring and tie-breaks
// fully deterministic.
package index

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/fvcp94/financial-rag-system/internal/document"
)

var (
	// ErrDimensionMismatch signals a vector whose length disagrees with
	// the index's established dimensionality.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

var (
	bucketEntries = []byte("entries")
	bucketConfig  = []byte("config")
	keyDimension  = []byte("dimension")
)

// Entry is one indexed chunk: identifier, vector, filing metadata, and the
// original text. Entries are never mutated after insertion.
type Entry struct {
	ID     string
	Doc    string // identifier of the source document
	Vector []float32
	Meta   document.Metadata
	Text   string
}

// ScoredEntry pairs an entry with its similarity score for one query.
type ScoredEntry struct {
	Entry Entry
	Score float64
}

// Filter is an exact-match conjunction over filing metadata. Zero-value
// fields (nil Period) mean "no constraint".
type Filter struct {
	Entity string
	Year   int
	Period *int
}

// Matches reports whether metadata satisfies every set constraint.
func (f Filter) Matches(m document.Metadata) bool {
	if f.Entity != "" && f.Entity != m.Entity {
		return false
	}
	if f.Year != 0 && f.Year != m.Year {
		return false
	}
	if f.Period != nil && *f.Period != m.Period {
		return false
	}
	return true
}

// Stats summarizes index contents.
type Stats struct {
	Entries   int
	Dimension int
	ByEntity  map[string]int
}

type record struct {
	entry Entry
	seq   uint64
}

type storedRecord struct {
	Seq      uint64            `json:"seq"`
	Doc      string            `json:"doc,omitempty"`
	Vector   []float32         `json:"vector"`
	Metadata document.Metadata `json:"metadata"`
	Text     string            `json:"text"`
}

// Index is a bbolt-persisted vector index. Reads run concurrently;
// writes are exclusive with all reads and other writes.
type Index struct {
	db        *bbolt.DB
	dimension int

	mu      sync.RWMutex
	records map[string]record
	nextSeq uint64
}

// Open opens (or creates) an index at path with the given dimensionality.
// Existing contents are reloaded. If the store was written with a
// different dimension the open fails with ErrDimensionMismatch and the
// caller must Reset and reindex.
func Open(path string, dimension int) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("index dimension must be positive, got %d", dimension)
	}

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	idx := &Index{
		db:        db,
		dimension: dimension,
		records:   make(map[string]record),
		nextSeq:   1,
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		cfg, err := tx.CreateBucketIfNotExists(bucketConfig)
		if err != nil {
			return err
		}
		if stored := cfg.Get(keyDimension); stored != nil {
			if got := int(binary.BigEndian.Uint64(stored)); got != dimension {
				return fmt.Errorf("%w: index was built with dimension %d, configured %d; reset and reindex",
					ErrDimensionMismatch, got, dimension)
			}
			return nil
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(dimension))
		return cfg.Put(keyDimension, buf[:])
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := idx.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load index: %w", err)
	}
	return idx, nil
}

// load mirrors all persisted records into memory.
func (idx *Index) load() error {
	return idx.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var stored storedRecord
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("decode entry %q: %w", k, err)
			}
			idx.records[string(k)] = record{
				entry: Entry{
					ID:     string(k),
					Doc:    stored.Doc,
					Vector: stored.Vector,
					Meta:   stored.Metadata,
					Text:   stored.Text,
				},
				seq: stored.Seq,
			}
			if stored.Seq >= idx.nextSeq {
				idx.nextSeq = stored.Seq + 1
			}
			return nil
		})
	})
}

// Add upserts entries: a duplicate identifier replaces the prior entry
// and takes a fresh position in the insertion order.
func (idx *Index) Add(entries []Entry) error {
	for i, e := range entries {
		if len(e.Vector) != idx.dimension {
			return fmt.Errorf("%w: entry %d has %d dimensions, index expects %d; reset and reindex if the embedding model changed",
				ErrDimensionMismatch, i, len(e.Vector), idx.dimension)
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	err := idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for i, e := range entries {
			stored := storedRecord{
				Seq:      idx.nextSeq + uint64(i),
				Doc:      e.Doc,
				Vector:   e.Vector,
				Metadata: e.Meta,
				Text:     e.Text,
			}
			data, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(e.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist entries: %w", err)
	}

	for i, e := range entries {
		idx.records[e.ID] = record{entry: e, seq: idx.nextSeq + uint64(i)}
	}
	idx.nextSeq += uint64(len(entries))
	return nil
}

// Query scores every entry matching filter against the query vector,
// excludes scores below threshold, and returns at most topK results
// ordered by score descending. Ties are broken by insertion order
// (earlier wins) so identical queries always return identical results.
func (idx *Index) Query(vector []float32, topK int, threshold float64, filter Filter) ([]ScoredEntry, error) {
	if len(vector) != idx.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index expects %d; reset and reindex if the embedding model changed",
			ErrDimensionMismatch, len(vector), idx.dimension)
	}
	if topK < 1 {
		return nil, fmt.Errorf("top_k must be at least 1, got %d", topK)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	type candidate struct {
		rec   record
		score float64
	}
	candidates := make([]candidate, 0, len(idx.records))
	for _, rec := range idx.records {
		if !filter.Matches(rec.entry.Meta) {
			continue
		}
		score := Similarity(vector, rec.entry.Vector)
		if score < threshold {
			continue
		}
		candidates = append(candidates, candidate{rec: rec, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].rec.seq < candidates[j].rec.seq
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	results := make([]ScoredEntry, len(candidates))
	for i, c := range candidates {
		results[i] = ScoredEntry{Entry: c.rec.entry, Score: c.score}
	}
	return results, nil
}

// Stats returns entry counts for the whole index and per entity.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	stats := Stats{
		Entries:   len(idx.records),
		Dimension: idx.dimension,
		ByEntity:  make(map[string]int),
	}
	for _, rec := range idx.records {
		stats.ByEntity[rec.entry.Meta.Entity]++
	}
	return stats
}

// Reset clears all entries, in memory and on disk. Required when
// chunking or embedding parameters change incompatibly.
func (idx *Index) Reset() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	err := idx.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketEntries)
		return err
	})
	if err != nil {
		return fmt.Errorf("reset index: %w", err)
	}

	idx.records = make(map[string]record)
	idx.nextSeq = 1
	return nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Destroy removes all persisted state at path, including the recorded
// dimensionality. This is the recovery path when Open fails with
// ErrDimensionMismatch after an embedding model change.
func Destroy(path string) error {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("open index db: %w", err)
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketConfig} {
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Similarity computes cosine similarity clamped to [0, 1]. Negative
// cosine values carry no useful ranking signal here and would break the
// [0,1] threshold contract, so they clamp to 0.
func Similarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
