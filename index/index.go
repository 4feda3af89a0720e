// Package index is the document store behind the search and
// categories endpoints.  Documents are split into chunks, embedded,
// and ranked against a query by cosine similarity.
package index

import (
	"context"
	"fmt"
	"sort"
	"time"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/client"
	"github.com/stevegt/ragchat/kv"
	"github.com/stevegt/ragchat/retrieval"
	"github.com/stevegt/ragchat/util"
)

const (
	docBucket   = "documents"
	chunkBucket = "chunks"

	// DefaultChunkTokens is the chunk size used by New.
	DefaultChunkTokens = 512
)

// Document describes one indexed file.  Path is the relative path
// that search filters and the categories list refer to.
type Document struct {
	Path     string    `cbor:"path"`
	Category string    `cbor:"category"`
	Chunks   int       `cbor:"chunks"`
	AddedAt  time.Time `cbor:"added_at"`
}

// Chunk is one embedded piece of a document.
type Chunk struct {
	Path      string    `cbor:"path"`
	Category  string    `cbor:"category"`
	Seq       int       `cbor:"seq"`
	Text      string    `cbor:"text"`
	Embedding []float64 `cbor:"embedding"`
}

// Index stores chunks in a kv.Store.
type Index struct {
	db          *kv.Store
	embedder    Embedder
	ChunkTokens int
}

// New returns an index using db and embedder.
func New(db *kv.Store, embedder Embedder) (idx *Index, err error) {
	defer Return(&err)
	err = db.Update(func(tx kv.WriteTx) error {
		err := tx.CreateBucketIfNotExists(docBucket)
		if err != nil {
			return err
		}
		return tx.CreateBucketIfNotExists(chunkBucket)
	})
	Ck(err)
	idx = &Index{db: db, embedder: embedder, ChunkTokens: DefaultChunkTokens}
	return
}

func chunkKey(path string, seq int) string {
	return fmt.Sprintf("%s\x00%06d", path, seq)
}

// Add indexes text under path, replacing any earlier version.  It
// returns the number of chunks stored.
func (idx *Index) Add(ctx context.Context, path, category, text string) (n int, err error) {
	defer Return(&err)
	texts, err := Split(text, idx.ChunkTokens)
	Ck(err)
	embeddings, err := idx.embedder.Embed(ctx, texts)
	Ck(err)
	Assert(len(embeddings) == len(texts), "got %d embeddings for %d chunks", len(embeddings), len(texts))

	err = idx.db.Update(func(tx kv.WriteTx) error {
		err := idx.remove(tx, path)
		if err != nil {
			return err
		}
		for i, t := range texts {
			c := Chunk{Path: path, Category: category, Seq: i, Text: t, Embedding: embeddings[i]}
			err = kv.PutRecord(tx, chunkBucket, chunkKey(path, i), c)
			if err != nil {
				return err
			}
		}
		doc := Document{Path: path, Category: category, Chunks: len(texts), AddedAt: time.Now()}
		return kv.PutRecord(tx, docBucket, path, doc)
	})
	Ck(err)
	Debug("indexed %s: %d chunks", path, len(texts))
	return len(texts), nil
}

// Remove drops a document and its chunks.
func (idx *Index) Remove(path string) error {
	return idx.db.Update(func(tx kv.WriteTx) error {
		return idx.remove(tx, path)
	})
}

func (idx *Index) remove(tx kv.WriteTx, path string) (err error) {
	var keys []string
	err = tx.Scan(chunkBucket, path+"\x00", func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	if err != nil {
		return
	}
	for _, k := range keys {
		err = tx.Delete(chunkBucket, k)
		if err != nil {
			return
		}
	}
	return tx.Delete(docBucket, path)
}

// Documents lists indexed documents sorted by path.
func (idx *Index) Documents() (docs []Document, err error) {
	err = idx.db.View(func(tx kv.ReadTx) error {
		return tx.ForEach(docBucket, func(k, v []byte) error {
			var d Document
			err := kv.Unmarshal(v, &d)
			if err != nil {
				return err
			}
			docs = append(docs, d)
			return nil
		})
	})
	return
}

// Categories returns the All sentinel followed by every indexed path,
// sorted.
func (idx *Index) Categories() (categories []string, err error) {
	docs, err := idx.Documents()
	if err != nil {
		return
	}
	categories = []string{retrieval.All}
	for _, d := range docs {
		categories = append(categories, d.Path)
	}
	sort.Strings(categories[1:])
	return
}

// Search returns the limit chunks most similar to query.  A non-empty
// category restricts the search to the document with that path.
func (idx *Index) Search(ctx context.Context, query, category string, limit int) (passages []client.Passage, err error) {
	defer Return(&err)
	embeddings, err := idx.embedder.Embed(ctx, []string{query})
	Ck(err)
	Assert(len(embeddings) == 1, "expected 1 query embedding, got %d", len(embeddings))
	qe := embeddings[0]
	category = retrieval.NormalizeCategory(category)

	type sim struct {
		chunk Chunk
		score float64
	}
	var sims []sim
	scan := func(k, v []byte) error {
		var c Chunk
		err := kv.Unmarshal(v, &c)
		if err != nil {
			return err
		}
		sims = append(sims, sim{c, util.Similarity(qe, c.Embedding)})
		return nil
	}
	err = idx.db.View(func(tx kv.ReadTx) error {
		if category != "" {
			return tx.Scan(chunkBucket, category+"\x00", scan)
		}
		return tx.ForEach(chunkBucket, scan)
	})
	Ck(err)
	sort.SliceStable(sims, func(i, j int) bool {
		return sims[i].score > sims[j].score
	})
	if limit > 0 && len(sims) > limit {
		sims = sims[:limit]
	}
	for _, s := range sims {
		passages = append(passages, client.Passage{Text: s.chunk.Text, Path: s.chunk.Path, Category: s.chunk.Category})
	}
	Debug("search %q category %q: %d passages", query, category, len(passages))
	return
}

// Searcher adapts an Index to client.Searcher with a fixed limit.
type Searcher struct {
	Index *Index
	Limit int
}

// Search implements client.Searcher.
func (s *Searcher) Search(ctx context.Context, query, category string) ([]client.Passage, error) {
	return s.Index.Search(ctx, query, category, s.Limit)
}

var _ client.Searcher = (*Searcher)(nil)
