// File: milvus.go
package rag

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// sharedMilvusCollection is the single collection every logical VectHare
// collection shares (spec.md §4.2d): tenant isolation is by filter, not by
// physical collection.
const sharedMilvusCollection = "vecthare_main"

const (
	milvusFieldID       = "id"
	milvusFieldHash     = "hash"
	milvusFieldType     = "type"
	milvusFieldSourceID = "source_id"
	milvusFieldText     = "text"
	milvusFieldVector   = "vector"
	milvusFieldMetadata = "metadata_json"
)

// milvusDB is the remote-vector-db adapter over milvus-sdk-go (spec.md
// §4.2d). Grounded on milvus.go, extended with the chunk-hash contract,
// tenant filtering, and a caller-supplied dimension (cfg.Dimension, 1536
// when unset; the adapter does not probe for it); columns are built with
// fixed concrete types, and failures are returned as errors, not panics.
type milvusDB struct {
	client    client.Client
	config    *Config
	dimension int
}

func newMilvusDB(cfg *Config) (*milvusDB, error) {
	return &milvusDB{config: cfg, dimension: cfg.Dimension}, nil
}

func (m *milvusDB) Initialize(ctx context.Context, cfg *Config) error {
	c, err := client.NewClient(ctx, client.Config{Address: cfg.Address})
	if err != nil {
		return fmt.Errorf("%w: milvus connect: %v", ErrNetwork, err)
	}
	m.client = c

	if m.dimension == 0 {
		// Dimension discovery is performed by the caller embedding a probe
		// string and passing the resulting length via cfg.Dimension; the
		// adapter itself has no embedding capability (C1 is a separate
		// concern). Default to 1536 if none was supplied.
		m.dimension = 1536
	}

	exists, err := m.client.HasCollection(ctx, sharedMilvusCollection)
	if err != nil {
		return fmt.Errorf("%w: milvus has-collection: %v", ErrTransientBackend, err)
	}
	if !exists {
		if err := m.createSharedCollection(ctx); err != nil {
			return err
		}
	}
	return m.client.LoadCollection(ctx, sharedMilvusCollection, false)
}

func (m *milvusDB) createSharedCollection(ctx context.Context) error {
	schema := entity.NewSchema().WithName(sharedMilvusCollection).WithDescription("VectHare shared multitenant collection")
	schema.WithField(entity.NewField().WithName(milvusFieldID).WithDataType(entity.FieldTypeInt64).WithIsPrimaryKey(true).WithIsAutoID(true))
	schema.WithField(entity.NewField().WithName(milvusFieldHash).WithDataType(entity.FieldTypeInt64))
	schema.WithField(entity.NewField().WithName(milvusFieldType).WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
	schema.WithField(entity.NewField().WithName(milvusFieldSourceID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(256))
	schema.WithField(entity.NewField().WithName(milvusFieldText).WithDataType(entity.FieldTypeVarChar).WithMaxLength(65535))
	schema.WithField(entity.NewField().WithName(milvusFieldMetadata).WithDataType(entity.FieldTypeVarChar).WithMaxLength(65535))
	schema.WithField(entity.NewField().WithName(milvusFieldVector).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(m.dimension)))

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("%w: milvus create collection: %v", ErrTransientBackend, err)
	}
	idx, err := entity.NewIndexHNSW(entity.L2, 16, 64)
	if err != nil {
		return fmt.Errorf("%w: milvus index params: %v", ErrConfig, err)
	}
	if err := m.client.CreateIndex(ctx, sharedMilvusCollection, milvusFieldVector, idx, false); err != nil {
		return fmt.Errorf("%w: milvus create index: %v", ErrTransientBackend, err)
	}
	return nil
}

func (m *milvusDB) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *milvusDB) HealthCheck(ctx context.Context) bool {
	if m.client == nil {
		return false
	}
	_, err := m.client.HasCollection(ctx, sharedMilvusCollection)
	return err == nil
}

func tenantFilter(collectionID string) (string, error) {
	id, err := ParseCollectionID(collectionID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s == \"%s\" && %s == \"%s\"", milvusFieldType, id.Type, milvusFieldSourceID, id.SourceID), nil
}

func (m *milvusDB) GetSavedHashes(ctx context.Context, collectionID string) ([]uint32, error) {
	expr, err := tenantFilter(collectionID)
	if err != nil {
		return nil, err
	}
	result, err := m.client.Query(ctx, sharedMilvusCollection, nil, expr, []string{milvusFieldHash})
	if err != nil {
		return nil, fmt.Errorf("%w: milvus query saved hashes: %v", ErrTransientBackend, err)
	}
	col := result.GetColumn(milvusFieldHash)
	if col == nil {
		return nil, nil
	}
	hashes := make([]uint32, 0, col.Len())
	for i := 0; i < col.Len(); i++ {
		v, err := col.Get(i)
		if err != nil {
			continue
		}
		if h, ok := v.(int64); ok {
			hashes = append(hashes, uint32(h))
		}
	}
	return hashes, nil
}

func (m *milvusDB) Insert(ctx context.Context, collectionID string, chunks []Chunk) error {
	id, err := ParseCollectionID(collectionID)
	if err != nil {
		return err
	}

	hashCol := entity.NewColumnInt64(milvusFieldHash, nil)
	typeCol := entity.NewColumnVarChar(milvusFieldType, nil)
	sourceCol := entity.NewColumnVarChar(milvusFieldSourceID, nil)
	textCol := entity.NewColumnVarChar(milvusFieldText, nil)
	metaCol := entity.NewColumnVarChar(milvusFieldMetadata, nil)
	vecs := make([][]float32, 0, len(chunks))

	for _, ch := range chunks {
		if ch.Vector == nil {
			return fmt.Errorf("%w: milvus requires a pre-computed vector at insert", ErrConfig)
		}
		if m.dimension != 0 && len(ch.Vector) != m.dimension {
			return NewDimensionMismatchError(m.dimension, len(ch.Vector))
		}
		metaJSON, err := json.Marshal(ch.Metadata)
		if err != nil {
			return fmt.Errorf("%w: milvus metadata marshal: %v", ErrProtocol, err)
		}
		hashCol.AppendValue(int64(ch.Hash))
		typeCol.AppendValue(id.Type)
		sourceCol.AppendValue(id.SourceID)
		textCol.AppendValue(ch.Text)
		metaCol.AppendValue(string(metaJSON))
		vecs = append(vecs, toFloat32Slice(ch.Vector))
	}

	vecCol := entity.NewColumnFloatVector(milvusFieldVector, m.dimension, vecs)
	_, err = m.client.Insert(ctx, sharedMilvusCollection, "", hashCol, typeCol, sourceCol, textCol, metaCol, vecCol)
	if err != nil {
		return fmt.Errorf("%w: milvus insert: %v", ErrTransientBackend, err)
	}
	return m.client.Flush(ctx, sharedMilvusCollection, false)
}

func (m *milvusDB) Delete(ctx context.Context, collectionID string, hashes []uint32) error {
	id, err := ParseCollectionID(collectionID)
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		return nil
	}
	hashList := ""
	for i, h := range hashes {
		if i > 0 {
			hashList += ", "
		}
		hashList += fmt.Sprintf("%d", h)
	}
	expr := fmt.Sprintf("%s == \"%s\" && %s == \"%s\" && %s in [%s]",
		milvusFieldType, id.Type, milvusFieldSourceID, id.SourceID, milvusFieldHash, hashList)
	return m.client.Delete(ctx, sharedMilvusCollection, "", expr)
}

func (m *milvusDB) search(ctx context.Context, collectionID string, queryVector []float64, topK int, threshold float64) (QueryResult, error) {
	expr, err := tenantFilter(collectionID)
	if err != nil {
		return QueryResult{}, err
	}
	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: milvus search params: %v", ErrConfig, err)
	}
	results, err := m.client.Search(ctx, sharedMilvusCollection, nil, expr,
		[]string{milvusFieldHash, milvusFieldText, milvusFieldMetadata},
		[]entity.Vector{entity.FloatVector(toFloat32Slice(queryVector))},
		milvusFieldVector, entity.L2, topK, sp)
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: milvus search: %v", ErrTransientBackend, err)
	}

	out := QueryResult{}
	for _, rs := range results {
		for i := 0; i < rs.ResultCount; i++ {
			score := 1.0 / (1.0 + float64(rs.Scores[i])) // L2 distance -> bounded similarity
			if score < threshold {
				continue
			}
			var hash uint32
			if col := rs.Fields.GetColumn(milvusFieldHash); col != nil {
				if v, err := col.Get(i); err == nil {
					if h, ok := v.(int64); ok {
						hash = uint32(h)
					}
				}
			}
			meta := map[string]interface{}{}
			if col := rs.Fields.GetColumn(milvusFieldMetadata); col != nil {
				if v, err := col.Get(i); err == nil {
					if s, ok := v.(string); ok {
						_ = json.Unmarshal([]byte(s), &meta)
					}
				}
			}
			if col := rs.Fields.GetColumn(milvusFieldText); col != nil {
				if v, err := col.Get(i); err == nil {
					if s, ok := v.(string); ok {
						meta["text"] = s
					}
				}
			}
			out.Hashes = append(out.Hashes, hash)
			out.Scores = append(out.Scores, score)
			out.Metadata = append(out.Metadata, meta)
		}
	}
	return out, nil
}

func (m *milvusDB) QueryCollection(ctx context.Context, collectionID string, queryVector []float64, topK int, threshold float64) (QueryResult, error) {
	return m.search(ctx, collectionID, queryVector, topK, threshold)
}

func (m *milvusDB) QueryMultipleCollections(ctx context.Context, collectionIDs []string, queryVector []float64, topK int, threshold float64) map[string]QueryResult {
	out := make(map[string]QueryResult, len(collectionIDs))
	for _, id := range collectionIDs {
		res, err := m.QueryCollection(ctx, id, queryVector, topK, threshold)
		res.Err = err
		out[id] = res
	}
	return out
}

func (m *milvusDB) Purge(ctx context.Context, collectionID string) error {
	id, err := ParseCollectionID(collectionID)
	if err != nil {
		return err
	}
	expr := fmt.Sprintf("%s == \"%s\" && %s == \"%s\"", milvusFieldType, id.Type, milvusFieldSourceID, id.SourceID)
	GlobalLogger.Info("milvus purge", "type", id.Type, "source_id", id.SourceID)
	return m.client.Delete(ctx, sharedMilvusCollection, "", expr)
}

func (m *milvusDB) PurgeAll(ctx context.Context) error {
	return m.client.DropCollection(ctx, sharedMilvusCollection)
}

func (m *milvusDB) SupportsHybridSearch() bool { return true }

// HybridQuery fuses the topK dense candidates (the caller's topK, not
// widened here) with a local BM25 pass over queryText via LocalHybridFuse, honoring opts' fusion method and weights.
// The shared collection here only carries a dense vector field, so there is
// no sparse/text channel for Milvus to fuse server-side — see DESIGN.md for
// why this replaced the earlier stub that relabeled a plain dense search as
// "hybrid" without consulting queryText or opts.
func (m *milvusDB) HybridQuery(ctx context.Context, collectionID string, queryText string, queryVector []float64, topK int, threshold float64, opts HybridOptions) (QueryResult, error) {
	res, err := m.search(ctx, collectionID, queryVector, topK, threshold)
	if err != nil {
		return QueryResult{}, err
	}
	return LocalHybridFuse(res, queryText, topK, opts), nil
}
