package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/milvus-io/milvus/client/v2/entity"

	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/pkg/component/milvus"
	"github.com/kart-io/courseatlas/pkg/utils/json"
)

var _ VectorStore = (*MilvusStore)(nil)

const (
	milvusPKField = "passage_id"

	fieldEntityKey    = "entity_key"
	fieldSourceKind   = "source_kind"
	fieldSourceID     = "source_id"
	fieldBody         = "body"
	fieldAttributes   = "attributes"
	fieldModelVersion = "model_version"
	fieldRetrievedAt  = "retrieved_at"
	fieldCreatedAt    = "created_at"
)

var milvusOutputFields = []string{
	milvusPKField, fieldEntityKey, fieldSourceKind, fieldSourceID,
	fieldBody, fieldAttributes, fieldModelVersion, fieldRetrievedAt,
	fieldCreatedAt, "embedding",
}

// MilvusStore is a VectorStore backed by a Milvus collection.
type MilvusStore struct {
	client     *milvus.Client
	collection string
}

// NewMilvusStore creates the passage collection if needed and returns a
// store bound to it.
func NewMilvusStore(ctx context.Context, client *milvus.Client, collection string, dimension int) (*MilvusStore, error) {
	schema := &milvus.CollectionSchema{
		Name:        collection,
		Description: "Course knowledge passages",
		Dimension:   dimension,
		PKField:     milvusPKField,
		PKMaxLen:    128,
		MetaFields: []milvus.MetaField{
			{Name: fieldEntityKey, DataType: entity.FieldTypeVarChar, MaxLen: 256},
			{Name: fieldSourceKind, DataType: entity.FieldTypeVarChar, MaxLen: 32},
			{Name: fieldSourceID, DataType: entity.FieldTypeVarChar, MaxLen: 256},
			{Name: fieldBody, DataType: entity.FieldTypeVarChar, MaxLen: 16384},
			{Name: fieldAttributes, DataType: entity.FieldTypeVarChar, MaxLen: 8192},
			{Name: fieldModelVersion, DataType: entity.FieldTypeVarChar, MaxLen: 128},
			{Name: fieldRetrievedAt, DataType: entity.FieldTypeInt64},
			{Name: fieldCreatedAt, DataType: entity.FieldTypeInt64},
		},
	}
	if err := client.CreateCollection(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure collection %s: %w", collection, err)
	}

	return &MilvusStore{
		client:     client,
		collection: collection,
	}, nil
}

// Upsert inserts or replaces entries by passage ID.
func (s *MilvusStore) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	data := &milvus.UpsertData{
		IDs:        make([]string, 0, len(entries)),
		Embeddings: make([][]float32, 0, len(entries)),
		Metadata: map[string][]any{
			fieldEntityKey:    make([]any, 0, len(entries)),
			fieldSourceKind:   make([]any, 0, len(entries)),
			fieldSourceID:     make([]any, 0, len(entries)),
			fieldBody:         make([]any, 0, len(entries)),
			fieldAttributes:   make([]any, 0, len(entries)),
			fieldModelVersion: make([]any, 0, len(entries)),
			fieldRetrievedAt:  make([]any, 0, len(entries)),
			fieldCreatedAt:    make([]any, 0, len(entries)),
		},
	}

	for _, e := range entries {
		attrs, err := json.Marshal(e.Passage.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes for %s: %w", e.Passage.ID, err)
		}
		data.IDs = append(data.IDs, e.Passage.ID)
		data.Embeddings = append(data.Embeddings, e.Vector)
		data.Metadata[fieldEntityKey] = append(data.Metadata[fieldEntityKey], e.Passage.Entity.String())
		data.Metadata[fieldSourceKind] = append(data.Metadata[fieldSourceKind], string(e.Passage.Kind))
		data.Metadata[fieldSourceID] = append(data.Metadata[fieldSourceID], e.Passage.SourceID)
		data.Metadata[fieldBody] = append(data.Metadata[fieldBody], e.Passage.Body)
		data.Metadata[fieldAttributes] = append(data.Metadata[fieldAttributes], string(attrs))
		data.Metadata[fieldModelVersion] = append(data.Metadata[fieldModelVersion], e.ModelVersion)
		data.Metadata[fieldRetrievedAt] = append(data.Metadata[fieldRetrievedAt], e.Passage.RetrievedAt.UnixNano())
		data.Metadata[fieldCreatedAt] = append(data.Metadata[fieldCreatedAt], e.Passage.CreatedAt.UnixNano())
	}

	return s.client.Upsert(ctx, s.collection, milvusPKField, data)
}

// Remove deletes the given passage IDs.
func (s *MilvusStore) Remove(ctx context.Context, ids []string) error {
	return s.client.DeleteByIDs(ctx, s.collection, milvusPKField, ids)
}

// Search returns up to limit hits by descending cosine similarity.
func (s *MilvusStore) Search(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	results, err := s.client.Search(ctx, s.collection, vector, limit, milvusOutputFields)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		p, version, err := passageFromMetadata(r.ID, r.Metadata)
		if err != nil {
			return nil, err
		}
		hits = append(hits, Hit{
			Passage:      p,
			Vector:       r.Vector,
			ModelVersion: version,
			Similarity:   float64(r.Score),
		})
	}
	return hits, nil
}

// ModelVersions returns the distinct embedding model versions present.
func (s *MilvusStore) ModelVersions(ctx context.Context) ([]string, error) {
	values, err := s.client.QueryField(ctx, s.collection, fieldModelVersion, fmt.Sprintf("%s != \"\"", milvusPKField))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	versions := make([]string, 0, len(seen))
	for v := range seen {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions, nil
}

// Count returns the number of stored entries.
func (s *MilvusStore) Count(ctx context.Context) (int64, error) {
	return s.client.GetCollectionStats(ctx, s.collection)
}

// Close closes the underlying Milvus client.
func (s *MilvusStore) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func passageFromMetadata(id string, meta map[string]any) (model.Passage, string, error) {
	p := model.Passage{ID: id}

	if v, ok := meta[fieldEntityKey].(string); ok {
		p.Entity = model.ParseEntityKey(v)
	}
	if v, ok := meta[fieldSourceKind].(string); ok {
		p.Kind = model.SourceKind(v)
	}
	if v, ok := meta[fieldSourceID].(string); ok {
		p.SourceID = v
	}
	if v, ok := meta[fieldBody].(string); ok {
		p.Body = v
	}
	if v, ok := meta[fieldAttributes].(string); ok && v != "" {
		if err := json.Unmarshal([]byte(v), &p.Attributes); err != nil {
			return p, "", fmt.Errorf("unmarshal attributes for %s: %w", id, err)
		}
	}
	if v, ok := meta[fieldRetrievedAt].(int64); ok {
		p.RetrievedAt = time.Unix(0, v)
	}
	if v, ok := meta[fieldCreatedAt].(int64); ok {
		p.CreatedAt = time.Unix(0, v)
	}

	version, _ := meta[fieldModelVersion].(string)
	return p, version, nil
}
