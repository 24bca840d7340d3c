package semantic

// SearchResult represents a single vector search hit.
type SearchResult struct {
	ID         string            `json:"id"`
	Score      float32           `json:"score"`
	Content    string            `json:"content"`
	DocID      string            `json:"doc_id"`
	ChunkIndex int               `json:"chunk_index"`
	Source     string            `json:"source"`
	Meta       map[string]string `json:"meta"`
}

// VectorRecord represents a single vector to store in Qdrant. ID is the
// record-level identifier "{docID}_{chunkIndex}"; the store maps it to a
// stable point UUID internally.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   map[string]any // tenant, scope, system, topic, tcodes, tables, date, source, doc_id, chunk_index, content
}

// CollectionInfo summarises the state of the vector collection.
type CollectionInfo struct {
	Name        string `json:"name"`
	PointsCount uint64 `json:"points_count"`
	Status      string `json:"status"`
}
