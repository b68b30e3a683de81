package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/docgate/internal/logging"
)

// payload keys owned by the backend; caller metadata cannot override them.
const (
	payloadDocumentID = "document_id"
	payloadChunkIndex = "chunk_index"
	payloadText       = "text"
)

// QdrantConfig configures the Qdrant-backed retrieval store.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (6334 by default, not the 6333 REST port).
	Port int `koanf:"port"`

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// APIKey is the optional API key for authentication.
	APIKey string `koanf:"api_key"`

	// Collection is the shared collection holding every tenant's chunks.
	Collection string `koanf:"collection"`

	// ChunkSize is the maximum chunk length in runes for document splitting.
	ChunkSize int `koanf:"chunk_size"`

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int `koanf:"max_message_size"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `koanf:"dial_timeout"`

	// RequestTimeout bounds each individual request.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// RetryAttempts is the retry count for transient failures.
	RetryAttempts int `koanf:"retry_attempts"`

	// DefaultTopK is the result count used when a query does not set one.
	DefaultTopK int `koanf:"default_top_k"`
}

// DefaultQdrantConfig returns sensible defaults for local development.
func DefaultQdrantConfig() *QdrantConfig {
	return &QdrantConfig{
		Host:           "localhost",
		Port:           6334,
		Collection:     "documents",
		ChunkSize:      1600,
		MaxMessageSize: 50 * 1024 * 1024,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
		RetryAttempts:  3,
		DefaultTopK:    5,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	defaults := DefaultQdrantConfig()

	if c.Host == "" {
		c.Host = defaults.Host
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.Collection == "" {
		c.Collection = defaults.Collection
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = defaults.ChunkSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	if c.DefaultTopK == 0 {
		c.DefaultTopK = defaults.DefaultTopK
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size: %d (must be > 0)", c.ChunkSize)
	}
	return nil
}

// QdrantBackend implements Backend on Qdrant's official Go client.
//
// All tenants share one collection; every chunk carries its document id in
// the payload, and queries are restricted to document-id lists by the
// caller. The backend itself is tenant-unaware.
type QdrantBackend struct {
	client   *qdrant.Client
	embedder Embedder
	config   *QdrantConfig
	logger   *logging.Logger
}

// NewQdrantBackend connects to Qdrant, verifies health, and ensures the
// configured collection exists with the embedder's dimensionality.
func NewQdrantBackend(config *QdrantConfig, embedder Embedder, dims int, logger *logging.Logger) (*QdrantBackend, error) {
	if config == nil {
		config = DefaultQdrantConfig()
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if dims <= 0 {
		return nil, fmt.Errorf("invalid embedding dimensionality: %d", dims)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	qdrantConfig := &qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	}
	if !config.UseTLS {
		qdrantConfig.GrpcOptions = append(qdrantConfig.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qdrantConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	b := &QdrantBackend{
		client:   client,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	if err := b.ensureCollection(ctx, dims); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info(ctx, "qdrant connection established",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection),
	)

	return b, nil
}

// ensureCollection creates the shared collection if it does not exist.
func (b *QdrantBackend) ensureCollection(ctx context.Context, dims int) error {
	_, err := b.client.GetCollectionInfo(ctx, b.config.Collection)
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.NotFound {
		return fmt.Errorf("check collection: %w", err)
	}

	err = b.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: b.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dims),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", b.config.Collection, err)
	}
	return nil
}

// Upsert implements Backend. Each document is split into chunks, embedded,
// and stored as one point per chunk carrying the document id in its payload.
func (b *QdrantBackend) Upsert(ctx context.Context, docs []Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no documents to upsert", ErrBackendFailure)
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	ids := make([]string, len(docs))
	var points []*qdrant.PointStruct

	for i, doc := range docs {
		id := doc.ID
		if id == "" {
			id = uuid.NewString()
		}
		ids[i] = id

		chunks := chunkText(doc.Text, b.config.ChunkSize)
		vectors, err := b.embedder.EmbedDocuments(ctx, chunks)
		if err != nil {
			return nil, fmt.Errorf("%w: embed document %s: %v", ErrBackendFailure, id, err)
		}

		for ci, chunk := range chunks {
			payload := map[string]*qdrant.Value{
				payloadDocumentID: {Kind: &qdrant.Value_StringValue{StringValue: id}},
				payloadChunkIndex: {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(ci)}},
				payloadText:       {Kind: &qdrant.Value_StringValue{StringValue: chunk}},
			}
			for k, v := range doc.Metadata {
				if _, reserved := payload[k]; reserved {
					continue
				}
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
			}
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(uuid.NewString()),
				Vectors: qdrant.NewVectors(vectors[ci]...),
				Payload: payload,
			})
		}
	}

	err := b.retryOperation(ctx, func() error {
		_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: b.config.Collection,
			Points:         points,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: upsert: %v", ErrBackendFailure, err)
	}

	return ids, nil
}

// Query implements Backend. Each sub-query is embedded and searched with
// its filter translated to payload conditions. A filter carrying an empty
// document-id list matches nothing and short-circuits without touching
// Qdrant.
func (b *QdrantBackend) Query(ctx context.Context, queries []Query) ([]QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	results := make([]QueryResult, len(queries))
	for i, q := range queries {
		results[i] = QueryResult{Query: q.Text, Results: []ScoredDocument{}}

		if q.Filter != nil && len(q.Filter.DocumentIDs) == 0 {
			continue
		}

		vector, err := b.embedder.EmbedQuery(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("%w: embed query: %v", ErrBackendFailure, err)
		}

		topK := q.TopK
		if topK <= 0 {
			topK = b.config.DefaultTopK
		}

		var hits []*qdrant.ScoredPoint
		err = b.retryOperation(ctx, func() error {
			res, err := b.client.Query(ctx, &qdrant.QueryPoints{
				CollectionName: b.config.Collection,
				Query:          qdrant.NewQuery(vector...),
				Limit:          qdrant.PtrOf(uint64(topK)),
				WithPayload:    qdrant.NewWithPayload(true),
				Filter:         buildFilter(q.Filter),
			})
			if err != nil {
				return err
			}
			hits = res
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: query: %v", ErrBackendFailure, err)
		}

		for _, hit := range hits {
			results[i].Results = append(results[i].Results, scoredDocumentFromPoint(hit))
		}
	}

	return results, nil
}

// scrollPageSize bounds one Scroll round trip.
const scrollPageSize = uint32(512)

// Matching implements Backend. Scrolls the collection with the filter,
// collecting distinct document ids from chunk payloads. A filter carrying
// an empty non-nil document-id list matches nothing without touching
// Qdrant.
func (b *QdrantBackend) Matching(ctx context.Context, filter *Filter) ([]string, error) {
	if filter != nil && filter.DocumentIDs != nil && len(filter.DocumentIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	qf := buildFilter(filter)
	seen := make(map[string]struct{})
	var ids []string
	var offset *qdrant.PointId

	for {
		var page *qdrant.ScrollResponse
		err := b.retryOperation(ctx, func() error {
			resp, err := b.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: b.config.Collection,
				Filter:         qf,
				Limit:          qdrant.PtrOf(scrollPageSize),
				Offset:         offset,
				WithPayload:    qdrant.NewWithPayloadInclude(payloadDocumentID),
			})
			if err != nil {
				return err
			}
			page = resp
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: scroll: %v", ErrBackendFailure, err)
		}

		for _, point := range page.GetResult() {
			value, ok := point.GetPayload()[payloadDocumentID]
			if !ok {
				continue
			}
			sv, ok := value.Kind.(*qdrant.Value_StringValue)
			if !ok {
				continue
			}
			if _, dup := seen[sv.StringValue]; dup {
				continue
			}
			seen[sv.StringValue] = struct{}{}
			ids = append(ids, sv.StringValue)
		}

		offset = page.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	return ids, nil
}

// Delete implements Backend. Documents are selected by id list and/or
// metadata filter; chunks are deleted by payload filter since point ids are
// chunk-level.
func (b *QdrantBackend) Delete(ctx context.Context, ids []string, filter *Filter) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	selector := &Filter{Metadata: map[string]string{}}
	if filter != nil {
		selector.DocumentIDs = filter.DocumentIDs
		for k, v := range filter.Metadata {
			selector.Metadata[k] = v
		}
	}
	if len(ids) > 0 {
		selector.DocumentIDs = ids
	}
	if len(selector.DocumentIDs) == 0 && len(selector.Metadata) == 0 {
		return false, fmt.Errorf("%w: empty delete selector", ErrBackendFailure)
	}

	qf := buildFilter(selector)
	err := b.retryOperation(ctx, func() error {
		_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: b.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: qf},
			},
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: delete: %v", ErrBackendFailure, err)
	}

	return true, nil
}

// Close closes the client connection.
func (b *QdrantBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// retryOperation retries an operation with exponential backoff on
// transient gRPC failures.
func (b *QdrantBackend) retryOperation(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt <= b.config.RetryAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransientError(err) {
			return err
		}
		if attempt == b.config.RetryAttempts {
			break
		}

		b.logger.Debug(ctx, "retrying qdrant operation after transient error",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", b.config.RetryAttempts),
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", b.config.RetryAttempts, lastErr)
}

// isTransientError checks if an error should be retried.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// buildFilter translates a Filter into Qdrant payload conditions.
func buildFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}

	var must []*qdrant.Condition
	if len(f.DocumentIDs) > 0 {
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: payloadDocumentID,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keywords{
							Keywords: &qdrant.RepeatedStrings{Strings: f.DocumentIDs},
						},
					},
				},
			},
		})
	}
	for k, v := range f.Metadata {
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: k,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: v},
					},
				},
			},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// scoredDocumentFromPoint maps a Qdrant hit back to a ScoredDocument.
func scoredDocumentFromPoint(p *qdrant.ScoredPoint) ScoredDocument {
	doc := ScoredDocument{Score: p.Score, Metadata: map[string]string{}}
	for k, v := range p.Payload {
		sv, ok := v.Kind.(*qdrant.Value_StringValue)
		if !ok {
			continue
		}
		switch k {
		case payloadDocumentID:
			doc.DocumentID = sv.StringValue
		case payloadText:
			doc.Text = sv.StringValue
		default:
			doc.Metadata[k] = sv.StringValue
		}
	}
	return doc
}

// chunkText splits text into rune-bounded chunks. Short text yields a
// single chunk; empty text yields one empty chunk so the document still
// gets a point and stays queryable by id.
func chunkText(text string, size int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

var _ Backend = (*QdrantBackend)(nil)
