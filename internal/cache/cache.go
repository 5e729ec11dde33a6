// Package cache implements the §4.5.7 caching layer: a search-result cache
// keyed on (user, normalized query, k, threshold, sorted sources) and a
// document-metadata cache keyed on document id, both backed by Redis.
// Adapted from the teacher's internal/kb/falkordb_store.go redis wiring —
// the graph-store use is replaced with a plain cache use, but the client
// construction and connection options are kept.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/knowledgebase/kbsubsystem/internal/config"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
)

const (
	resultKeyPrefix   = "kb:results:"
	metadataKeyPrefix = "kb:docmeta:"
	resultIndexKey    = "kb:results:index" // set of all live result keys, for coarse invalidation
)

// Cache wraps a redis client with the two cache concerns §4.5.7 describes.
type Cache struct {
	client    *redis.Client
	resultTTL time.Duration
	logger    zerolog.Logger
}

// New constructs a Cache from config.RedisConfig. It does not dial eagerly;
// the first command establishes the connection lazily, matching go-redis's
// usual lifecycle.
func New(cfg config.RedisConfig, resultTTL time.Duration) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Cache{
		client:    client,
		resultTTL: resultTTL,
		logger:    observability.Logger("cache"),
	}
}

// Close releases the underlying redis connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping verifies connectivity, used by health checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ResultKey identifies one cached search result set.
type ResultKey struct {
	UserID          string
	NormalizedQuery string
	K               int
	Threshold       float64
	SortedSources   []string
}

// redisKey derives a deterministic key. Sources are sorted by the caller's
// responsibility upstream too, but sorting again here keeps the key stable
// even if a caller forgets.
func (k ResultKey) redisKey() string {
	sources := append([]string(nil), k.SortedSources...)
	sort.Strings(sources)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%.6f\x00%s",
		k.UserID, k.NormalizedQuery, k.K, k.Threshold, strings.Join(sources, ","))
	return resultKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// GetResults fetches and unmarshals a cached search result set. The second
// return value is false on a cache miss; callers should treat any error as
// equivalent to a miss and fall through to a live search.
func (c *Cache) GetResults(ctx context.Context, key ResultKey, out any) (bool, error) {
	raw, err := c.client.Get(ctx, key.redisKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// PutResults stores a search result set under key, tracking the key in an
// index set so a later coarse InvalidateResults can find and remove it.
func (c *Cache) PutResults(ctx context.Context, key ResultKey, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	redisKey := key.redisKey()
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, redisKey, raw, c.resultTTL)
	pipe.SAdd(ctx, resultIndexKey, redisKey)
	pipe.Expire(ctx, resultIndexKey, c.resultTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", cacheKeyDebug(key)).Msg("put results failed")
	}
	return err
}

// InvalidateResults clears every cached search result. Per spec.md §5,
// invalidation is deliberately coarse (clear everything rather than try to
// compute which cached results might involve a changed document) because
// narrow invalidation risks leaving a stale entry behind.
func (c *Cache) InvalidateResults(ctx context.Context) error {
	members, err := c.client.SMembers(ctx, resultIndexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, members...)
	pipe.Del(ctx, resultIndexKey)
	_, err = pipe.Exec(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("invalidate results failed")
	}
	return err
}

// GetDocumentMetadata fetches a cached document-metadata blob.
func (c *Cache) GetDocumentMetadata(ctx context.Context, documentID string, out any) (bool, error) {
	raw, err := c.client.Get(ctx, metadataKeyPrefix+documentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// PutDocumentMetadata stores a document-metadata blob with no expiry; the
// entry stays until InvalidateDocument removes it. The ingestion and removal
// paths call neither method.
func (c *Cache) PutDocumentMetadata(ctx context.Context, documentID string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, metadataKeyPrefix+documentID, raw, 0).Err()
}

// InvalidateDocument clears a single document's metadata cache entry. The
// caller is still responsible for calling InvalidateResults, since any
// cached search result may reference this document.
func (c *Cache) InvalidateDocument(ctx context.Context, documentID string) error {
	return c.client.Del(ctx, metadataKeyPrefix+documentID).Err()
}

// Stats reports cache occupancy: the number of result sets tracked in the
// result index.
type Stats struct {
	CachedResultSets int64
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	count, err := c.client.SCard(ctx, resultIndexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}
	return Stats{CachedResultSets: count}, nil
}

// NormalizeQuery lowercases and collapses whitespace in q so that
// cosmetically different queries ("Widget  Specs" vs "widget specs") hit the
// same cache key, matching how the retriever normalizes queries before the
// dense/sparse fusion steps.
func NormalizeQuery(q string) string {
	fields := strings.Fields(strings.ToLower(q))
	return strings.Join(fields, " ")
}

// cacheKeyDebug renders a ResultKey's derived key for logging without
// leaking the raw query text into structured logs at info level.
func cacheKeyDebug(key ResultKey) string {
	return key.redisKey()[:len(resultKeyPrefix)+12]
}

var _ = strconv.Itoa // keep strconv import if future numeric key fields are added
