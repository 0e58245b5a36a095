package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// QueryCacheRepo is the durable tier of the query result cache. Rows carry
// their own expiry; a read that lands on an expired row reports a miss and
// deletes the row on the spot, so Cleanup only ever sweeps keys nobody asks
// for. MaxEntries caps the table, evicting oldest rows on insert.
type QueryCacheRepo struct {
	Pool       PgxPool
	MaxEntries int
}

func NewQueryCacheRepo(p PgxPool, maxEntries int) *QueryCacheRepo {
	return &QueryCacheRepo{Pool: p, MaxEntries: maxEntries}
}

func (r *QueryCacheRepo) Get(ctx domain.Context, key string, now time.Time) (domain.QueryResult, bool, error) {
	tracer := otel.Tracer("repo.querycache")
	ctx, span := tracer.Start(ctx, "querycache.Get")
	defer span.End()
	var resultJSON []byte
	var expiresAt time.Time
	q := `SELECT result_json, expires_at FROM query_results_cache WHERE cache_key=$1`
	err := r.Pool.QueryRow(ctx, q, key).Scan(&resultJSON, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.QueryResult{}, false, nil
		}
		return domain.QueryResult{}, false, fmt.Errorf("op=querycache.get: %w", err)
	}
	if !expiresAt.After(now) {
		// Reclaim the dead row now instead of waiting for Cleanup. Best
		// effort; Cleanup catches leftovers.
		_, _ = r.Pool.Exec(ctx, `DELETE FROM query_results_cache WHERE cache_key=$1 AND expires_at <= $2`, key, now)
		return domain.QueryResult{}, false, nil
	}
	var res domain.QueryResult
	if err := json.Unmarshal(resultJSON, &res); err != nil {
		return domain.QueryResult{}, false, fmt.Errorf("op=querycache.get: decode result_json: %w", err)
	}
	return res, true, nil
}

func (r *QueryCacheRepo) Put(ctx domain.Context, key, sqlText string, urls []string, value domain.QueryResult, now, expiresAt time.Time) error {
	tracer := otel.Tracer("repo.querycache")
	ctx, span := tracer.Start(ctx, "querycache.Put")
	defer span.End()
	span.SetAttributes(attribute.Int64("querycache.rows", value.TotalRows))

	if urls == nil {
		urls = []string{}
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("op=querycache.put: %w", err)
	}
	resultJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("op=querycache.put: %w", err)
	}
	q := `INSERT INTO query_results_cache (cache_key, sql_query, dataset_urls, result_json, row_count, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (cache_key) DO UPDATE SET
			sql_query=EXCLUDED.sql_query,
			dataset_urls=EXCLUDED.dataset_urls,
			result_json=EXCLUDED.result_json,
			row_count=EXCLUDED.row_count,
			created_at=EXCLUDED.created_at,
			expires_at=EXCLUDED.expires_at`
	if _, err := r.Pool.Exec(ctx, q, key, sqlText, urlsJSON, resultJSON, value.TotalRows, now, expiresAt); err != nil {
		return fmt.Errorf("op=querycache.put: %w", err)
	}
	if r.MaxEntries > 0 {
		evict := `DELETE FROM query_results_cache WHERE cache_key IN (
			SELECT cache_key FROM query_results_cache ORDER BY created_at DESC OFFSET $1)`
		if _, err := r.Pool.Exec(ctx, evict, r.MaxEntries); err != nil {
			return fmt.Errorf("op=querycache.put: evict: %w", err)
		}
	}
	return nil
}

// Cleanup removes expired rows and reports how many went away.
func (r *QueryCacheRepo) Cleanup(ctx domain.Context, now time.Time) (int64, error) {
	tracer := otel.Tracer("repo.querycache")
	ctx, span := tracer.Start(ctx, "querycache.Cleanup")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM query_results_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("op=querycache.cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}
