// Package sqlite file: internal/adapter/datasource/sqlite/query.go
package sqlite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/domain"
	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/port"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

// Execute 实现 port.QueryService：校验 → 编译 → 并发执行数据查询与计数查询。
// 校验失败在任何 SQL 组装之前返回，绝不产出半编译的语句。
func (m *Manager) Execute(ctx context.Context, cfg domain.QueryConfig) (*port.ExecuteResult, error) {
	if err := validateQueryConfig(cfg); err != nil {
		return nil, err
	}

	query, err := m.builder.buildQuery(cfg)
	if err != nil {
		return nil, err
	}
	countQuery, err := m.builder.buildCountQuery(cfg)
	if err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, executionTimeout)
	defer cancel()

	var (
		rows  []map[string]any
		total int64
	)
	g, gctx := errgroup.WithContext(qctx)
	g.Go(func() error {
		var errScan error
		rows, errScan = m.scanRows(gctx, query)
		return errScan
	})
	g.Go(func() error {
		if errCount := m.db.QueryRowContext(gctx, countQuery.SQL, countQuery.Params...).Scan(&total); errCount != nil {
			return fmt.Errorf("执行计数查询失败: %w", errCount)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Error("查询执行失败", "source", cfg.SourceTable, "error", err)
		return nil, err
	}

	if rows == nil {
		rows = []map[string]any{}
	}
	return &port.ExecuteResult{Data: rows, RowCount: total, SQL: query.SQL}, nil
}

// scanRows 执行编译结果并把行扫描成 map。[]byte 统一转成 string，
// 扫描条数在 LIMIT 之外再兜底一次 maxRows。
func (m *Manager) scanRows(ctx context.Context, q *compiledQuery) ([]map[string]any, error) {
	rows, err := m.db.QueryContext(ctx, q.SQL, q.Params...)
	if err != nil {
		return nil, fmt.Errorf("执行查询失败: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0)
	for rows.Next() {
		if len(results) >= maxRows {
			break
		}
		scanDest := make([]any, len(columns))
		scanPtrs := make([]any, len(columns))
		for i := range scanDest {
			scanPtrs[i] = &scanDest[i]
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			slog.Warn("扫描行数据失败，跳过此行", "error", err)
			continue
		}
		rowData := make(map[string]any, len(columns))
		for i, colName := range columns {
			if b, ok := scanDest[i].([]byte); ok {
				rowData[colName] = string(b)
			} else {
				rowData[colName] = scanDest[i]
			}
		}
		results = append(results, rowData)
	}
	return results, rows.Err()
}

// Facet 实现 port.QueryService：单列去重计数，剔除该列自身的过滤条件。
// 过滤下拉框会高频重复请求同一 facet，结果做 30 秒的短 TTL 缓存。
func (m *Manager) Facet(ctx context.Context, cfg domain.QueryConfig, column string) (*port.FacetResult, error) {
	if err := validateFacetConfig(cfg); err != nil {
		return nil, err
	}

	key, err := facetCacheKey(cfg, column)
	if err == nil {
		if cached, found := m.facetCache.Get(key); found {
			return cached.(*port.FacetResult), nil
		}
	}

	query, err := m.builder.buildFacetQuery(cfg, column)
	if err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, executionTimeout)
	defer cancel()

	rows, err := m.db.QueryContext(qctx, query.SQL, query.Params...)
	if err != nil {
		return nil, fmt.Errorf("执行 facet 查询失败: %w", err)
	}
	defer rows.Close()

	buckets := make([]port.FacetBucket, 0)
	for rows.Next() {
		var value any
		var count int64
		if err := rows.Scan(&value, &count); err != nil {
			slog.Warn("扫描 facet 行失败，跳过", "column", column, "error", err)
			continue
		}
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		buckets = append(buckets, port.FacetBucket{Value: value, Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &port.FacetResult{Data: buckets, SQL: query.SQL}
	if key != "" {
		m.facetCache.Set(key, result, gocache.DefaultExpiration)
	}
	return result, nil
}

// facetCacheKey 由来源、JOIN、过滤与目标列派生缓存键。
func facetCacheKey(cfg domain.QueryConfig, column string) (string, error) {
	payload, err := json.Marshal(struct {
		Source  string              `json:"source"`
		Joins   []domain.JoinConfig `json:"joins"`
		Filters domain.FilterSpec   `json:"filters"`
		Column  string              `json:"column"`
	}{cfg.SourceTable, cfg.Joins, cfg.Filters, column})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Schema 实现 port.QueryService：实时探测库结构，过滤到白名单。
// 白名单里但库中不存在的表被静默跳过，schema 漂移不会导致报错。
func (m *Manager) Schema(ctx context.Context) ([]port.TableSchema, error) {
	existing, err := listSources(m.db)
	if err != nil {
		return nil, fmt.Errorf("探测库结构失败: %w", err)
	}

	names := make([]string, 0, len(queryableTables)+len(queryableViews))
	for name := range queryableTables {
		names = append(names, name)
	}
	for name := range queryableViews {
		names = append(names, name)
	}
	sort.Strings(names)

	tables := make([]port.TableSchema, 0, len(names))
	for _, name := range names {
		if _, ok := existing[name]; !ok {
			continue
		}
		cols, err := m.schema.TableColumns(name)
		if err != nil {
			slog.Warn("加载表结构失败，已跳过", "table", name, "error", err)
			continue
		}
		schema := port.TableSchema{Name: name, Columns: make([]port.ColumnSchema, 0, len(cols))}
		for _, c := range cols {
			schema.Columns = append(schema.Columns, port.ColumnSchema{
				Name:     c.Name,
				Type:     c.Type,
				Nullable: !c.NotNull,
			})
		}
		tables = append(tables, schema)
	}
	return tables, nil
}
