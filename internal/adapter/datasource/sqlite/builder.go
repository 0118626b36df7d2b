// Package sqlite file: internal/adapter/datasource/sqlite/builder.go
//
// SQL 组装引擎：把通过授权门校验的 QueryConfig 编译为参数化 SELECT / COUNT / FACET
// 语句。所有进入原始 SQL 的标识符要么经过引号化，要么是预先校验过的白名单 token。
package sqlite

import (
	"fmt"
	"strings"

	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/domain"
	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/port"
)

// compiledQuery 是编译结果：SQL 文本 (只含占位符) 加绑定参数。
type compiledQuery struct {
	SQL    string
	Params []any
}

// queryBuilder 持有列元数据来源，不持有连接，本身无状态、可并发使用。
type queryBuilder struct {
	cols columnProvider
}

func newQueryBuilder(cols columnProvider) *queryBuilder {
	return &queryBuilder{cols: cols}
}

// buildQuery 编译主查询。
func (b *queryBuilder) buildQuery(cfg domain.QueryConfig) (*compiledQuery, error) {
	hasJoins := len(cfg.Joins) > 0

	selectClause, err := b.buildSelectClause(cfg, hasJoins)
	if err != nil {
		return nil, err
	}
	joinClause, err := buildJoinClause(cfg.Joins)
	if err != nil {
		return nil, err
	}
	whereClause, args, err := b.buildWhereClause(cfg.Filters, cfg.SourceTable, hasJoins)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(selectClause)
	sb.WriteString(fmt.Sprintf(" FROM %q", cfg.SourceTable))
	if joinClause != "" {
		sb.WriteString(" ")
		sb.WriteString(joinClause)
	}
	if whereClause != "" {
		sb.WriteString(" ")
		sb.WriteString(whereClause)
	}

	if len(cfg.GroupBy) > 0 {
		groupBy, err := b.buildGroupByClause(cfg, hasJoins)
		if err != nil {
			return nil, err
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(groupBy)
	}

	if len(cfg.OrderBy) > 0 {
		orderBy, err := b.buildOrderByClause(cfg, hasJoins)
		if err != nil {
			return nil, err
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(orderBy)
	}

	// 行数上限无条件生效，调用方的 limit 只能往小调
	limit := maxRows
	if cfg.Limit != nil && *cfg.Limit > 0 && *cfg.Limit < maxRows {
		limit = *cfg.Limit
	}
	sb.WriteString(" LIMIT ?")
	args = append(args, limit)

	// OFFSET 只在显式给出时追加，以区分 "没有分页" 和 "第 0 页"
	if cfg.Offset != nil {
		sb.WriteString(" OFFSET ?")
		args = append(args, *cfg.Offset)
	}

	return &compiledQuery{SQL: sb.String(), Params: args}, nil
}

// buildCountQuery 编译与主查询同 WHERE / JOIN 的计数查询。
// 有 GROUP BY 时统计的是分组数而不是聚合前的行数：把分组查询包成子查询再 COUNT。
func (b *queryBuilder) buildCountQuery(cfg domain.QueryConfig) (*compiledQuery, error) {
	hasJoins := len(cfg.Joins) > 0

	joinClause, err := buildJoinClause(cfg.Joins)
	if err != nil {
		return nil, err
	}
	whereClause, args, err := b.buildWhereClause(cfg.Filters, cfg.SourceTable, hasJoins)
	if err != nil {
		return nil, err
	}

	var body strings.Builder
	body.WriteString(fmt.Sprintf("FROM %q", cfg.SourceTable))
	if joinClause != "" {
		body.WriteString(" ")
		body.WriteString(joinClause)
	}
	if whereClause != "" {
		body.WriteString(" ")
		body.WriteString(whereClause)
	}

	if len(cfg.GroupBy) > 0 {
		groupBy, err := b.buildGroupByClause(cfg, hasJoins)
		if err != nil {
			return nil, err
		}
		sql := fmt.Sprintf("SELECT COUNT(*) FROM (SELECT 1 %s GROUP BY %s)", body.String(), groupBy)
		return &compiledQuery{SQL: sql, Params: args}, nil
	}

	return &compiledQuery{SQL: "SELECT COUNT(*) " + body.String(), Params: args}, nil
}

// buildFacetQuery 编译单列去重计数查询，剔除目标列自身的过滤条件。
// 不带前缀的列必须存在于来源表；带表/别名前缀的引用信任调用方的 JOIN 契约。
func (b *queryBuilder) buildFacetQuery(cfg domain.QueryConfig, column string) (*compiledQuery, error) {
	if !strings.Contains(column, ".") {
		cols, err := b.cols.TableColumns(cfg.SourceTable)
		if err != nil {
			return nil, err
		}
		found := false
		for _, c := range cols {
			if c.Name == column {
				found = true
				break
			}
		}
		if !found {
			return nil, port.NewConfigValidationError(
				fmt.Sprintf("column '%s' does not exist on table '%s'", column, cfg.SourceTable))
		}
	}

	hasJoins := len(cfg.Joins) > 0
	col, err := sanitizeColumnName(qualifyColumn(column, cfg.SourceTable, hasJoins))
	if err != nil {
		return nil, err
	}
	joinClause, err := buildJoinClause(cfg.Joins)
	if err != nil {
		return nil, err
	}
	whereClause, args, err := b.buildWhereClause(cfg.Filters.ExcludeColumn(column), cfg.SourceTable, hasJoins)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("SELECT %s AS value, COUNT(*) AS count FROM %q", col, cfg.SourceTable))
	if joinClause != "" {
		sb.WriteString(" ")
		sb.WriteString(joinClause)
	}
	if whereClause != "" {
		sb.WriteString(" ")
		sb.WriteString(whereClause)
	}
	sb.WriteString(fmt.Sprintf(" GROUP BY %s ORDER BY %s", col, col))

	return &compiledQuery{SQL: sb.String(), Params: args}, nil
}

// selectItem 是 SELECT 列表中的一项，id 是 columnOrder 使用的合成标识。
type selectItem struct {
	id  string
	sql string
}

// buildSelectClause 生成 SELECT 列表。columnOrder 存在时按其精确排序，
// 未被引用的项按原顺序追加 (兼容排序功能上线前保存的旧配置)。
func (b *queryBuilder) buildSelectClause(cfg domain.QueryConfig, hasJoins bool) (string, error) {
	items := make([]selectItem, 0, len(cfg.Columns)+len(cfg.ExpressionColumns))

	for _, c := range cfg.Columns {
		col, err := sanitizeColumnName(qualifyColumn(c.Column, cfg.SourceTable, hasJoins))
		if err != nil {
			return "", err
		}
		var sql string
		if c.AggregateFunction != "" {
			fn := strings.ToUpper(strings.TrimSpace(c.AggregateFunction))
			if !isAggregateAllowed(fn) {
				return "", fmt.Errorf("aggregate function '%s' is not allowed", c.AggregateFunction)
			}
			sql = fmt.Sprintf("%s(%s) AS %q", fn, col, aggregateAlias(c))
		} else if c.Alias != "" {
			sql = fmt.Sprintf("%s AS %q", col, sanitizeAlias(c.Alias))
		} else {
			sql = col
		}
		items = append(items, selectItem{id: "col:" + c.Column, sql: sql})
	}

	if len(cfg.ExpressionColumns) > 0 {
		available, err := b.availableColumns(cfg)
		if err != nil {
			return "", err
		}
		for _, e := range cfg.ExpressionColumns {
			// 纵深防御：组装时重新校验，不盲信之前通过校验的配置
			if err := validateExpression(e.Expression, available); err != nil {
				return "", err
			}
			alias := sanitizeAlias(e.Alias)
			var sql string
			if e.AggregateFunction != "" {
				fn := strings.ToUpper(strings.TrimSpace(e.AggregateFunction))
				if !isAggregateAllowed(fn) {
					return "", fmt.Errorf("aggregate function '%s' is not allowed", e.AggregateFunction)
				}
				sql = fmt.Sprintf("%s((%s)) AS %q", fn, e.Expression, alias)
			} else {
				sql = fmt.Sprintf("(%s) AS %q", e.Expression, alias)
			}
			items = append(items, selectItem{id: "expr:" + e.Alias, sql: sql})
		}
	}

	if len(items) == 0 {
		return "", fmt.Errorf("query must select at least one column or expression column")
	}

	ordered := orderSelectItems(items, cfg.ColumnOrder)
	parts := make([]string, 0, len(ordered))
	for _, it := range ordered {
		parts = append(parts, it.sql)
	}
	return strings.Join(parts, ", "), nil
}

// orderSelectItems 按 columnOrder 的合成 id 排序，未引用的项保持原顺序追加。
func orderSelectItems(items []selectItem, order []string) []selectItem {
	if len(order) == 0 {
		return items
	}
	byID := make(map[string]int, len(items))
	for i, it := range items {
		byID[it.id] = i
	}
	used := make(map[int]struct{}, len(items))
	out := make([]selectItem, 0, len(items))
	for _, id := range order {
		if i, ok := byID[id]; ok {
			if _, dup := used[i]; !dup {
				out = append(out, items[i])
				used[i] = struct{}{}
			}
		}
	}
	for i, it := range items {
		if _, ok := used[i]; !ok {
			out = append(out, it)
		}
	}
	return out
}

// aggregateAlias 返回聚合列的有效别名，缺省为 fn_col 形式。
func aggregateAlias(c domain.ColumnSelection) string {
	if c.Alias != "" {
		return sanitizeAlias(c.Alias)
	}
	return sanitizeAlias(strings.ToLower(c.AggregateFunction + "_" + c.Column))
}

// availableColumns 收集表达式校验可引用的列：来源表的全部列，加上各 JOIN 表的列。
// 来源表取不到元数据是硬错误；JOIN 表按尽力而为处理 (别名前缀本来就解析不到)。
func (b *queryBuilder) availableColumns(cfg domain.QueryConfig) ([]string, error) {
	cols, err := b.cols.TableColumns(cfg.SourceTable)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	for _, j := range cfg.Joins {
		if jc, err := b.cols.TableColumns(j.Table); err == nil {
			for _, c := range jc {
				names = append(names, c.Name)
			}
		}
	}
	return names, nil
}

var allowedJoinTypes = map[string]struct{}{"LEFT": {}, "INNER": {}, "RIGHT": {}}

// validateJoin 校验单个 JOIN 配置，错误消息会原样返回给前端。
func validateJoin(j domain.JoinConfig) error {
	if _, ok := allowedJoinTypes[strings.ToUpper(strings.TrimSpace(j.Type))]; !ok {
		return fmt.Errorf("join type '%s' is not supported", j.Type)
	}
	if !isJoinTableAllowed(j.Table) {
		return fmt.Errorf("join table '%s' is not allowed", j.Table)
	}
	if j.On.Left == "" || j.On.Right == "" {
		return fmt.Errorf("join requires both left and right columns")
	}
	return nil
}

// buildJoinClause 生成 JOIN 子句序列。
func buildJoinClause(joins []domain.JoinConfig) (string, error) {
	if len(joins) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(joins))
	for _, j := range joins {
		if err := validateJoin(j); err != nil {
			return "", err
		}
		left, err := sanitizeColumnName(j.On.Left)
		if err != nil {
			return "", err
		}
		right, err := sanitizeColumnName(j.On.Right)
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("%s JOIN %q", strings.ToUpper(strings.TrimSpace(j.Type)), j.Table))
		if j.Alias != "" {
			sb.WriteString(fmt.Sprintf(" AS %q", sanitizeAlias(j.Alias)))
		}
		sb.WriteString(fmt.Sprintf(" ON %s = %s", left, right))
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, " "), nil
}

// buildGroupByClause 生成 GROUP BY 列表。
// 分组键命中表达式列别名时，代入表达式本体 (加括号)，因为 SQLite 不允许按
// SELECT 列表里的别名分组；其余按普通列引用处理。
func (b *queryBuilder) buildGroupByClause(cfg domain.QueryConfig, hasJoins bool) (string, error) {
	var available []string
	parts := make([]string, 0, len(cfg.GroupBy))
	for _, key := range cfg.GroupBy {
		if e := findExpressionByAlias(cfg.ExpressionColumns, key); e != nil {
			// 纵深防御：计数查询不经过 SELECT 列表，表达式在这里也要重新校验
			if available == nil {
				var err error
				available, err = b.availableColumns(cfg)
				if err != nil {
					return "", err
				}
			}
			if err := validateExpression(e.Expression, available); err != nil {
				return "", err
			}
			parts = append(parts, "("+e.Expression+")")
			continue
		}
		col, err := sanitizeColumnName(qualifyColumn(key, cfg.SourceTable, hasJoins))
		if err != nil {
			return "", err
		}
		parts = append(parts, col)
	}
	return strings.Join(parts, ", "), nil
}

// buildOrderByClause 生成 ORDER BY 列表。
// 排序键指向带聚合的普通列或表达式列时，按其别名排序：被选择的是聚合值
// 而不是原始列；其余按普通列引用处理。
func (b *queryBuilder) buildOrderByClause(cfg domain.QueryConfig, hasJoins bool) (string, error) {
	parts := make([]string, 0, len(cfg.OrderBy))
	for _, ob := range cfg.OrderBy {
		dir := "ASC"
		if strings.EqualFold(strings.TrimSpace(ob.Direction), "DESC") {
			dir = "DESC"
		}

		if c := findAggregatedColumn(cfg.Columns, ob.Column); c != nil {
			parts = append(parts, fmt.Sprintf("%q %s", aggregateAlias(*c), dir))
			continue
		}
		if e := findExpressionByAlias(cfg.ExpressionColumns, ob.Column); e != nil {
			parts = append(parts, fmt.Sprintf("%q %s", sanitizeAlias(e.Alias), dir))
			continue
		}
		col, err := sanitizeColumnName(qualifyColumn(ob.Column, cfg.SourceTable, hasJoins))
		if err != nil {
			return "", err
		}
		parts = append(parts, col+" "+dir)
	}
	return strings.Join(parts, ", "), nil
}

// findAggregatedColumn 按列名或别名匹配一个设置了聚合函数的普通列。
func findAggregatedColumn(cols []domain.ColumnSelection, key string) *domain.ColumnSelection {
	for i := range cols {
		if cols[i].AggregateFunction == "" {
			continue
		}
		if cols[i].Column == key || cols[i].Alias == key {
			return &cols[i]
		}
	}
	return nil
}

// findExpressionByAlias 按别名匹配表达式列。
func findExpressionByAlias(exprs []domain.ExpressionColumn, alias string) *domain.ExpressionColumn {
	for i := range exprs {
		if exprs[i].Alias == alias {
			return &exprs[i]
		}
	}
	return nil
}
