// Package sqlite file: internal/adapter/datasource/sqlite/filter.go
package sqlite

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/domain"
)

// buildWhereClause 把过滤描述 (扁平数组或递归树) 编译为参数化 WHERE 子句。
// 返回的 clause 带 "WHERE " 前缀；没有可用条件时返回空串。
func (b *queryBuilder) buildWhereClause(filters domain.FilterSpec, sourceTable string, hasJoins bool) (string, []any, error) {
	if filters.IsEmpty() {
		return "", nil, nil
	}

	if filters.Group != nil {
		clause, args, err := b.buildGroupClause(filters.Group, sourceTable, hasJoins)
		if err != nil {
			return "", nil, err
		}
		if clause == "" {
			return "", nil, nil
		}
		return "WHERE " + clause, args, nil
	}

	// 扁平数组：逐条编译，固定用 AND 连接
	var parts []string
	var args []any
	for _, c := range filters.List {
		clause, condArgs, err := b.buildSingleCondition(c, sourceTable, hasJoins)
		if err != nil {
			return "", nil, err
		}
		if clause == "" {
			continue
		}
		parts = append(parts, clause)
		args = append(args, condArgs...)
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return "WHERE " + strings.Join(parts, " AND "), args, nil
}

// buildGroupClause 递归编译一个 FilterGroup，嵌套子组加括号，兄弟节点用组自身的操作符连接。
func (b *queryBuilder) buildGroupClause(g *domain.FilterGroup, sourceTable string, hasJoins bool) (string, []any, error) {
	op := strings.ToUpper(strings.TrimSpace(g.Operator))
	if op != "AND" && op != "OR" {
		return "", nil, fmt.Errorf("filter group operator '%s' is not allowed", g.Operator)
	}

	var parts []string
	var args []any
	for _, node := range g.Conditions {
		switch {
		case node.Condition != nil:
			clause, condArgs, err := b.buildSingleCondition(*node.Condition, sourceTable, hasJoins)
			if err != nil {
				return "", nil, err
			}
			if clause == "" {
				continue
			}
			parts = append(parts, clause)
			args = append(args, condArgs...)
		case node.Group != nil:
			clause, subArgs, err := b.buildGroupClause(node.Group, sourceTable, hasJoins)
			if err != nil {
				return "", nil, err
			}
			if clause == "" {
				continue
			}
			parts = append(parts, "("+clause+")")
			args = append(args, subArgs...)
		}
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return strings.Join(parts, " "+op+" "), args, nil
}

// buildSingleCondition 编译单个条件。值为空 (nil / 空字符串) 的条件被静默跳过，
// IS [NOT] NULL 除外，它们本来就不需要值。
func (b *queryBuilder) buildSingleCondition(c domain.FilterCondition, sourceTable string, hasJoins bool) (string, []any, error) {
	op := strings.ToUpper(strings.TrimSpace(c.Operator))
	isNullOp := op == "IS NULL" || op == "IS NOT NULL"
	if !isNullOp && isEmptyFilterValue(c.Value) {
		return "", nil, nil
	}

	col, err := sanitizeColumnName(qualifyColumn(c.Column, sourceTable, hasJoins))
	if err != nil {
		return "", nil, err
	}
	colType := b.cols.ColumnType(c.Column, sourceTable)

	switch op {
	case "IS NULL":
		return col + " IS NULL", nil, nil

	case "IS NOT NULL":
		return col + " IS NOT NULL", nil, nil

	case "IN", "NOT IN":
		values, ok := c.Value.([]any)
		if !ok || len(values) == 0 {
			return "", nil, fmt.Errorf("operator %s requires a non-empty array value", op)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		args := make([]any, 0, len(values))
		for _, v := range values {
			args = append(args, coerceFilterValue(v, colType))
		}
		return fmt.Sprintf("%s %s (%s)", col, op, placeholders), args, nil

	case "!=":
		// 业务语义上的 "不等于"：NULL 行也算 "不等于 X"，
		// 所以显式放宽为 (col != ? OR col IS NULL)，不是疏漏
		return fmt.Sprintf("(%s != ? OR %s IS NULL)", col, col), []any{coerceFilterValue(c.Value, colType)}, nil

	default: // =, >, <, >=, <=, LIKE
		return col + " " + op + " ?", []any{coerceFilterValue(c.Value, colType)}, nil
	}
}

// isEmptyFilterValue 判断条件值是否视为 "未填写"。
func isEmptyFilterValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

// coerceFilterValue 根据目标列类型矫正参数值。
// SQLite 的类型亲和会让数字字面量匹配不上 TEXT 存储的值；列类型是 TEXT 族
// 或未知 (视图常见) 时，数值统一转成字符串再绑定。这条规则必须原样保留。
func coerceFilterValue(value any, columnType string) any {
	t := strings.ToUpper(columnType)
	textLike := t == "" || strings.Contains(t, "CHAR") || strings.Contains(t, "TEXT") || strings.Contains(t, "CLOB")
	if !textLike {
		return value
	}
	switch n := value.(type) {
	case float64:
		// JSON 数字统一解码为 float64，整数值不带小数点输出
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	}
	return value
}
