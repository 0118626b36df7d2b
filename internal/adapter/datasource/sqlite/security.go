// Package sqlite file: internal/adapter/datasource/sqlite/security.go
//
// 安全约束的唯一事实来源：可查询来源白名单、操作符/聚合函数白名单、
// 表达式 token 白名单与注入黑名单。编译器的任何分支都不得绕过这里的检查。
package sqlite

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/port"
)

const (
	// maxRows 是单次查询返回行数的硬上限，调用方的 limit 只能往小调。
	maxRows = 10000
	// maxExpressionLength 限制表达式列的长度，超长直接拒绝。
	maxExpressionLength = 500
	// maxTableNameLength 与 SQLite 默认标识符长度保持一致。
	maxTableNameLength = 128
)

// queryableTables 是允许作为查询来源、也允许被 JOIN 的治理数据表。
var queryableTables = map[string]struct{}{
	"Referenda":          {},
	"Treasury Spends":    {},
	"Bounties":           {},
	"Child Bounties":     {},
	"Fellowship Salary":  {},
	"Fellowship Members": {},
	"Categories":         {},
}

// queryableViews 是允许作为查询来源的预聚合视图。
// 视图只能当根来源，不能出现在 JOIN 里：视图之间做 JOIN 的执行计划不可控。
var queryableViews = map[string]struct{}{
	"referenda_enriched":       {},
	"treasury_netflow_monthly": {},
}

// isSourceAllowed 判断 FROM 来源是否在白名单内 (表或视图均可)。
func isSourceAllowed(name string) bool {
	if _, ok := queryableTables[name]; ok {
		return true
	}
	_, ok := queryableViews[name]
	return ok
}

// isJoinTableAllowed 判断 JOIN 目标是否在白名单内，视图被排除。
func isJoinTableAllowed(name string) bool {
	_, ok := queryableTables[name]
	return ok
}

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_ ]*$`)

// isValidTableName 在表名被插值进 PRAGMA 语句前做形态校验。
// 这是硬性不变量：任何动态拼接表名的路径都必须先过这里。
func isValidTableName(name string) bool {
	if name == "" || len(name) > maxTableNameLength {
		return false
	}
	return tableNamePattern.MatchString(name)
}

// allowedOperators 是过滤条件可用的全部操作符。
var allowedOperators = map[string]struct{}{
	"=": {}, "!=": {}, ">": {}, "<": {}, ">=": {}, "<=": {},
	"LIKE": {}, "IN": {}, "NOT IN": {}, "IS NULL": {}, "IS NOT NULL": {},
}

func isOperatorAllowed(op string) bool {
	_, ok := allowedOperators[strings.ToUpper(strings.TrimSpace(op))]
	return ok
}

// allowedAggregates 是普通列与表达式列可用的聚合函数。
var allowedAggregates = map[string]struct{}{
	"SUM": {}, "COUNT": {}, "AVG": {}, "MIN": {}, "MAX": {},
}

func isAggregateAllowed(fn string) bool {
	_, ok := allowedAggregates[strings.ToUpper(strings.TrimSpace(fn))]
	return ok
}

// blockedPattern 是表达式里的注入黑名单。黑名单先于白名单检查，
// 确保报错消息指向被拦截的形态而不是泛泛的 "未知标识符"。
type blockedPattern struct {
	re   *regexp.Regexp
	name string
}

var blockedPatterns = []blockedPattern{
	{regexp.MustCompile(`;`), "statement separator"},
	{regexp.MustCompile(`--`), "line comment"},
	{regexp.MustCompile(`/\*`), "block comment"},
	{regexp.MustCompile(`\*/`), "block comment"},
	{regexp.MustCompile(`(?i)\b(union|select|insert|update|delete|drop|alter|create|exec|attach|detach|pragma|vacuum|reindex|truncate)\b`), "forbidden keyword"},
	{regexp.MustCompile(`(?i)\b(load_extension|fts3_tokenizer|writefile|readfile)\b`), "forbidden function"},
}

// allowedExpressionFunctions 是表达式列可引用的 SQLite 函数，按大写收录。
var allowedExpressionFunctions = map[string]struct{}{
	// 数学
	"ABS": {}, "ROUND": {}, "CEIL": {}, "CEILING": {}, "FLOOR": {},
	"POWER": {}, "POW": {}, "SQRT": {}, "EXP": {}, "LN": {}, "LOG": {}, "MOD": {}, "SIGN": {},
	// 聚合 (表达式内部也允许)
	"SUM": {}, "COUNT": {}, "AVG": {}, "MIN": {}, "MAX": {},
	// 字符串
	"UPPER": {}, "LOWER": {}, "LENGTH": {}, "SUBSTR": {}, "SUBSTRING": {},
	"TRIM": {}, "LTRIM": {}, "RTRIM": {}, "REPLACE": {}, "INSTR": {}, "PRINTF": {}, "FORMAT": {},
	// 空值与条件
	"COALESCE": {}, "IFNULL": {}, "NULLIF": {}, "IIF": {},
	// 日期时间
	"DATE": {}, "TIME": {}, "DATETIME": {}, "JULIANDAY": {}, "STRFTIME": {}, "UNIXEPOCH": {},
	// 窗口
	"ROW_NUMBER": {}, "RANK": {}, "DENSE_RANK": {}, "NTILE": {}, "LAG": {}, "LEAD": {},
	// JSON
	"JSON_EXTRACT": {}, "JSON_ARRAY_LENGTH": {}, "JSON_TYPE": {}, "JSON_VALID": {},
}

// allowedExpressionKeywords 是表达式里允许出现的裸关键字。
var allowedExpressionKeywords = map[string]struct{}{
	"CASE": {}, "WHEN": {}, "THEN": {}, "ELSE": {}, "END": {},
	"CAST": {}, "AS": {}, "AND": {}, "OR": {}, "NOT": {},
	"IN": {}, "IS": {}, "NULL": {}, "LIKE": {}, "BETWEEN": {},
	"TRUE": {}, "FALSE": {}, "ALL": {}, "DISTINCT": {},
	"OVER": {}, "PARTITION": {}, "BY": {}, "ORDER": {}, "ASC": {}, "DESC": {},
	"ESCAPE": {}, "GLOB": {},
	// CAST 的目标类型
	"INTEGER": {}, "REAL": {}, "TEXT": {}, "NUMERIC": {}, "BLOB": {},
}

var (
	stringLiteralPattern = regexp.MustCompile(`'(?:[^']|'')*'`)
	expressionTokens     = regexp.MustCompile(`"[^"]+"|[a-zA-Z_][a-zA-Z0-9_.]*`)
)

// validateExpression 对表达式做 token 级白名单校验。
// 注入黑名单在原始文本上跑，字符串字面量里藏注释符、分号同样拒绝；
// 之后剥离字面量再 token 化，要求每个标识符 token 要么是白名单
// 函数/关键字，要么能解析到 availableColumns 里的某一列。
func validateExpression(expr string, availableColumns []string) error {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return port.NewConfigValidationError("expression must not be empty")
	}
	if len(trimmed) > maxExpressionLength {
		return port.NewConfigValidationError(
			fmt.Sprintf("expression exceeds maximum length of %d characters", maxExpressionLength))
	}

	for _, p := range blockedPatterns {
		if p.re.MatchString(trimmed) {
			return port.NewConfigValidationError(
				fmt.Sprintf("expression contains blocked pattern (%s)", p.name))
		}
	}

	stripped := stringLiteralPattern.ReplaceAllString(trimmed, "''")

	known := make(map[string]struct{}, len(availableColumns))
	for _, c := range availableColumns {
		known[strings.ToLower(c)] = struct{}{}
	}

	for _, token := range expressionTokens.FindAllString(stripped, -1) {
		name := strings.Trim(token, `"`)
		upper := strings.ToUpper(name)
		if _, ok := allowedExpressionFunctions[upper]; ok {
			continue
		}
		if _, ok := allowedExpressionKeywords[upper]; ok {
			continue
		}
		// 点分引用取末段比对，前缀是表名或 JOIN 别名
		col := name
		if i := strings.LastIndex(name, "."); i >= 0 {
			col = name[i+1:]
		}
		if _, ok := known[strings.ToLower(col)]; ok {
			continue
		}
		return port.NewConfigValidationError(
			fmt.Sprintf("expression references unknown identifier '%s'", name))
	}
	return nil
}

var aliasIllegalChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sanitizeAlias 把任意别名压成安全标识符：非法字符替换为下划线，
// 数字开头补前缀。对已合法的输入是恒等变换。
func sanitizeAlias(alias string) string {
	out := aliasIllegalChars.ReplaceAllString(alias, "_")
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

var columnSegmentPattern = regexp.MustCompile(`^[a-zA-Z0-9_ ]+$`)

// sanitizeColumnName 校验并引号化列引用。点分引用逐段校验、逐段加引号，
// 非法字符直接拒绝而不是替换：列引用必须与物理 schema 精确对应。
func sanitizeColumnName(ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", port.NewConfigValidationError("column reference must not be empty")
	}
	segments := strings.Split(ref, ".")
	quoted := make([]string, 0, len(segments))
	for _, seg := range segments {
		if !columnSegmentPattern.MatchString(seg) {
			return "", port.NewConfigValidationError(
				fmt.Sprintf("column reference '%s' contains illegal characters", ref))
		}
		quoted = append(quoted, fmt.Sprintf("%q", seg))
	}
	return strings.Join(quoted, "."), nil
}

// qualifyColumn 在多表查询里给不带前缀的列补来源表前缀，消除列名歧义。
// 单表查询保持原样，生成的 SQL 更接近人手写的形态。
func qualifyColumn(ref, sourceTable string, hasJoins bool) string {
	if !hasJoins || strings.Contains(ref, ".") {
		return ref
	}
	return sourceTable + "." + ref
}
