// file: internal/adapter/datasource/sqlite/security_test.go

package sqlite

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceAllowLists(t *testing.T) {
	t.Run("白名单表可作为来源也可被JOIN", func(t *testing.T) {
		for _, name := range []string{"Referenda", "Treasury Spends", "Categories"} {
			assert.True(t, isSourceAllowed(name), name)
			assert.True(t, isJoinTableAllowed(name), name)
		}
	})

	t.Run("视图只能作为来源不能被JOIN", func(t *testing.T) {
		for _, name := range []string{"referenda_enriched", "treasury_netflow_monthly"} {
			assert.True(t, isSourceAllowed(name), name)
			assert.False(t, isJoinTableAllowed(name), name)
		}
	})

	t.Run("未知来源一律拒绝", func(t *testing.T) {
		for _, name := range []string{"sqlite_master", "users", "Referenda; DROP TABLE x", ""} {
			assert.False(t, isSourceAllowed(name), name)
			assert.False(t, isJoinTableAllowed(name), name)
		}
	})
}

func TestIsValidTableName(t *testing.T) {
	valid := []string{"Referenda", "Treasury Spends", "_internal", "a1 b2"}
	for _, name := range valid {
		assert.True(t, isValidTableName(name), name)
	}

	invalid := []string{
		"",
		"1abc",
		"a;b",
		`a"b`,
		"a.b",
		"a-b",
		strings.Repeat("a", maxTableNameLength+1),
	}
	for _, name := range invalid {
		assert.False(t, isValidTableName(name), name)
	}
}

func TestOperatorAndAggregateAllowLists(t *testing.T) {
	for _, op := range []string{"=", "!=", ">", "<", ">=", "<=", "LIKE", "IN", "NOT IN", "IS NULL", "IS NOT NULL"} {
		assert.True(t, isOperatorAllowed(op), op)
	}
	// 大小写与空白不敏感
	assert.True(t, isOperatorAllowed(" like "))
	assert.True(t, isOperatorAllowed("is null"))

	for _, op := range []string{"<>", "REGEXP", "MATCH", "||", ""} {
		assert.False(t, isOperatorAllowed(op), op)
	}

	for _, fn := range []string{"SUM", "count", "Avg", "MIN", "MAX"} {
		assert.True(t, isAggregateAllowed(fn), fn)
	}
	for _, fn := range []string{"RANDOM", "GROUP_CONCAT", "LOAD_EXTENSION", ""} {
		assert.False(t, isAggregateAllowed(fn), fn)
	}
}

func TestValidateExpression(t *testing.T) {
	available := []string{"id", "status", "DOT_proposal_time", "DOT_latest"}

	t.Run("合法表达式通过", func(t *testing.T) {
		exprs := []string{
			"ROUND(DOT_proposal_time / 1000000, 2)",
			"CASE WHEN status = 'Executed' THEN 1 ELSE 0 END",
			"COALESCE(DOT_latest, DOT_proposal_time)",
			"IIF(DOT_latest > 1000, 'large', 'small')",
			"CAST(id AS TEXT)",
			`UPPER("status")`,
			"Referenda.status",
			"STRFTIME('%Y-%m', DOT_proposal_time)",
		}
		for _, expr := range exprs {
			assert.NoError(t, validateExpression(expr, available), expr)
		}
	})

	t.Run("注入形态被黑名单拦截", func(t *testing.T) {
		cases := map[string]string{
			"1; DROP TABLE Referenda":      "statement separator",
			"id -- comment":                "line comment",
			"id /* hidden */":              "block comment",
			"(SELECT password FROM users)": "forbidden keyword",
			"1 UNION ALL VALUES(1)":        "forbidden keyword",
			"load_extension('evil.so')":    "forbidden function",
		}
		for expr, reason := range cases {
			err := validateExpression(expr, available)
			require.Error(t, err, expr)
			assert.Contains(t, err.Error(), reason, expr)
		}
	})

	t.Run("未知标识符被拒绝", func(t *testing.T) {
		err := validateExpression("secret_column + 1", available)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown identifier 'secret_column'")
	})

	t.Run("字符串字面量内部不参与token校验", func(t *testing.T) {
		// 剥离后字面量内容不会被当成标识符；selected 也不构成完整的 select 关键字
		assert.NoError(t, validateExpression("IIF(status = 'not selected yet', 1, 0)", available))
	})

	t.Run("字面量里的注入形态同样被拦截", func(t *testing.T) {
		// 黑名单扫描在剥离字面量之前进行，引号里藏的注释符、分号一样拒绝
		cases := map[string]string{
			"IIF(status = 'a -- b', 1, 0)":    "line comment",
			"IIF(status = 'x; y', 1, 0)":      "statement separator",
			"IIF(status = '/* z */', 1, 0)":   "block comment",
			"IIF(status = 'union all', 1, 0)": "forbidden keyword",
		}
		for expr, reason := range cases {
			err := validateExpression(expr, available)
			require.Error(t, err, expr)
			assert.Contains(t, err.Error(), reason, expr)
		}
	})

	t.Run("空表达式与超长表达式", func(t *testing.T) {
		require.Error(t, validateExpression("   ", available))

		long := "id + " + strings.Repeat("1", maxExpressionLength)
		err := validateExpression(long, available)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maximum length")
	})
}

func TestSanitizeAlias(t *testing.T) {
	cases := map[string]string{
		"total":       "total",
		"sum_DOT":     "sum_DOT",
		"with space":  "with_space",
		"semi;colon":  "semi_colon",
		`quo"te`:      "quo_te",
		"2024_totals": "_2024_totals",
		"":            "_",
	}
	for in, want := range cases {
		got := sanitizeAlias(in)
		assert.Equal(t, want, got, in)
		// 对已净化结果是恒等变换
		assert.Equal(t, got, sanitizeAlias(got), in)
	}
}

func TestSanitizeColumnName(t *testing.T) {
	t.Run("普通列与点分引用逐段引号化", func(t *testing.T) {
		got, err := sanitizeColumnName("status")
		require.NoError(t, err)
		assert.Equal(t, `"status"`, got)

		got, err = sanitizeColumnName("Referenda.status")
		require.NoError(t, err)
		assert.Equal(t, `"Referenda"."status"`, got)

		got, err = sanitizeColumnName("Treasury Spends.DOT latest")
		require.NoError(t, err)
		assert.Equal(t, `"Treasury Spends"."DOT latest"`, got)
	})

	t.Run("非法字符直接拒绝", func(t *testing.T) {
		for _, ref := range []string{"", "a;b", `a"b`, "a'b", "a)b", "col--"} {
			_, err := sanitizeColumnName(ref)
			assert.Error(t, err, ref)
		}
	})
}

func TestQualifyColumn(t *testing.T) {
	assert.Equal(t, "status", qualifyColumn("status", "Referenda", false))
	assert.Equal(t, "Referenda.status", qualifyColumn("status", "Referenda", true))
	// 已带前缀的引用不再二次限定
	assert.Equal(t, "c.name", qualifyColumn("c.name", "Referenda", true))
}
