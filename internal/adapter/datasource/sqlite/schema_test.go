// file: internal/adapter/datasource/sqlite/schema_test.go

package sqlite

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestSchemaCache(t *testing.T) (*schemaCache, *sql.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:schematest%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE "Referenda" (
		id INTEGER PRIMARY KEY,
		status TEXT NOT NULL,
		DOT_proposal_time REAL
	)`)
	require.NoError(t, err)

	return newSchemaCache(db), db
}

func TestSchemaCacheTableColumns(t *testing.T) {
	s, db := newTestSchemaCache(t)

	t.Run("探测列元数据", func(t *testing.T) {
		cols, err := s.TableColumns("Referenda")
		require.NoError(t, err)
		require.Len(t, cols, 3)
		assert.Equal(t, columnInfo{Name: "id", Type: "INTEGER", NotNull: false}, cols[0])
		assert.Equal(t, columnInfo{Name: "status", Type: "TEXT", NotNull: true}, cols[1])
	})

	t.Run("结果被记忆化", func(t *testing.T) {
		_, err := s.TableColumns("Referenda")
		require.NoError(t, err)

		// 删除物理表后命中缓存仍可应答，直到显式 Reset
		_, err = db.Exec(`ALTER TABLE "Referenda" RENAME TO "Referenda_moved"`)
		require.NoError(t, err)
		defer func() {
			_, _ = db.Exec(`ALTER TABLE "Referenda_moved" RENAME TO "Referenda"`)
			s.Reset()
		}()

		cols, err := s.TableColumns("Referenda")
		require.NoError(t, err)
		assert.Len(t, cols, 3)

		s.Reset()
		_, err = s.TableColumns("Referenda")
		assert.ErrorIs(t, err, port.ErrTableNotFound)
	})

	t.Run("非法表名在PRAGMA之前被拒绝", func(t *testing.T) {
		for _, name := range []string{"", "Referenda; DROP TABLE x", `a"b`, "1abc"} {
			_, err := s.TableColumns(name)
			require.Error(t, err, name)
			assert.Contains(t, err.Error(), "illegal table name", name)
		}
	})
}

func TestSchemaCacheColumnType(t *testing.T) {
	s, _ := newTestSchemaCache(t)

	assert.Equal(t, "TEXT", s.ColumnType("status", "Referenda"))
	assert.Equal(t, "REAL", s.ColumnType("DOT_proposal_time", "Referenda"))

	// 点分引用取前缀作为表名
	assert.Equal(t, "TEXT", s.ColumnType("Referenda.status", "ignored"))

	// 未知列与未知表都返回空串，走宽松的 TEXT 系数规则
	assert.Empty(t, s.ColumnType("ghost", "Referenda"))
	assert.Empty(t, s.ColumnType("alias.status", "Referenda"))
}

func TestListSources(t *testing.T) {
	_, db := newTestSchemaCache(t)

	_, err := db.Exec(`CREATE VIEW "status_view" AS SELECT status FROM "Referenda"`)
	require.NoError(t, err)

	sources, err := listSources(db)
	require.NoError(t, err)
	assert.Contains(t, sources, "Referenda")
	assert.Contains(t, sources, "status_view")
	for name := range sources {
		assert.NotContains(t, name, "sqlite_")
	}
}
