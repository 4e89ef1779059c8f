package mysql

import (
	"strings"
	"testing"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
)

func TestAnalysisColumnsFollowSlots(t *testing.T) {
	cols := strings.Split(analysisColumns, ", ")
	assert.Len(t, cols, 8+len(domain.AllSlots)+4)
	assert.Equal(t, "settings_file_id", cols[8])
	assert.Equal(t, "run_traceback_file_id", cols[8+len(domain.AllSlots)-1])
}

func TestListFilter(t *testing.T) {
	where, args := listFilter(domain.ListQuery{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = listFilter(domain.ListQuery{Status: domain.StatusReady, Creator: "u1"})
	assert.Equal(t, " WHERE status = ? AND creator = ?", where)
	assert.Equal(t, []any{"READY", "u1"}, args)
}

func TestNormalizeDSNCountsMatchedRows(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
	}{
		{"bare", "oasis:secret@tcp(db:3306)/oasis"},
		{"explicitly off", "oasis:secret@tcp(db:3306)/oasis?clientFoundRows=false&parseTime=false"},
		{"already on", "oasis:secret@tcp(db:3306)/oasis?clientFoundRows=true&parseTime=true&loc=UTC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeDSN(tt.dsn)
			require.NoError(t, err)
			cfg, err := mysqldrv.ParseDSN(got)
			require.NoError(t, err)
			assert.True(t, cfg.ClientFoundRows)
			assert.True(t, cfg.ParseTime)
			assert.Equal(t, "oasis", cfg.DBName)
			assert.Equal(t, "db:3306", cfg.Addr)
		})
	}

	_, err := normalizeDSN("oasis@tcp(db:3306")
	assert.Error(t, err)
}

func TestEscapeLikePattern(t *testing.T) {
	assert.Equal(t, `100\%\_done\\`, escapeLikePattern(`100%_done\`))
}

func TestMigrationsCoverRepositoryColumns(t *testing.T) {
	body, err := migrationFiles.ReadFile("migrations/0002_analyses.sql")
	require.NoError(t, err)
	for _, c := range strings.Split(analysisColumns, ", ") {
		assert.Contains(t, string(body), "\n    "+c+" ", c)
	}
	assert.NotContains(t, string(body), ";", "one statement per file")

	body, err = migrationFiles.ReadFile("migrations/0001_related_files.sql")
	require.NoError(t, err)
	for _, c := range strings.Split(fileColumns, ", ") {
		assert.Contains(t, string(body), "\n    "+c+" ", c)
	}
	assert.NotContains(t, string(body), ";", "one statement per file")
}
