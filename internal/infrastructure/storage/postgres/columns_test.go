package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuance/internal/core/entity"
)

type sampleRow struct {
	entity.Base
	Reference string     `db:"reference"`
	Task      string     `db:"task"`
	IssueDate *time.Time `db:"issue_date"`
	Notes     string     `json:"notes"`
	Skipped   string     `db:"-"`
	hidden    string     `db:"hidden"`
}

func TestExtractDBColumnsIncludesEmbeddedFields(t *testing.T) {
	cols := ExtractDBColumns[sampleRow]()

	assert.Equal(t, []string{"id", "version", "created_at", "updated_at", "reference", "task", "issue_date"}, cols)
}

func TestExtractDBColumnsIsCached(t *testing.T) {
	first := ExtractDBColumns[sampleRow]()
	second := ExtractDBColumns[*sampleRow]()
	assert.Equal(t, first, second)
}

func TestStructToMap(t *testing.T) {
	row := &sampleRow{
		Base:      entity.NewBase(),
		Reference: "IMA/2024/00001",
		Task:      "PROCESS",
	}

	m := StructToMap(row)

	require.Len(t, m, 7)
	assert.Equal(t, row.ID, m["id"])
	assert.Equal(t, 1, m["version"])
	assert.Equal(t, "IMA/2024/00001", m["reference"])
	assert.Nil(t, m["issue_date"])
	assert.NotContains(t, m, "notes")
	assert.NotContains(t, m, "hidden")
}

func TestStructToMapRejectsNonStructs(t *testing.T) {
	assert.Nil(t, StructToMap(42))
	assert.Nil(t, StructToMap((*sampleRow)(nil)))
}
