package etl

import (
	"strings"
	"testing"

	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSQLLoaderMergeQuery(t *testing.T) {
	l := NewSQLLoader(nil, &models.MappingSchema{Entity: "deals", Table: "hub]spot"}, zerolog.Nop())
	q := l.mergeQuery()

	require.True(t, strings.HasPrefix(q, "MERGE [hub]]spot] WITH (HOLDLOCK) AS target"))
	require.Contains(t, q, "@p1 AS _record_id")
	require.Contains(t, q, "@p10 AS custom_properties")
	require.Contains(t, q, "target.properties = source.properties")
	require.NotContains(t, q, "target.source_id = source.source_id,")
	require.Contains(t, q, "VALUES (source._record_id, source._tenant_id")
}

func TestLoaderTableDefaultsToEntity(t *testing.T) {
	m := &models.MappingSchema{Entity: "tickets"}
	require.Equal(t, "tickets", NewSQLLoader(nil, m, zerolog.Nop()).Table)
	require.Equal(t, "tickets", NewPostgresLoader(nil, m, zerolog.Nop()).Table)
	require.Equal(t, `"tickets"`, NewPostgresLoader(nil, m, zerolog.Nop()).ident())
}
