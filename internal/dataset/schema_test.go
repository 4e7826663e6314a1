package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSchemaBuiltin(t *testing.T) {
	s, err := LoadSchema("")
	require.NoError(t, err)

	assert.NotEmpty(t, s.Version)
	assert.Len(t, s.Fields, 13)
	assert.Equal(t, "nu_notific", s.Names()[0])
	assert.ElementsMatch(t, []string{"dt_notific", "hospital", "uti", "evolucao"}, s.Required())

	f, ok := s.Field("dt_notific")
	require.True(t, ok)
	assert.True(t, f.Date)
}

func TestLoadSchemaFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: custom
fields:
  - name: " DT_NOTIFIC "
    required: true
  - name: uf
    aliases: [SG_UF]
`), 0o644))

	s, err := LoadSchema(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", s.Version)
	assert.Equal(t, []string{"dt_notific", "uf"}, s.Names())
}

func TestParseSchemaRejectsBadInput(t *testing.T) {
	_, err := ParseSchema([]byte("fields: []\n"))
	assert.Error(t, err)

	_, err = ParseSchema([]byte("version: v\nfields: []\n"))
	assert.Error(t, err)

	_, err = ParseSchema([]byte("version: v\nfields:\n  - name: a\n  - name: A\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = LoadSchema(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
