package fetcher

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectRows(t *testing.T, rowCh <-chan []string, errCh <-chan error) ([][]string, error) {
	t.Helper()
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

// latin1 encodes s (which must only hold code points below 256) as ISO-8859-1.
func latin1(s string) []byte {
	var buf bytes.Buffer
	for _, r := range s {
		buf.WriteByte(byte(r))
	}
	return buf.Bytes()
}

func TestStreamCSV_SemicolonWithHeader(t *testing.T) {
	input := "NU_NOTIFIC;SG_UF_NOT\n1;SP\n2;RJ\n"
	headerCh := make(chan []string, 1)

	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		Delimiter: ';',
		HasHeader: true,
		HeaderCh:  headerCh,
	})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, []string{"1", "SP"}, rows[0])
	assert.Equal(t, []string{"2", "RJ"}, rows[1])
	assert.Equal(t, []string{"NU_NOTIFIC", "SG_UF_NOT"}, <-headerCh)
}

func TestStreamCSV_Latin1(t *testing.T) {
	input := latin1("MUNICIPIO;UF\nSão Paulo;SP\nGoiânia;GO\n")

	rowCh, errCh := StreamCSV(context.Background(), bytes.NewReader(input), CSVOptions{
		Delimiter: ';',
		HasHeader: true,
		Encoding:  EncodingLatin1,
	})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "São Paulo", rows[0][0])
	assert.Equal(t, "Goiânia", rows[1][0])
}

func TestStreamCSV_TrimSpaceAndVariableWidth(t *testing.T) {
	input := " a ; b ; c \n 1 ; 2 \n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		Delimiter: ';',
		TrimSpace: true,
	})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"a", "b", "c"}, rows[0])
	assert.Equal(t, []string{"1", "2"}, rows[1])
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a,b\n1,2\n"), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestDecode_AutoDetect(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{name: "utf-8 passthrough", input: []byte("Pará;Amapá"), want: "Pará;Amapá"},
		{name: "latin-1 detected", input: latin1("Pará;Amapá"), want: "Pará;Amapá"},
		{name: "ascii", input: []byte("SP;RJ"), want: "SP;RJ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := io.ReadAll(Decode(bytes.NewReader(tt.input), EncodingAuto))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestReadHeader(t *testing.T) {
	input := "\ufeffNU_NOTIFIC;DT_NOTIFIC\n1;2021-01-01\n"
	header, err := ReadHeader(strings.NewReader(input), CSVOptions{Delimiter: ';'})
	require.NoError(t, err)
	assert.Equal(t, []string{"NU_NOTIFIC", "DT_NOTIFIC"}, header)

	_, err = ReadHeader(strings.NewReader(""), CSVOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty file")
}
