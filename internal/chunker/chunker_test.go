package chunker

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fvcp94/financial-rag-system/internal/document"
)

func TestParseDocumentID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want document.Metadata
	}{
		{
			name: "quarterly filing",
			id:   "Apple_2024_Q3.pdf",
			want: document.Metadata{Entity: "Apple", Year: 2024, Period: 3},
		},
		{
			name: "annual filing",
			id:   "Foo_Annual_2023.pdf",
			want: document.Metadata{Entity: "Foo", Year: 2023, Period: document.AnnualPeriod},
		},
		{
			name: "multi-part entity name",
			id:   "Berkshire_Hathaway_2022_Q1.txt",
			want: document.Metadata{Entity: "Berkshire_Hathaway", Year: 2022, Period: 1},
		},
		{
			name: "no extension",
			id:   "Acme_2024_Q2",
			want: document.Metadata{Entity: "Acme", Year: 2024, Period: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDocumentID(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDocumentID_BadName(t *testing.T) {
	for _, id := range []string{"bad_name.pdf", "2024_Q3.pdf", "Apple_Q3.pdf", "Apple_2024_Q5.pdf", ""} {
		_, err := ParseDocumentID(id)
		require.Error(t, err, "id %q should not parse", id)
		assert.ErrorIs(t, err, ErrBadDocumentID)

		var ingErr *IngestionError
		require.ErrorAs(t, err, &ingErr)
		assert.Equal(t, id, ingErr.DocID)
	}
}

func TestNew_RejectsBadParameters(t *testing.T) {
	_, err := New(0, 0)
	assert.Error(t, err)

	_, err = New(100, 100)
	assert.Error(t, err, "overlap equal to size must be rejected")

	_, err = New(100, 150)
	assert.Error(t, err, "overlap above size must be rejected")

	_, err = New(100, -1)
	assert.Error(t, err)
}

func TestSplit_EmptyDocument(t *testing.T) {
	c, err := New(100, 20)
	require.NoError(t, err)

	for _, text := range []string{"", "   ", "\n\t \n"} {
		_, err := c.Split(document.Document{ID: "Acme_2024_Q1.pdf", Text: text})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEmptyDocument)
	}
}

func TestSplit_OverlapInvariant(t *testing.T) {
	const size, overlap = 120, 30
	c, err := New(size, overlap)
	require.NoError(t, err)

	text := strings.Repeat("Revenue grew strongly this quarter. Margins expanded across segments. ", 40)
	chunks, err := c.Split(document.Document{ID: "Acme_2024_Q1.pdf", Text: text})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	for i, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Text), size, "chunk %d exceeds size", i)
		if i == 0 {
			assert.Zero(t, ch.Overlap)
			continue
		}
		prev := chunks[i-1]
		assert.Equal(t, overlap, ch.Overlap)
		assert.Equal(t, prev.End-overlap, ch.Start, "chunk %d start", i)
		assert.Equal(t, prev.Text[len(prev.Text)-overlap:], ch.Text[:overlap],
			"trailing overlap of chunk %d must equal leading overlap of chunk %d", i-1, i)
	}
}

func TestSplit_CoverageReconstructsText(t *testing.T) {
	c, err := New(80, 16)
	require.NoError(t, err)

	text := strings.Repeat("Net income reached record levels. Cash flow remained robust. ", 25)
	normalized := Normalize(text)

	chunks, err := c.Split(document.Document{ID: "Acme_2024_Q1.pdf", Text: text})
	require.NoError(t, err)

	var rebuilt strings.Builder
	for _, ch := range chunks {
		rebuilt.WriteString(ch.Text[ch.Overlap:])
	}
	assert.Equal(t, normalized, rebuilt.String())
}

func TestSplit_MultiByteHardCutStaysValidUTF8(t *testing.T) {
	c, err := New(100, 20)
	require.NoError(t, err)

	// No sentence boundaries anywhere, so every cut is a hard cut that
	// would land mid-rune without adjustment.
	text := strings.Repeat("€", 400)
	chunks, err := c.Split(document.Document{ID: "Acme_2024_Q1.pdf", Text: text})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	var rebuilt strings.Builder
	for i, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Text), "chunk %d severs a rune", i)
		assert.LessOrEqual(t, len(ch.Text), 100, "chunk %d exceeds size", i)
		if i > 0 {
			prev := chunks[i-1]
			assert.GreaterOrEqual(t, ch.Overlap, 20, "chunk %d overlap", i)
			assert.Equal(t, prev.Text[len(prev.Text)-ch.Overlap:], ch.Text[:ch.Overlap],
				"trailing overlap of chunk %d must equal leading overlap of chunk %d", i-1, i)
		}
		rebuilt.WriteString(ch.Text[ch.Overlap:])
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestSplit_MultiByteSentencesReconstruct(t *testing.T) {
	c, err := New(120, 24)
	require.NoError(t, err)

	text := strings.Repeat("Umsätze übertrafen die Schätzungen erneut. ", 30)
	normalized := Normalize(text)

	chunks, err := c.Split(document.Document{ID: "Müller_2024_Q2.pdf", Text: text})
	require.NoError(t, err)

	var rebuilt strings.Builder
	for i, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Text), "chunk %d severs a rune", i)
		rebuilt.WriteString(ch.Text[ch.Overlap:])
	}
	assert.Equal(t, normalized, rebuilt.String())
}

func TestSplit_PrefersSentenceBoundaries(t *testing.T) {
	c, err := New(100, 10)
	require.NoError(t, err)

	// Sentences shorter than the tolerance window, so every interior cut
	// should land right after a sentence end.
	text := strings.Repeat("Costs fell sharply. Sales rose quickly. ", 25)
	chunks, err := c.Split(document.Document{ID: "Acme_2024_Q1.pdf", Text: text})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i, ch := range chunks[:len(chunks)-1] {
		assert.True(t, strings.HasSuffix(ch.Text, ". "),
			"chunk %d should end on a sentence boundary, got %q", i, ch.Text[len(ch.Text)-10:])
	}
}

func TestSplit_HardCutWithoutBoundaries(t *testing.T) {
	c, err := New(50, 10)
	require.NoError(t, err)

	text := strings.Repeat("x", 500)
	chunks, err := c.Split(document.Document{ID: "Acme_2024_Q1.pdf", Text: text})
	require.NoError(t, err)

	for i, ch := range chunks[:len(chunks)-1] {
		assert.Len(t, ch.Text, 50, "chunk %d should be a full hard-cut window", i)
	}
}

func TestSplit_ShortDocumentSingleChunk(t *testing.T) {
	c, err := New(1000, 200)
	require.NoError(t, err)

	meta := document.Metadata{Entity: "Acme", Year: 2024, Period: 1}
	chunks, err := c.Split(document.Document{ID: "Acme_2024_Q1.pdf", Text: "Short filing.", Meta: meta})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Short filing.", chunks[0].Text)
	assert.Equal(t, meta, chunks[0].Meta)
	assert.Zero(t, chunks[0].Overlap)
}

func TestSplit_MonotonicOffsets(t *testing.T) {
	c, err := New(64, 8)
	require.NoError(t, err)

	text := strings.Repeat("Gross margin improved on favorable mix. ", 30)
	chunks, err := c.Split(document.Document{ID: "Acme_2024_Q1.pdf", Text: text})
	require.NoError(t, err)

	for i := 1; i < len(chunks); i++ {
		assert.Greater(t, chunks[i].Start, chunks[i-1].Start)
		assert.Greater(t, chunks[i].End, chunks[i-1].End)
	}
}

func TestNormalize(t *testing.T) {
	in := "Revenue  grew.\r\n\r\n\r\nPage 3 of 12\r\n\r\nMargins   held."
	got := Normalize(in)
	assert.NotContains(t, got, "Page 3 of 12")
	assert.NotContains(t, got, "  ")
	assert.Contains(t, got, "Revenue grew.")
	assert.Contains(t, got, "Margins held.")
}

func TestIngestionError_Unwrap(t *testing.T) {
	err := &IngestionError{DocID: "x.pdf", Err: ErrBadDocumentID}
	assert.True(t, errors.Is(err, ErrBadDocumentID))
	assert.Contains(t, err.Error(), "x.pdf")
}
