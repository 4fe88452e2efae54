// Package document defines the core entities shared across ingestion,
// indexing, and retrieval: source documents, their parsed filing metadata,
// and the chunks produced from them.
package document

import "fmt"

// AnnualPeriod marks a filing that covers a full fiscal year rather than
// a single quarter.
const AnnualPeriod = 0

// Metadata identifies the filing a piece of text came from. It is parsed
// once per document from the source identifier and inherited by every chunk.
type Metadata struct {
	Entity string `json:"entity"`
	Year   int    `json:"year"`
	Period int    `json:"period"` // 1-4 for quarters, AnnualPeriod for annual filings
}

// IsAnnual reports whether the filing covers a full fiscal year.
func (m Metadata) IsAnnual() bool {
	return m.Period == AnnualPeriod
}

// Label renders the metadata for context tagging and citations,
// e.g. "Apple Q3 2024" or "Foo FY2023".
func (m Metadata) Label() string {
	if m.IsAnnual() {
		return fmt.Sprintf("%s FY%d", m.Entity, m.Year)
	}
	return fmt.Sprintf("%s Q%d %d", m.Entity, m.Period, m.Year)
}

// Document is one source disclosure file already reduced to plain text.
// It exists only between ingestion start and chunking.
type Document struct {
	ID   string // source identifier, e.g. "Apple_2024_Q3.pdf"
	Text string
	Meta Metadata
}

// Chunk is a contiguous span of a document's text with bounded size.
// Chunks are immutable once produced.
type Chunk struct {
	DocID   string
	Text    string
	Start   int // byte offset of the first character within the document
	End     int // byte offset one past the last character
	Overlap int // characters shared with the preceding chunk
	Meta    Metadata
}
