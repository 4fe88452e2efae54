// Package chunker splits extracted document text into overlapping windows
// and parses filing metadata from source identifiers.
package chunker

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fvcp94/financial-rag-system/internal/document"
)

var (
	// ErrEmptyDocument signals extracted text that is empty or whitespace-only.
	ErrEmptyDocument = errors.New("document text is empty")

	// ErrBadDocumentID signals an identifier that does not follow the
	// Entity_YYYY_QN or Entity_Annual_YYYY naming convention.
	ErrBadDocumentID = errors.New("document identifier does not match naming convention")
)

// IngestionError marks a document that could not be ingested. It is
// recovered locally: the document is skipped and the batch continues.
type IngestionError struct {
	DocID string
	Err   error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest %q: %v", e.DocID, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

var (
	quarterlyID = regexp.MustCompile(`^(.+)_(\d{4})_[Qq]([1-4])$`)
	annualID    = regexp.MustCompile(`^(.+)_[Aa]nnual_(\d{4})$`)

	horizontalRun = regexp.MustCompile(`[ \t\r]+`)
	blankLines    = regexp.MustCompile(`\n\s*\n(\s*\n)*`)
	pageFooter    = regexp.MustCompile(`Page \d+ of \d+`)
)

// ParseDocumentID extracts filing metadata from a source identifier.
// Recognized forms (any file extension, which is discarded):
//
//	Apple_2024_Q3.pdf   -> {Apple, 2024, Q3}
//	Foo_Annual_2023.pdf -> {Foo, 2023, annual}
//
// Identifiers that match neither form yield an *IngestionError.
func ParseDocumentID(id string) (document.Metadata, error) {
	stem := id
	if dot := strings.LastIndexByte(stem, '.'); dot > 0 {
		stem = stem[:dot]
	}

	if m := quarterlyID.FindStringSubmatch(stem); m != nil {
		year, _ := strconv.Atoi(m[2])
		period, _ := strconv.Atoi(m[3])
		return document.Metadata{Entity: m[1], Year: year, Period: period}, nil
	}
	if m := annualID.FindStringSubmatch(stem); m != nil {
		year, _ := strconv.Atoi(m[2])
		return document.Metadata{Entity: m[1], Year: year, Period: document.AnnualPeriod}, nil
	}

	return document.Metadata{}, &IngestionError{DocID: id, Err: ErrBadDocumentID}
}

// Normalize collapses horizontal whitespace runs and strips page furniture
// left over from text extraction. Paragraph breaks are preserved as a
// single blank line so they remain usable as cut boundaries.
func Normalize(text string) string {
	text = pageFooter.ReplaceAllString(text, "")
	text = horizontalRun.ReplaceAllString(text, " ")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Chunker splits text into windows of at most Size characters where
// consecutive windows share exactly Overlap characters. Cut points prefer
// sentence or paragraph boundaries within a tolerance window around the
// target; a hard character cut is the fallback.
type Chunker struct {
	size      int
	overlap   int
	tolerance int
}

// DefaultTolerance bounds how far before the target cut point a sentence
// boundary is accepted.
const DefaultTolerance = 120

// New creates a Chunker. Size must be positive and Overlap must be
// smaller than Size; invalid combinations fail at construction.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, chunk size %d)", overlap, size)
	}
	tolerance := DefaultTolerance
	if tolerance > size/4 {
		tolerance = size / 4
	}
	return &Chunker{size: size, overlap: overlap, tolerance: tolerance}, nil
}

// Split chunks a document's text and stamps every chunk with the
// document's metadata. The text is normalized first, so offsets refer to
// the normalized form. Cuts never sever a UTF-8 rune: a hard cut backs
// off to the nearest rune boundary, and an overlap start pushed onto a
// continuation byte extends backwards, so a chunk's Overlap field may
// exceed the configured overlap by up to three bytes. Empty or
// whitespace-only text yields an *IngestionError wrapping
// ErrEmptyDocument.
func (c *Chunker) Split(doc document.Document) ([]document.Chunk, error) {
	text := Normalize(doc.Text)
	if text == "" {
		return nil, &IngestionError{DocID: doc.ID, Err: ErrEmptyDocument}
	}

	var chunks []document.Chunk
	start, overlap := 0, 0
	for {
		end := start + c.size
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.cutPoint(text, start, end)
			// A hard cut may land mid-rune; back off so the chunk
			// stays valid UTF-8.
			for end > start && !utf8.RuneStart(text[end]) {
				end--
			}
		}

		chunks = append(chunks, document.Chunk{
			DocID:   doc.ID,
			Text:    text[start:end],
			Start:   start,
			End:     end,
			Overlap: overlap,
			Meta:    doc.Meta,
		})

		if end >= len(text) {
			return chunks, nil
		}
		next := end - c.overlap
		for next > start && !utf8.RuneStart(text[next]) {
			next--
		}
		overlap = end - next
		start = next
	}
}

// cutPoint searches backwards from the target cut for a sentence or
// paragraph boundary within the tolerance window. The boundary must leave
// room for the next window to make progress past the overlap.
func (c *Chunker) cutPoint(text string, start, target int) int {
	floor := target - c.tolerance
	if min := start + c.overlap + 1; floor < min {
		floor = min
	}
	if floor >= target {
		return target
	}

	window := text[floor:target]
	best := -1
	for _, sep := range []string{"\n\n", ". ", "! ", "? ", "\n"} {
		if i := strings.LastIndex(window, sep); i >= 0 {
			// Cut after the separator so the sentence stays whole.
			if cut := i + len(sep); cut > best {
				best = cut
			}
		}
	}
	if best < 0 {
		return target
	}
	return floor + best
}
