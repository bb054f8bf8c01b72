package pgstore

import (
	"strconv"
	"strings"
)

// FormatVector renders v as a pgvector text literal ("[1,2,3]"),
// projecting it to EmbeddingDimension by truncation or zero-padding.
// pgx has no native vector codec in this module's dependency set, so
// the value is passed as text and cast with ::vector in the SQL
// statement that uses it.
func FormatVector(v []float32) string {
	projected := make([]float32, EmbeddingDimension)
	copy(projected, v)

	var b strings.Builder
	b.WriteByte('[')
	for i, f := range projected {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
