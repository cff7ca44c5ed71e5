package table

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// =============================================================================
// STRUCTURAL FINGERPRINT
// =============================================================================

// Fingerprint is a structural summary of a source table, used to match new
// jobs against previously learned transformation patterns without looking
// at cell contents.
type Fingerprint struct {
	Columns     int     `json:"columns"`
	Period      int     `json:"period"`
	HeaderRows  int     `json:"header_rows"`
	MissingRate float64 `json:"missing_rate"`
	KindSig     string  `json:"kind_sig"`
}

// SimilarityWeights sets the component weights of Fingerprint.Similarity.
type SimilarityWeights struct {
	KindSig     float64
	Columns     float64
	Period      float64
	MissingRate float64
	HeaderRows  float64
}

// DefaultSimilarityWeights returns the weights used by the pattern library.
func DefaultSimilarityWeights() SimilarityWeights {
	return SimilarityWeights{
		KindSig:     0.35,
		Columns:     0.20,
		Period:      0.20,
		MissingRate: 0.15,
		HeaderRows:  0.10,
	}
}

// ComputeFingerprint derives the structural fingerprint of a table.
func ComputeFingerprint(t *Table) Fingerprint {
	fp := Fingerprint{Columns: t.NumCols()}

	sig := make([]string, t.NumCols())
	for i, k := range t.KindSignature() {
		sig[i] = k.String()
	}
	fp.KindSig = strings.Join(sig, ",")

	total := t.NumRows() * t.NumCols()
	if total > 0 {
		missing := 0
		for ci := 0; ci < t.NumCols(); ci++ {
			for ri := 0; ri < t.NumRows(); ri++ {
				if t.Cell(ri, ci).IsMissing() {
					missing++
				}
			}
		}
		fp.MissingRate = float64(missing) / float64(total)
	}

	fp.HeaderRows = detectHeaderRows(t)
	fp.Period = detectPeriod(t, fp.HeaderRows)
	return fp
}

// detectHeaderRows counts leading rows whose cells in numeric-looking text
// columns are non-numeric text. Raw (all-text) ingests frequently carry the
// real header plus group labels as data rows; typed ingests report zero.
func detectHeaderRows(t *Table) int {
	if t.NumRows() < 2 {
		return 0
	}
	// Columns that are mostly numeric text below any plausible header band.
	numericish := make([]int, 0, t.NumCols())
	for ci := 0; ci < t.NumCols(); ci++ {
		col := t.Column(ci)
		if col.Kind != KindText {
			continue
		}
		numeric, present := 0, 0
		for ri := t.NumRows() / 2; ri < t.NumRows(); ri++ {
			v := col.Cells[ri]
			if v.IsMissing() {
				continue
			}
			present++
			if _, err := strconv.ParseFloat(strings.TrimSpace(v.Text()), 64); err == nil {
				numeric++
			}
		}
		if present > 0 && float64(numeric)/float64(present) >= 0.6 {
			numericish = append(numericish, ci)
		}
	}
	if len(numericish) == 0 {
		return 0
	}
	headers := 0
	for ri := 0; ri < t.NumRows() && ri < 8; ri++ {
		textual := 0
		for _, ci := range numericish {
			v := t.Cell(ri, ci)
			if v.IsMissing() {
				continue
			}
			if _, err := strconv.ParseFloat(strings.TrimSpace(v.Text()), 64); err != nil {
				textual++
			}
		}
		if textual*2 > len(numericish) {
			headers++
		} else {
			break
		}
	}
	return headers
}

// detectPeriod finds the smallest repetition period of the first text
// column's values below the header band, the signature of block-structured
// layouts such as quarterly report stacks. Zero means no repetition.
func detectPeriod(t *Table, headerRows int) int {
	var keys []string
	for ci := 0; ci < t.NumCols(); ci++ {
		col := t.Column(ci)
		if col.Kind != KindText {
			continue
		}
		for ri := headerRows; ri < t.NumRows(); ri++ {
			v := col.Cells[ri]
			if v.IsMissing() {
				keys = append(keys, "\x00")
			} else {
				keys = append(keys, v.Text())
			}
		}
		break
	}
	n := len(keys)
	if n < 4 {
		return 0
	}
	for p := 2; p <= n/2; p++ {
		if n%p != 0 {
			continue
		}
		match := 0
		for i := p; i < n; i++ {
			if keys[i] == keys[i-p] {
				match++
			}
		}
		if float64(match)/float64(n-p) >= 0.8 {
			return p
		}
	}
	return 0
}

// Similarity scores how alike two fingerprints are, in [0, 1].
func (f Fingerprint) Similarity(o Fingerprint, w SimilarityWeights) float64 {
	score := 0.0
	if f.KindSig == o.KindSig {
		score += w.KindSig
	} else {
		score += w.KindSig * sigRatio(f.KindSig, o.KindSig)
	}
	score += w.Columns * ratioScore(f.Columns, o.Columns)
	if f.Period == o.Period {
		score += w.Period
	} else if f.Period > 0 && o.Period > 0 {
		score += w.Period * ratioScore(f.Period, o.Period)
	}
	diff := f.MissingRate - o.MissingRate
	if diff < 0 {
		diff = -diff
	}
	score += w.MissingRate * (1 - diff)
	if f.HeaderRows == o.HeaderRows {
		score += w.HeaderRows
	}
	return score
}

func ratioScore(a, b int) float64 {
	if a == b {
		return 1
	}
	if a == 0 || b == 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return float64(a) / float64(b)
}

// sigRatio scores two kind signatures by the fraction of positions whose
// kinds agree, so one retyped column among many costs 1/n, not the tail.
func sigRatio(a, b string) float64 {
	as, bs := strings.Split(a, ","), strings.Split(b, ",")
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	common := 0
	for i := 0; i < n; i++ {
		if as[i] == bs[i] {
			common++
		}
	}
	longer := len(as)
	if len(bs) > longer {
		longer = len(bs)
	}
	if longer == 0 {
		return 0
	}
	return float64(common) / float64(longer)
}

// BucketKey hashes the coarse shape of the fingerprint into the library's
// storage bucket. Exact on column count and kind signature, coarse on the
// rest, so near-identical sources land in the same bucket while Similarity
// does the fine ranking within it.
func (f Fingerprint) BucketKey() string {
	coarse := fmt.Sprintf("%d|%s|%d", f.Columns, f.KindSig, f.Period)
	return fmt.Sprintf("%016x", xxh3.HashString(coarse))
}

// String renders a compact human-readable form for logs.
func (f Fingerprint) String() string {
	return fmt.Sprintf("cols=%d period=%d headers=%d missing=%s sig=[%s]",
		f.Columns, f.Period, f.HeaderRows, strconv.FormatFloat(f.MissingRate, 'f', 3, 64), f.KindSig)
}
