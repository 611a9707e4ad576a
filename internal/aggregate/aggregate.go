package aggregate

import (
	"sort"

	"github.com/iSayeed/surgical-instruments-detection/internal/detector"
)

// InstrumentCount is the number of boxes observed for one instrument name in
// a single inference call. Confidence is the first value seen for the name
// and is kept for diagnostics only; it is not an average or a maximum.
type InstrumentCount struct {
	Type       string  `json:"type"`
	Count      int     `json:"count"`
	Confidence float64 `json:"-"`
}

// Counts folds a raw detection list into ordered instrument counts. Every box
// counts: two overlapping boxes of the same class are two instruments, and no
// confidence filtering happens here — the detector applies its own threshold.
// Output is sorted descending by count with ties kept in first-seen order,
// so the same input always yields the same ordered output.
func Counts(detections []detector.Detection, className func(int) string) []InstrumentCount {
	index := make(map[string]int)
	var counts []InstrumentCount

	for _, d := range detections {
		name := className(d.ClassID)
		if i, ok := index[name]; ok {
			counts[i].Count++
			continue
		}
		index[name] = len(counts)
		counts = append(counts, InstrumentCount{Type: name, Count: 1, Confidence: d.Confidence})
	}

	sort.SliceStable(counts, func(i, j int) bool {
		return counts[i].Count > counts[j].Count
	})

	return counts
}
