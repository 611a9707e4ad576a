package reconcile

import (
	"math"

	"github.com/iSayeed/surgical-instruments-detection/internal/aggregate"
	"github.com/iSayeed/surgical-instruments-detection/internal/catalog"
)

// MissingItem kinds.
const (
	KindWeight     = "weight"
	KindInstrument = "instrument"
)

// MissingItem records one deficit against the reference inventory. It is
// produced only for shortfalls, never for surplus counts.
type MissingItem struct {
	Kind     string  `json:"kind"`
	Type     string  `json:"type,omitempty"`
	Expected float64 `json:"expected"`
	Found    float64 `json:"found"`
}

// Report is the completeness result for one validation request. It is built
// fresh per request and never mutated after construction.
type Report struct {
	DetectedInstruments []aggregate.InstrumentCount `json:"detected_instruments"`
	ExpectedInstruments []catalog.InstrumentEntry   `json:"expected_instruments"`
	SetComplete         bool                        `json:"set_complete"`
	MissingItems        []MissingItem               `json:"missing_items"`
	OperationType       string                      `json:"operation_type"`
}

// Engine compares detected counts and a measured weight against the catalog.
type Engine struct {
	catalog *catalog.Catalog

	// WeightTolerance widens the weight comparison to ±tolerance kilograms.
	// The zero default keeps the historical exact-equality comparison, which
	// is fragile for a physical measurement: a scale reading of 1.4999 kg
	// against an expected 1.5 kg is a mismatch. Deployments that want a band
	// must opt in explicitly.
	WeightTolerance float64
}

// NewEngine builds an engine over an immutable catalog snapshot.
func NewEngine(c *catalog.Catalog) *Engine {
	return &Engine{catalog: c}
}

// Reconcile compares one inference result against the reference set.
// Pure: no side effects, deterministic for a given catalog snapshot.
// The weight mismatch, when present, is always the first missing item;
// instrument deficits follow in reference-set order.
func (e *Engine) Reconcile(detected []aggregate.InstrumentCount, setType string, weightKg float64, operationType string) (*Report, error) {
	ref, err := e.catalog.ReferenceSet(setType)
	if err != nil {
		return nil, err
	}

	missing := []MissingItem{}

	if ref.ExpectedWeightKg != nil && !e.weightMatches(weightKg, *ref.ExpectedWeightKg) {
		missing = append(missing, MissingItem{
			Kind:     KindWeight,
			Expected: *ref.ExpectedWeightKg,
			Found:    weightKg,
		})
	}

	detectedByType := make(map[string]int, len(detected))
	for _, d := range detected {
		detectedByType[d.Type] = d.Count
	}

	for _, want := range ref.Instruments {
		found := detectedByType[want.Type]
		if found < want.ExpectedCount {
			missing = append(missing, MissingItem{
				Kind:     KindInstrument,
				Type:     want.Type,
				Expected: float64(want.ExpectedCount),
				Found:    float64(found),
			})
		}
	}

	if detected == nil {
		detected = []aggregate.InstrumentCount{}
	}
	expected := ref.Instruments
	if expected == nil {
		expected = []catalog.InstrumentEntry{}
	}

	return &Report{
		DetectedInstruments: detected,
		ExpectedInstruments: expected,
		SetComplete:         len(missing) == 0,
		MissingItems:        missing,
		OperationType:       operationType,
	}, nil
}

func (e *Engine) weightMatches(found, expected float64) bool {
	if e.WeightTolerance > 0 {
		return math.Abs(found-expected) <= e.WeightTolerance
	}
	return found == expected
}
