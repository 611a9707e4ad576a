package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownSetType reports a set type absent from the reference data.
var ErrUnknownSetType = errors.New("unknown set type")

// InstrumentEntry is one expected instrument line of a reference set.
type InstrumentEntry struct {
	Type          string `json:"type"`
	ExpectedCount int    `json:"expected_count"`
}

// ReferenceSet holds the expected inventory for one set type. The weight
// entry is optional; Instruments preserves the order of the source document.
type ReferenceSet struct {
	ExpectedWeightKg *float64
	Instruments      []InstrumentEntry
}

// Catalog is the immutable instrument lookup loaded at startup. It is never
// mutated after Load, so concurrent reads need no synchronization.
type Catalog struct {
	sets      map[string]ReferenceSet
	setTypes  []string
	names     map[int]string
	modelName string
}

type rawEntry struct {
	Weight        string `json:"weight"`
	Type          string `json:"type"`
	ExpectedCount int    `json:"expected_count"`
}

type rawConfig struct {
	ReferenceData map[string][]rawEntry `json:"REFERENCE_DATA"`
	Instruments   map[string]string     `json:"SURGICAL_INSTRUMENTS"`
	BestModel     struct {
		FolderName string `json:"folder_name"`
	} `json:"BEST_MODEL"`
}

// Load reads and validates the catalog document. Any problem with the file is
// a startup failure for the caller; Load is never used at request time.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog config: %w", err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog config %s: %w", path, err)
	}
	if raw.ReferenceData == nil {
		return nil, fmt.Errorf("catalog config %s: missing REFERENCE_DATA", path)
	}
	if raw.Instruments == nil {
		return nil, fmt.Errorf("catalog config %s: missing SURGICAL_INSTRUMENTS", path)
	}
	if raw.BestModel.FolderName == "" {
		return nil, fmt.Errorf("catalog config %s: missing BEST_MODEL", path)
	}

	c := &Catalog{
		sets:      make(map[string]ReferenceSet, len(raw.ReferenceData)),
		names:     make(map[int]string, len(raw.Instruments)),
		modelName: raw.BestModel.FolderName,
	}

	for classID, name := range raw.Instruments {
		id, err := strconv.Atoi(classID)
		if err != nil {
			return nil, fmt.Errorf("SURGICAL_INSTRUMENTS: class id %q is not an integer", classID)
		}
		c.names[id] = name
	}

	for setType, entries := range raw.ReferenceData {
		set, err := buildReferenceSet(setType, entries)
		if err != nil {
			return nil, err
		}
		c.sets[setType] = set
		c.setTypes = append(c.setTypes, setType)
	}
	sort.Strings(c.setTypes)

	return c, nil
}

func buildReferenceSet(setType string, entries []rawEntry) (ReferenceSet, error) {
	var set ReferenceSet
	seen := make(map[string]bool)
	for _, e := range entries {
		switch {
		case e.Weight != "":
			if set.ExpectedWeightKg != nil {
				return set, fmt.Errorf("set %q: more than one weight entry", setType)
			}
			kg, err := parseWeightKg(e.Weight)
			if err != nil {
				return set, fmt.Errorf("set %q: %w", setType, err)
			}
			set.ExpectedWeightKg = &kg
		case e.Type != "":
			if seen[e.Type] {
				return set, fmt.Errorf("set %q: duplicate instrument type %q", setType, e.Type)
			}
			if e.ExpectedCount < 1 {
				return set, fmt.Errorf("set %q: instrument %q: expected_count must be >= 1", setType, e.Type)
			}
			seen[e.Type] = true
			set.Instruments = append(set.Instruments, InstrumentEntry{Type: e.Type, ExpectedCount: e.ExpectedCount})
		default:
			return set, fmt.Errorf("set %q: entry has neither weight nor type", setType)
		}
	}
	return set, nil
}

// parseWeightKg parses the "<number> kg" format used by the reference data.
func parseWeightKg(s string) (float64, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "kg"))
	kg, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed weight %q", s)
	}
	return kg, nil
}

// ClassName resolves a detector class id to a display name. Unmapped ids get
// a stable placeholder so unregistered classes never abort the pipeline.
func (c *Catalog) ClassName(classID int) string {
	if name, ok := c.names[classID]; ok {
		return name
	}
	return fmt.Sprintf("Unknown Instrument (Class %d)", classID)
}

// ReferenceSet returns the expected inventory for a set type.
func (c *Catalog) ReferenceSet(setType string) (ReferenceSet, error) {
	set, ok := c.sets[setType]
	if !ok {
		return ReferenceSet{}, fmt.Errorf("%w: %q", ErrUnknownSetType, setType)
	}
	return set, nil
}

// HasSetType reports whether a set type exists, for early request validation.
func (c *Catalog) HasSetType(setType string) bool {
	_, ok := c.sets[setType]
	return ok
}

// SetTypes lists the known set types in sorted order.
func (c *Catalog) SetTypes() []string {
	out := make([]string, len(c.setTypes))
	copy(out, c.setTypes)
	return out
}

// ModelName returns the configured detection model identifier.
func (c *Catalog) ModelName() string {
	return c.modelName
}
