// Package drift compares snapshots for drift and checks a snapshot for
// cross-host consistency. Everything here is pure: no I/O, no clocks.
package drift

// Absent marks a key that a host does not report.
const Absent = "<absent>"

// Category is the kind of state a drift item concerns.
type Category string

const (
	CategoryConfig  Category = "config"
	CategoryService Category = "service"
	CategoryFact    Category = "fact"
)

// order gives the report ordering of categories.
func (c Category) order() int {
	switch c {
	case CategoryConfig:
		return 0
	case CategoryService:
		return 1
	case CategoryFact:
		return 2
	default:
		return 3
	}
}

// Severity ranks a drift item.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Change describes how a key moved between snapshots.
type Change string

const (
	ChangeAdded    Change = "added"
	ChangeRemoved  Change = "removed"
	ChangeModified Change = "modified"
)

// Item is a single detected difference.
type Item struct {
	Host     string   `json:"host"`
	Category Category `json:"category"`
	Key      string   `json:"key"`
	Before   string   `json:"before"`
	After    string   `json:"after"`
	Change   Change   `json:"change"`
	Severity Severity `json:"severity"`
}

// Report is the result of comparing two snapshots.
type Report struct {
	// ComparedAgainst is the label of the reference snapshot.
	ComparedAgainst string `json:"compared_against"`

	// BeforeID and AfterID are the artifact store IDs of the compared
	// snapshots, when stored.
	BeforeID int64 `json:"before_id,omitempty"`
	AfterID  int64 `json:"after_id,omitempty"`

	Items []Item `json:"items"`

	// Warnings carries partial snapshot notes from either side.
	Warnings []string `json:"warnings,omitempty"`
}

// Summary counts drift items.
type Summary struct {
	Total   int `json:"total"`
	Config  int `json:"config"`
	Service int `json:"service"`
	Fact    int `json:"fact"`
	High    int `json:"high"`
	Medium  int `json:"medium"`
	Low     int `json:"low"`
}

// Summary returns item counts by category and severity.
func (r *Report) Summary() Summary {
	var s Summary
	if r == nil {
		return s
	}
	for _, it := range r.Items {
		s.Total++
		switch it.Category {
		case CategoryConfig:
			s.Config++
		case CategoryService:
			s.Service++
		case CategoryFact:
			s.Fact++
		}
		switch it.Severity {
		case SeverityHigh:
			s.High++
		case SeverityMedium:
			s.Medium++
		case SeverityLow:
			s.Low++
		}
	}
	return s
}

// HighSeverity returns the high-severity items.
func (r *Report) HighSeverity() []Item {
	if r == nil {
		return nil
	}
	out := make([]Item, 0)
	for _, it := range r.Items {
		if it.Severity == SeverityHigh {
			out = append(out, it)
		}
	}
	return out
}

// HasHighSeverity reports whether any item is high severity.
func (r *Report) HasHighSeverity() bool {
	return len(r.HighSeverity()) > 0
}

// InconsistencyItem is the per-host value set of one key.
type InconsistencyItem struct {
	Category   Category          `json:"category"`
	Key        string            `json:"key"`
	HostValues map[string]string `json:"host_values"`
	Consistent bool              `json:"consistent"`
}

// ConsistencyReport is the result of checking one snapshot.
type ConsistencyReport struct {
	SnapshotLabel string              `json:"snapshot_label"`
	SnapshotID    int64               `json:"snapshot_id,omitempty"`
	Hosts         []string            `json:"hosts"`
	Items         []InconsistencyItem `json:"items"`
	Warnings      []string            `json:"warnings,omitempty"`
}

// Consistent reports whether every key has a single value across hosts.
func (r *ConsistencyReport) Consistent() bool {
	return len(r.Inconsistencies()) == 0
}

// Inconsistencies returns the inconsistent items.
func (r *ConsistencyReport) Inconsistencies() []InconsistencyItem {
	if r == nil {
		return nil
	}
	out := make([]InconsistencyItem, 0)
	for _, it := range r.Items {
		if !it.Consistent {
			out = append(out, it)
		}
	}
	return out
}
