package index

import "context"

// State classifies one expected definition against deployed reality.
type State string

const (
	StatePresent    State = "present"
	StateMissing    State = "missing"
	StateBuilding   State = "building"
	StateUnexpected State = "unexpected"
)

// DeployedIndex is an index that exists on the database. Ready is false
// while the index is still building and not yet queryable.
type DeployedIndex struct {
	Definition Definition
	Ready      bool
}

// ComparisonResult buckets every expected definition into exactly one of
// present/missing/building, and every undeclared deployed index into
// unexpected.
type ComparisonResult struct {
	Present    []Definition
	Missing    []Definition
	Building   []Definition
	Unexpected []Definition
}

// AllPresent reports whether every expected index is deployed and ready.
func (r ComparisonResult) AllPresent() bool {
	return len(r.Missing) == 0 && len(r.Building) == 0
}

// Compare matches expected definitions against deployed indexes using
// structural equality. Pure function; used stand-alone by the pre-flight
// check and polled in a loop by the deployment pipeline.
func Compare(expected []Definition, deployed []DeployedIndex) ComparisonResult {
	var result ComparisonResult
	matched := make([]bool, len(deployed))

	for _, exp := range expected {
		found := false
		for i, dep := range deployed {
			if matched[i] || !exp.Equal(dep.Definition) {
				continue
			}
			matched[i] = true
			found = true
			if dep.Ready {
				result.Present = append(result.Present, exp)
			} else {
				result.Building = append(result.Building, exp)
			}
			break
		}
		if !found {
			result.Missing = append(result.Missing, exp)
		}
	}

	for i, dep := range deployed {
		if !matched[i] {
			result.Unexpected = append(result.Unexpected, dep.Definition)
		}
	}
	return result
}

// Inventory reports and manages deployed indexes on one environment.
type Inventory interface {
	// Deployed lists all deployed indexes for the given collection groups.
	Deployed(ctx context.Context, collectionGroups []string) ([]DeployedIndex, error)

	// EnsureIndex starts building the given index if it does not exist.
	EnsureIndex(ctx context.Context, def Definition) error
}
