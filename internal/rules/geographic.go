package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
)

// Geographic pass output columns besides the flags themselves.
const (
	ColDistanceMiles       = "distance_miles"
	ColUniquePatientStates = "unique_patient_states"
	ColTotalPatients       = "total_patients"
	ColProvidersSameDay    = "num_providers_same_day"
)

// EarthRadiusMiles is the sphere radius used for haversine distances.
const EarthRadiusMiles = 3959.0

const (
	clusteringMinPatients = 100
	maxProvidersPerDay    = 3
)

// GeographicRules flags claims with implausible patient and provider locations.
type GeographicRules struct {
	cfg domain.DetectionConfig
}

// NewGeographicRules creates geographic rules using the distance limit of cfg.
func NewGeographicRules(cfg domain.DetectionConfig) *GeographicRules {
	return &GeographicRules{cfg: cfg}
}

// Haversine returns the great-circle distance in miles between two points
// given in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Pow(math.Sin(dLon/2), 2)
	return EarthRadiusMiles * 2 * math.Asin(math.Sqrt(a))
}

// ProviderPatientDistance flags claims where patient and provider are further
// apart than the configured limit. Without all four coordinate columns the
// flag is false for every row; rows with a missing coordinate are not flagged.
func (r *GeographicRules) ProviderPatientDistance(f *frame.Frame) (*frame.Frame, error) {
	if !f.Has(frame.CoordinateColumns...) {
		return f.With(domain.FlagDistanceExceeded, frame.ConstBool(f.Len(), false))
	}
	coords, err := coordinates(f)
	if err != nil {
		return nil, fmt.Errorf("distance: %w", err)
	}

	n := f.Len()
	dist := make([]float64, n)
	distValid := make([]bool, n)
	flags := make([]bool, n)
	limit := r.cfg.MaxProviderPatientDistanceMiles
	for i := 0; i < n; i++ {
		if !coords.complete(i) {
			continue
		}
		dist[i] = Haversine(coords.patLat.Value(i), coords.patLon.Value(i), coords.provLat.Value(i), coords.provLon.Value(i))
		distValid[i] = true
		flags[i] = dist[i] > limit
	}

	return f.WithAll(
		frame.Named{Name: ColDistanceMiles, Column: frame.NewFloat(dist, distValid)},
		frame.Named{Name: domain.FlagDistanceExceeded, Column: frame.NewBool(flags)},
	)
}

// StateMismatch flags claims whose patient and provider states are both
// present and differ. Without both state columns the flag is false.
func (r *GeographicRules) StateMismatch(f *frame.Frame) (*frame.Frame, error) {
	if !f.Has(frame.ColPatientState, frame.ColProviderState) {
		return f.With(domain.FlagStateMismatch, frame.ConstBool(f.Len(), false))
	}
	patient, provider, err := states(f)
	if err != nil {
		return nil, fmt.Errorf("state mismatch: %w", err)
	}

	flags := make([]bool, f.Len())
	for i := range flags {
		flags[i] = !patient.IsNull(i) && !provider.IsNull(i) && patient.Value(i) != provider.Value(i)
	}
	return f.With(domain.FlagStateMismatch, frame.NewBool(flags))
}

// GeographicClustering flags claims of providers with more than 100 claims
// whose patients all come from one state, when that state differs from the
// provider's. Without state columns the flag is false.
func (r *GeographicRules) GeographicClustering(f *frame.Frame) (*frame.Frame, error) {
	if !f.Has(frame.ColPatientState, frame.ColProviderState) {
		return f.With(domain.FlagGeographicClustering, frame.ConstBool(f.Len(), false))
	}
	patient, provider, err := states(f)
	if err != nil {
		return nil, fmt.Errorf("clustering: %w", err)
	}
	patients, err := f.Strings(frame.ColPatientID)
	if err != nil {
		return nil, fmt.Errorf("clustering: %w", err)
	}
	groups, err := f.GroupBy(frame.ColProviderID)
	if err != nil {
		return nil, fmt.Errorf("clustering: %w", err)
	}

	uniqueStates := make([]int64, groups.Count())
	totals := make([]int64, groups.Count())
	for g, rows := range groups.Rows {
		seen := make(map[string]struct{})
		for _, i := range rows {
			if !patient.IsNull(i) {
				seen[patient.Value(i)] = struct{}{}
			}
			if !patients.IsNull(i) {
				totals[g]++
			}
		}
		uniqueStates[g] = int64(len(seen))
	}

	unique := frame.Broadcast(groups, uniqueStates)
	total := frame.Broadcast(groups, totals)
	flags := make([]bool, f.Len())
	for i := range flags {
		flags[i] = total[i] > clusteringMinPatients && unique[i] == 1 &&
			!patient.IsNull(i) && !provider.IsNull(i) && patient.Value(i) != provider.Value(i)
	}

	return f.WithAll(
		frame.Named{Name: ColUniquePatientStates, Column: frame.NewInt(unique, nil)},
		frame.Named{Name: ColTotalPatients, Column: frame.NewInt(total, nil)},
		frame.Named{Name: domain.FlagGeographicClustering, Column: frame.NewBool(flags)},
	)
}

// ImpossibleTravel flags claims of patients seen at more than three distinct
// provider locations on one day. Without all four coordinate columns the
// flag is false.
func (r *GeographicRules) ImpossibleTravel(f *frame.Frame) (*frame.Frame, error) {
	if !f.Has(frame.CoordinateColumns...) {
		return f.With(domain.FlagImpossibleTravel, frame.ConstBool(f.Len(), false))
	}
	coords, err := coordinates(f)
	if err != nil {
		return nil, fmt.Errorf("impossible travel: %w", err)
	}
	groups, err := f.GroupBy(frame.ColPatientID, frame.ColServiceDate)
	if err != nil {
		return nil, fmt.Errorf("impossible travel: %w", err)
	}

	type location struct{ lat, lon float64 }
	perGroup := make([]int64, groups.Count())
	for g, rows := range groups.Rows {
		seen := make(map[location]struct{})
		for _, i := range rows {
			if coords.provLat.IsNull(i) || coords.provLon.IsNull(i) {
				continue
			}
			seen[location{coords.provLat.Value(i), coords.provLon.Value(i)}] = struct{}{}
		}
		perGroup[g] = int64(len(seen))
	}

	counts := frame.Broadcast(groups, perGroup)
	flags := make([]bool, f.Len())
	for i := range flags {
		flags[i] = counts[i] > maxProvidersPerDay
	}

	return f.WithAll(
		frame.Named{Name: ColProvidersSameDay, Column: frame.NewInt(counts, nil)},
		frame.Named{Name: domain.FlagImpossibleTravel, Column: frame.NewBool(flags)},
	)
}

type coordinateColumns struct {
	patLat, patLon, provLat, provLon *frame.FloatColumn
}

func (c *coordinateColumns) complete(i int) bool {
	return !c.patLat.IsNull(i) && !c.patLon.IsNull(i) && !c.provLat.IsNull(i) && !c.provLon.IsNull(i)
}

func coordinates(f *frame.Frame) (*coordinateColumns, error) {
	var c coordinateColumns
	var err error
	if c.patLat, err = f.Floats(frame.ColPatientLat); err != nil {
		return nil, err
	}
	if c.patLon, err = f.Floats(frame.ColPatientLon); err != nil {
		return nil, err
	}
	if c.provLat, err = f.Floats(frame.ColProviderLat); err != nil {
		return nil, err
	}
	if c.provLon, err = f.Floats(frame.ColProviderLon); err != nil {
		return nil, err
	}
	return &c, nil
}

func states(f *frame.Frame) (patient, provider *frame.StringColumn, err error) {
	if patient, err = f.Strings(frame.ColPatientState); err != nil {
		return nil, nil, err
	}
	if provider, err = f.Strings(frame.ColProviderState); err != nil {
		return nil, nil, err
	}
	return patient, provider, nil
}
