// README: Distance ranker; orders a candidate pool by great-circle distance from an origin.
package location

import "medidrop/internal/types"

// Candidate is a directory row reduced to what ranking needs.
type Candidate struct {
	ID       types.ID
	Position types.Point
}

// Ranked is a candidate annotated with its distance from the origin.
type Ranked struct {
	ID         types.ID    `json:"id"`
	Position   types.Point `json:"position"`
	DistanceKm float64     `json:"distance_km"`
}

// Rank returns the candidates within radiusKm of origin, closest first.
// IDs present in exclude are dropped. Ties keep pool order. An empty pool
// yields an empty, non-nil slice.
func Rank(origin types.Point, pool []Candidate, radiusKm float64, exclude map[types.ID]struct{}) []Ranked {
	out := make([]Ranked, 0, len(pool))
	if radiusKm < 0 {
		return out
	}
	for _, c := range pool {
		if _, skip := exclude[c.ID]; skip {
			continue
		}
		d := DistanceKm(origin, c.Position)
		if d > radiusKm {
			continue
		}
		out = append(out, Ranked{ID: c.ID, Position: c.Position, DistanceKm: d})
	}
	sortByDistance(out, func(r Ranked) float64 { return r.DistanceKm })
	return out
}
