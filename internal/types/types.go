// README: Shared identifiers and coordinates used across modules.
package types

// ID is an opaque string identifier (uuid or directory key).
type ID string

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
