package calibration

import "github.com/banshee-data/uwb.locator/internal/geometry"

// Targets are the on-screen points the operator visits, in normalised
// screen coordinates. The order sweeps left to right so the operator walks
// the screen column by column.
var Targets = []geometry.UV{
	// left column
	{U: 0.05, V: 0.95},
	{U: 0.05, V: 0.5},
	{U: 0.05, V: 0.05},
	// inner top-left quadrant
	{U: 0.25, V: 0.75},
	// centre column
	{U: 0.5, V: 0.95},
	{U: 0.5, V: 0.5},
	{U: 0.5, V: 0.05},
	// right column
	{U: 0.95, V: 0.95},
	{U: 0.95, V: 0.5},
	{U: 0.95, V: 0.05},
}
