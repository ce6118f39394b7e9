package tracking

import "time"

// Snapshot is the state pushed to viewers after every change.
type Snapshot struct {
	ServerTimestamp float64            `json:"server_timestamp"`
	Tags            map[string]TagView `json:"tags"`
}

// TagView is the wire form of a TagState. Positions are null when not
// available.
type TagView struct {
	IP         string              `json:"ip"`
	Distances  map[string]*float64 `json:"distances"`
	Position3D *[3]float64         `json:"position_3d"`
	Position2D *[2]float64         `json:"position_2d"`
	Status     Status              `json:"status"`
	LastSeen   float64             `json:"last_seen"`
}

func newTagView(t *TagState) TagView {
	c := t.clone()
	v := TagView{
		IP:        c.Origin,
		Distances: c.Distances,
		Status:    c.Status,
		LastSeen:  unixSeconds(c.LastSeen),
	}
	if p := c.Position3D; p != nil {
		v.Position3D = &[3]float64{p.X, p.Y, p.Z}
	}
	if uv := c.Position2D; uv != nil {
		v.Position2D = &[2]float64{uv.U, uv.V}
	}
	return v
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
