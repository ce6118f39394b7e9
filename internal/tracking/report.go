package tracking

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedReport is returned by ParseReport for payloads that cannot be
// applied. The pipeline drops these without touching any tag.
var ErrMalformedReport = errors.New("malformed ranging report")

// Report is one ranging packet from a tag.
type Report struct {
	Tag    string
	Ranges []Range
}

// Range is a distance from the tag to one anchor, in meters. A nil
// Distance clears the stored value for that anchor.
type Range struct {
	AnchorID string
	Distance *float64
}

type wireReport struct {
	Tag     string       `json:"tag"`
	Anchors *[]wireRange `json:"anchors"`
}

type wireRange struct {
	ID       string          `json:"id"`
	Distance json.RawMessage `json:"distance"`
}

// ParseReport decodes a JSON ranging report of the form
//
//	{"tag": "T0", "anchors": [{"id": "A0", "distance": 1.92}, ...]}
//
// Entries without an id are skipped. An entry with an id but a missing or
// non-numeric distance makes the whole report malformed.
func ParseReport(payload []byte) (Report, error) {
	var w wireReport
	if err := json.Unmarshal(payload, &w); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	if w.Tag == "" {
		return Report{}, fmt.Errorf("%w: missing tag", ErrMalformedReport)
	}
	if w.Anchors == nil {
		return Report{}, fmt.Errorf("%w: missing anchors", ErrMalformedReport)
	}

	r := Report{Tag: w.Tag, Ranges: make([]Range, 0, len(*w.Anchors))}
	for _, a := range *w.Anchors {
		if a.ID == "" {
			continue
		}
		if len(a.Distance) == 0 {
			return Report{}, fmt.Errorf("%w: anchor %s has no distance", ErrMalformedReport, a.ID)
		}
		if bytes.Equal(bytes.TrimSpace(a.Distance), []byte("null")) {
			r.Ranges = append(r.Ranges, Range{AnchorID: a.ID})
			continue
		}
		var d float64
		if err := json.Unmarshal(a.Distance, &d); err != nil {
			return Report{}, fmt.Errorf("%w: anchor %s distance: %v", ErrMalformedReport, a.ID, err)
		}
		r.Ranges = append(r.Ranges, Range{AnchorID: a.ID, Distance: &d})
	}
	return r, nil
}
