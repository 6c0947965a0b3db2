package service

import (
	"SceneGen/backend/go/internal/models"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseHints accepts either a JSON array of {"x","y","label"} objects
// or the compact form "x,y,label;x,y,label". Empty input yields no hints.
func ParseHints(raw string) ([]models.HintPoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var hints []models.HintPoint
	if strings.HasPrefix(raw, "[") {
		var objs []struct {
			X     *float64     `json:"x"`
			Y     *float64     `json:"y"`
			Label *json.Number `json:"label"`
		}
		if err := json.Unmarshal([]byte(raw), &objs); err != nil {
			return nil, invalid("hints", "malformed JSON: %v", err)
		}
		for i, o := range objs {
			if o.X == nil || o.Y == nil || o.Label == nil {
				return nil, invalid("hints", "point %d needs x, y and label", i)
			}
			label, err := strconv.Atoi(o.Label.String())
			if err != nil {
				return nil, invalid("hints", "point %d: label %q is not an integer", i, o.Label.String())
			}
			hints = append(hints, models.HintPoint{X: *o.X, Y: *o.Y, Label: label})
		}
	} else {
		for i, part := range strings.Split(raw, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			fields := strings.Split(part, ",")
			if len(fields) != 3 {
				return nil, invalid("hints", "point %d: want x,y,label, got %q", i, part)
			}
			x, errX := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
			y, errY := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
			if errX != nil || errY != nil {
				return nil, invalid("hints", "point %d: bad coordinate in %q", i, part)
			}
			label, err := strconv.Atoi(strings.TrimSpace(fields[2]))
			if err != nil {
				return nil, invalid("hints", "point %d: bad label in %q", i, part)
			}
			hints = append(hints, models.HintPoint{X: x, Y: y, Label: label})
		}
	}
	for i, h := range hints {
		if !finite(h.X) || !finite(h.Y) {
			return nil, invalid("hints", "point %d: coordinate is not a finite number", i)
		}
		if h.X < 0 || h.Y < 0 {
			return nil, invalid("hints", "point %d: negative coordinate", i)
		}
		if h.Label != 0 && h.Label != 1 {
			return nil, invalid("hints", "point %d: label must be 0 or 1", i)
		}
	}
	return hints, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
