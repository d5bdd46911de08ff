package executor

import "encoding/json"

// Per-action param shapes: one typed struct per action that takes params.
// The adb pass-through is typed too (a single cmd string); no action keeps
// its params as an opaque map.

// TapParams is required for the tap action.
type TapParams struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// SwipeParams is required for the swipe action.
type SwipeParams struct {
	X1         int `json:"x1"`
	Y1         int `json:"y1"`
	X2         int `json:"x2"`
	Y2         int `json:"y2"`
	DurationMs int `json:"duration"`
}

// WatchParams is required for the watch action.
type WatchParams struct {
	URL string `json:"url"`
}

// ADBParams is required for the adb pass-through action.
type ADBParams struct {
	Cmd string `json:"cmd"`
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}
