package classify

// Resolution is a frame size in pixels
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// TargetResolution returns the downscale target for a source of the given
// size, or false when no scaling is wanted. The ceiling is override when it
// is positive, otherwise the per-category maximum. MediaOther is never
// scaled unless an override is given. Sources at or below the ceiling are
// left alone, so the result never upscales. Width keeps the aspect ratio and
// both dimensions are rounded down to even values for the encoder.
func TargetResolution(width, height int, mediaType MediaType, tvMax, movieMax, override int) (Resolution, bool) {
	if width <= 0 || height <= 0 {
		return Resolution{}, false
	}

	var ceiling int
	switch {
	case override > 0:
		ceiling = override
	case mediaType == MediaTV:
		ceiling = tvMax
	case mediaType == MediaMovie:
		ceiling = movieMax
	default:
		return Resolution{}, false
	}

	ceiling &^= 1
	if ceiling <= 0 || height <= ceiling {
		return Resolution{}, false
	}

	w := int(int64(width) * int64(ceiling) / int64(height))
	w &^= 1
	if w < 2 {
		w = 2
	}
	return Resolution{Width: w, Height: ceiling}, true
}
