package terminal

import "strings"

var blocks = []rune{' ', '▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Resample reduces values to at most width points by averaging equal-sized
// buckets. Shorter inputs are returned unchanged.
func Resample(values []float64, width int) []float64 {
	if width <= 0 {
		return nil
	}
	n := len(values)
	if n <= width {
		return append([]float64(nil), values...)
	}

	out := make([]float64, width)
	for i := range out {
		lo := i * n / width
		hi := (i + 1) * n / width
		var sum float64
		for _, v := range values[lo:hi] {
			sum += v
		}
		out[i] = sum / float64(hi-lo)
	}
	return out
}

// Chart draws values as height rows of block glyphs, newest value in the
// rightmost column. Values are scaled so that top fills the chart.
func Chart(values []float64, width, height int, top float64) []string {
	if width <= 0 || height <= 0 {
		return nil
	}
	if top <= 0 {
		top = 1
	}

	points := Resample(values, width)
	pad := width - len(points)
	full := height * (len(blocks) - 1)

	levels := make([]int, len(points))
	for i, v := range points {
		l := int(v/top*float64(full) + 0.5)
		levels[i] = min(max(l, 0), full)
	}

	rows := make([]string, height)
	var sb strings.Builder
	for r := range rows {
		base := (height - 1 - r) * (len(blocks) - 1)
		sb.Reset()
		sb.WriteString(strings.Repeat(" ", pad))
		for _, l := range levels {
			cell := min(max(l-base, 0), len(blocks)-1)
			sb.WriteRune(blocks[cell])
		}
		rows[r] = sb.String()
	}
	return rows
}

// Peak returns the largest value, or fallback when values are empty or all
// non-positive.
func Peak(values []float64, fallback float64) float64 {
	peak := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
	}
	if peak <= 0 {
		return fallback
	}
	return peak
}
