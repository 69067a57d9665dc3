package bridge

import "fmt"

// Sample is the element type a stream can carry.
type Sample interface {
	~float32 | ~float64
}

// Unflatten reshapes channel-major flat data into a [samples][channels] matrix:
// out[s][c] = flat[c*samples+s].
func Unflatten[T Sample](flat []T, channels, samples int) ([][]T, error) {
	if channels <= 0 || samples <= 0 {
		return nil, fmt.Errorf("%w: invalid shape %dx%d", ErrMalformedMessage, samples, channels)
	}
	if len(flat) != channels*samples {
		return nil, fmt.Errorf("%w: %d values do not fill %d samples x %d channels", ErrMalformedMessage, len(flat), samples, channels)
	}

	out := make([][]T, samples)
	backing := make([]T, channels*samples)
	for s := range out {
		row := backing[s*channels : (s+1)*channels : (s+1)*channels]
		for c := range row {
			row[c] = flat[c*samples+s]
		}
		out[s] = row
	}
	return out, nil
}

// Flatten is the inverse of Unflatten.
func Flatten[T Sample](rows [][]T) []T {
	if len(rows) == 0 {
		return nil
	}
	samples, channels := len(rows), len(rows[0])
	out := make([]T, channels*samples)
	for s, row := range rows {
		for c, v := range row {
			out[c*samples+s] = v
		}
	}
	return out
}

// Convert changes the element type of a flat slice.
func Convert[From, To Sample](in []From) []To {
	out := make([]To, len(in))
	for i, v := range in {
		out[i] = To(v)
	}
	return out
}
