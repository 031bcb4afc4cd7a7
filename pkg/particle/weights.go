package particle

import "math"

// SoftWeights converts log-weights in place to weights exp(l - max), so the
// largest weight is 1 and no term underflows before normalisation.
func SoftWeights(logW []float64) {
	if len(logW) == 0 {
		return
	}
	max := math.Inf(-1)
	for _, l := range logW {
		if l > max {
			max = l
		}
	}
	for i, l := range logW {
		logW[i] = math.Exp(l - max)
	}
}

// HardWeights converts log-weights in place to a winner-take-all indicator:
// 1 at the first maximum, 0 elsewhere.
func HardWeights(logW []float64) {
	if len(logW) == 0 {
		return
	}
	best := 0
	for i, l := range logW {
		if l > logW[best] {
			best = i
		}
	}
	for i := range logW {
		logW[i] = 0
	}
	logW[best] = 1
}
