package trainer

import "math"

// sample is one transition flattened for optimization, with its advantage
// estimate and return target attached.
type sample struct {
	state      []float32
	action     int
	numActions int
	oldLogProb float64
	advantage  float64
	ret        float64
}

// advantages computes generalized advantage estimates per episode and
// flattens the batch into optimizer samples. The terminal value is zero; the
// advantage of step t is the discounted sum of TD residuals from t onward.
// Advantages are normalized across the whole batch, which keeps the clipped
// update scale-free.
func advantages(episodes []Episode, gamma, lambda float64) []sample {
	samples := make([]sample, 0, totalTransitions(episodes))
	for _, e := range episodes {
		n := len(e.Transitions)
		if n == 0 {
			continue
		}
		adv := make([]float64, n)
		next := 0.0 // advantage at t+1
		nextValue := 0.0
		for t := n - 1; t >= 0; t-- {
			tr := e.Transitions[t]
			delta := tr.Reward + gamma*nextValue - tr.Value
			adv[t] = delta + gamma*lambda*next
			next = adv[t]
			nextValue = tr.Value
		}
		for t, tr := range e.Transitions {
			samples = append(samples, sample{
				state:      tr.State,
				action:     tr.ActionIndex,
				numActions: tr.NumActions,
				oldLogProb: tr.LogProb,
				advantage:  adv[t],
				ret:        adv[t] + tr.Value,
			})
		}
	}
	normalize(samples)
	return samples
}

func totalTransitions(episodes []Episode) int {
	n := 0
	for _, e := range episodes {
		n += len(e.Transitions)
	}
	return n
}

func normalize(samples []sample) {
	if len(samples) < 2 {
		return
	}
	mean := 0.0
	for _, s := range samples {
		mean += s.advantage
	}
	mean /= float64(len(samples))

	variance := 0.0
	for _, s := range samples {
		d := s.advantage - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(samples)))
	if std < 1e-8 {
		std = 1e-8
	}
	for i := range samples {
		samples[i].advantage = (samples[i].advantage - mean) / std
	}
}
