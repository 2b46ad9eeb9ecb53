package trainer

import (
	"encoding/json"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
)

// Minibatch is one shuffled slice of the optimization batch.
type Minibatch struct {
	States      [][]float32
	Actions     []int
	NumActions  []int
	OldLogProbs []float64
	Advantages  []float64
	Returns     []float64
	ClipEpsilon float64
}

func (m Minibatch) Len() int { return len(m.Actions) }

// StepStats summarizes one gradient step.
type StepStats struct {
	PolicyLoss   float64 `json:"policy_loss"`
	ValueLoss    float64 `json:"value_loss"`
	ClipFraction float64 `json:"clip_fraction"`
}

// UpdateStats summarizes one full optimization pass over a collected batch.
type UpdateStats struct {
	Epochs       int     `json:"epochs"`
	Minibatches  int     `json:"minibatches"`
	Samples      int     `json:"samples"`
	PolicyLoss   float64 `json:"policy_loss"`
	ValueLoss    float64 `json:"value_loss"`
	ClipFraction float64 `json:"clip_fraction"`
}

// Learner is the pluggable model contract: a serializable weight snapshot
// plus one clipped-importance-ratio gradient step. The concrete architecture
// is out of the core's hands; the clipped ratio is what bounds how much a
// one-batch-stale collection policy can distort the update.
type Learner interface {
	Weights() ([]byte, error)
	SetWeights(data []byte) error
	Step(mb Minibatch) (StepStats, error)
}

// Linear is the reference learner: a softmax policy and a value head, both
// linear in the state features. Small enough to train without a tensor
// library, real enough to exercise every trainer path.
type Linear struct {
	dim        int
	maxActions int
	lr         float64

	policy [][]float64 // [maxActions][dim]
	bias   []float64   // [maxActions]
	value  []float64   // [dim]
	vbias  float64
}

// NewLinear creates a zero-initialized learner for states of the given
// feature dimension and at most maxActions candidates per decision.
func NewLinear(dim, maxActions int, lr float64) *Linear {
	if lr <= 0 {
		lr = 0.01
	}
	policy := make([][]float64, maxActions)
	for i := range policy {
		policy[i] = make([]float64, dim)
	}
	return &Linear{
		dim:        dim,
		maxActions: maxActions,
		lr:         lr,
		policy:     policy,
		bias:       make([]float64, maxActions),
		value:      make([]float64, dim),
	}
}

type linearWeights struct {
	Dim        int         `json:"dim"`
	MaxActions int         `json:"max_actions"`
	Policy     [][]float64 `json:"policy"`
	Bias       []float64   `json:"bias"`
	Value      []float64   `json:"value"`
	VBias      float64     `json:"vbias"`
}

func (l *Linear) Weights() ([]byte, error) {
	return json.Marshal(linearWeights{
		Dim:        l.dim,
		MaxActions: l.maxActions,
		Policy:     l.policy,
		Bias:       l.bias,
		Value:      l.value,
		VBias:      l.vbias,
	})
}

func (l *Linear) SetWeights(data []byte) error {
	var w linearWeights
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode weights: %w", err)
	}
	if w.Dim != l.dim || w.MaxActions != l.maxActions {
		return fmt.Errorf("weight shape %dx%d does not match learner %dx%d",
			w.MaxActions, w.Dim, l.maxActions, l.dim)
	}
	l.policy = w.Policy
	l.bias = w.Bias
	l.value = w.Value
	l.vbias = w.VBias
	return nil
}

// probs returns the softmax distribution over the first numActions logits.
func (l *Linear) probs(state []float32, numActions int) []float64 {
	if numActions > l.maxActions {
		numActions = l.maxActions
	}
	logits := make([]float64, numActions)
	maxLogit := math.Inf(-1)
	for a := 0; a < numActions; a++ {
		v := l.bias[a]
		for j, x := range state {
			if j >= l.dim {
				break
			}
			v += l.policy[a][j] * float64(x)
		}
		logits[a] = v
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	for a := range logits {
		logits[a] = math.Exp(logits[a] - maxLogit)
		sum += logits[a]
	}
	for a := range logits {
		logits[a] /= sum
	}
	return logits
}

// Value returns the state-value estimate.
func (l *Linear) Value(state []float32) float64 {
	v := l.vbias
	for j, x := range state {
		if j >= l.dim {
			break
		}
		v += l.value[j] * float64(x)
	}
	return v
}

// Decide samples an action among numActions candidates using the caller's
// RNG, returning its index, log-probability and the state value. This is the
// acting path workers use during collection.
func (l *Linear) Decide(state []float32, numActions int, rng *rand.Rand) (int, float64, float64) {
	if numActions <= 0 {
		return 0, 0, l.Value(state)
	}
	p := l.probs(state, numActions)
	target := rng.Float64()
	cumulative := 0.0
	action := len(p) - 1
	for a, prob := range p {
		cumulative += prob
		if target < cumulative {
			action = a
			break
		}
	}
	return action, math.Log(math.Max(p[action], 1e-12)), l.Value(state)
}

// Step performs one SGD step on the clipped surrogate objective plus a
// squared-error value loss.
func (l *Linear) Step(mb Minibatch) (StepStats, error) {
	n := mb.Len()
	if n == 0 {
		return StepStats{}, fmt.Errorf("empty minibatch")
	}
	eps := mb.ClipEpsilon
	if eps <= 0 {
		eps = 0.2
	}

	stats := StepStats{}
	for i := 0; i < n; i++ {
		state := mb.States[i]
		action := mb.Actions[i]
		numActions := mb.NumActions[i]
		adv := mb.Advantages[i]

		p := l.probs(state, numActions)
		if action >= len(p) {
			return StepStats{}, fmt.Errorf("action %d out of range for %d candidates", action, len(p))
		}
		newLogProb := math.Log(math.Max(p[action], 1e-12))
		ratio := math.Exp(newLogProb - mb.OldLogProbs[i])

		clipped := math.Min(math.Max(ratio, 1-eps), 1+eps)
		surrogate := math.Min(ratio*adv, clipped*adv)
		stats.PolicyLoss += -surrogate
		if clipped != ratio {
			stats.ClipFraction++
		}

		// The gradient flows only while the unclipped term is selected;
		// a clipped sample contributes nothing, which is exactly the bound
		// that makes one-batch-stale collection safe.
		if ratio*adv <= clipped*adv {
			scale := l.lr * ratio * adv / float64(n)
			for a := 0; a < numActions && a < l.maxActions; a++ {
				indicator := 0.0
				if a == action {
					indicator = 1.0
				}
				g := scale * (indicator - p[a])
				l.bias[a] += g
				for j, x := range state {
					if j >= l.dim {
						break
					}
					l.policy[a][j] += g * float64(x)
				}
			}
		}

		// Value head.
		v := l.Value(state)
		diff := v - mb.Returns[i]
		stats.ValueLoss += diff * diff
		vscale := l.lr * 2 * diff / float64(n)
		l.vbias -= vscale
		for j, x := range state {
			if j >= l.dim {
				break
			}
			l.value[j] -= vscale * float64(x)
		}
	}

	stats.PolicyLoss /= float64(n)
	stats.ValueLoss /= float64(n)
	stats.ClipFraction /= float64(n)
	return stats, nil
}
