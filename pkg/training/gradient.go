package training

// GradientTranslator maps upstream gradients (as produced by a
// caller-owned loss outside this module) into the per-datum loss
// weights that ForwardBackwardCustom sends with its /forward_backward
// sub-requests. The
// exact wire contract for this translation is left to the server
// integration; this interface lets it be swapped without touching the
// coordinator (§9 Open Question: synthetic-gradient translation).
type GradientTranslator interface {
	ToLossWeights(gradients []float64) []float64
}

// AffineGradientTranslator is the default translator: loss_weight =
// -gradient, so that minimizing the resulting loss pushes the model
// in the direction of the supplied gradient. It is a documented
// placeholder, not a claim about any particular server's actual
// convention.
type AffineGradientTranslator struct{}

func (AffineGradientTranslator) ToLossWeights(gradients []float64) []float64 {
	out := make([]float64, len(gradients))
	for i, g := range gradients {
		out[i] = -g
	}
	return out
}
