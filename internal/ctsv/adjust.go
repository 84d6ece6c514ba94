package ctsv

import (
	"math"
	"sort"
)

// AdjustMethod selects the multiple-testing correction applied to a vector
// of p-values.
type AdjustMethod string

const (
	// AdjustBH is Benjamini-Hochberg FDR control under independence.
	AdjustBH AdjustMethod = "BH"
	// AdjustBY is Benjamini-Yekutieli FDR control under arbitrary
	// dependence, the default here since spots and genes are correlated.
	AdjustBY AdjustMethod = "BY"
	// AdjustBonferroni is family-wise error control.
	AdjustBonferroni AdjustMethod = "bonferroni"
)

// Valid reports whether m names a supported method.
func (m AdjustMethod) Valid() bool {
	switch m {
	case AdjustBH, AdjustBY, AdjustBonferroni:
		return true
	}
	return false
}

// AdjustPValues applies the chosen multiple-testing correction. NaN entries
// (degenerate genes) stay NaN and are excluded from the effective test
// count. Adjusted values never fall below the raw p-value.
func AdjustPValues(p []float64, method AdjustMethod) ([]float64, error) {
	if !method.Valid() {
		return nil, optionErrorf("unknown adjustment method %q", method)
	}
	out := make([]float64, len(p))
	finite := make([]int, 0, len(p))
	for i, v := range p {
		out[i] = v
		if !math.IsNaN(v) {
			finite = append(finite, i)
		}
	}
	n := len(finite)
	if n == 0 {
		return out, nil
	}

	switch method {
	case AdjustBonferroni:
		for _, i := range finite {
			out[i] = math.Min(1, p[i]*float64(n))
		}
		return out, nil
	case AdjustBH:
		stepUp(p, out, finite, 1)
		return out, nil
	default: // AdjustBY
		cn := 0.0
		for i := 1; i <= n; i++ {
			cn += 1 / float64(i)
		}
		stepUp(p, out, finite, cn)
		return out, nil
	}
}

// stepUp runs the Benjamini step-up procedure over the finite indices with
// scale factor c(n): adjusted_i = min over j>=rank(i) of
// min(1, c(n) * n / j * p_(j)).
func stepUp(p, out []float64, finite []int, cn float64) {
	n := len(finite)
	order := append([]int(nil), finite...)
	sort.Slice(order, func(a, b int) bool { return p[order[a]] < p[order[b]] })

	running := 1.0
	for i := n - 1; i >= 0; i-- {
		idx := order[i]
		adj := p[idx] * cn * float64(n) / float64(i+1)
		if adj > 1 {
			adj = 1
		}
		if adj < running {
			running = adj
		}
		out[idx] = running
	}
}
