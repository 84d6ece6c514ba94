package ctsv

import (
	"math"
	"sort"
)

// BandwidthRule selects the per-gene bandwidth estimator.
type BandwidthRule string

const (
	// RuleAuto picks Sheather-Jones up to AutoSpotThreshold spots and
	// Silverman above it, where the O(N^2) plug-in iteration becomes too
	// expensive.
	RuleAuto BandwidthRule = "auto"
	// RuleSheatherJones forces the solve-the-equation plug-in estimator.
	RuleSheatherJones BandwidthRule = "sheather-jones"
	// RuleSilverman forces Silverman's rule of thumb.
	RuleSilverman BandwidthRule = "silverman"
)

// AutoSpotThreshold is the spot count at which RuleAuto switches from
// Sheather-Jones to Silverman. Exactly AutoSpotThreshold spots still use
// Sheather-Jones.
const AutoSpotThreshold = 5000

// BandwidthPolicy configures global bandwidth selection.
type BandwidthPolicy struct {
	Rule BandwidthRule `json:"rule" yaml:"rule"`
}

// SelectBandwidth computes the single spatial kernel bandwidth shared by all
// genes: each gene contributes a candidate estimated from its expression
// values, and the median of the finite candidates is returned. Genes whose
// Sheather-Jones iteration fails fall back to Silverman; genes degenerate
// under both contribute nothing. Returns ErrDegenerateBandwidth when no gene
// yields a usable candidate.
func SelectBandwidth(ds *Dataset, pol BandwidthPolicy) (float64, error) {
	n := ds.NumSpots()
	rule := resolveRule(pol, n)

	candidates := make([]float64, 0, ds.NumGenes())
	y := make([]float64, n)
	for g := 0; g < ds.NumGenes(); g++ {
		copy(y, ds.ExpressionVector(g))
		var h float64
		switch rule {
		case RuleSheatherJones:
			h = sheatherJones(y)
			if !isUsableBandwidth(h) {
				h = silverman(y)
			}
		default:
			h = silverman(y)
		}
		if isUsableBandwidth(h) {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return 0, ErrDegenerateBandwidth
	}
	return median(candidates), nil
}

// resolveRule maps RuleAuto to a concrete estimator by spot count. The
// switch is deterministic: exactly AutoSpotThreshold spots still run
// Sheather-Jones, one more flips to Silverman.
func resolveRule(pol BandwidthPolicy, spots int) BandwidthRule {
	if pol.Rule == RuleSheatherJones || pol.Rule == RuleSilverman {
		return pol.Rule
	}
	if spots <= AutoSpotThreshold {
		return RuleSheatherJones
	}
	return RuleSilverman
}

func isUsableBandwidth(h float64) bool {
	return !math.IsNaN(h) && !math.IsInf(h, 0) && h > 0
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	m := len(s) / 2
	if len(s)%2 == 1 {
		return s[m]
	}
	return 0.5 * (s[m-1] + s[m])
}

// silverman is the rule-of-thumb bandwidth 0.9 * min(sd, IQR/1.34) *
// n^(-1/5). Returns NaN for fewer than two points or zero spread.
func silverman(x []float64) float64 {
	n := len(x)
	if n < 2 {
		return math.NaN()
	}
	sd := stddev(x)
	iqr := interquartile(x)
	spread := sd
	if iqr > 0 && iqr/1.34 < spread {
		spread = iqr / 1.34
	}
	if spread <= 0 {
		// sd == 0: constant gene, no usable bandwidth.
		return math.NaN()
	}
	return 0.9 * spread * math.Pow(float64(n), -0.2)
}

// sheatherJones is the solve-the-equation plug-in bandwidth of Sheather &
// Jones (1991), the same estimator as R's bw.SJ(method="ste"). Returns NaN
// when the data are degenerate or the fixed-point equation has no root in
// the bracket; callers fall back to Silverman.
func sheatherJones(x []float64) float64 {
	n := len(x)
	if n < 2 {
		return math.NaN()
	}
	sd := stddev(x)
	iqr := interquartile(x)
	scale := sd
	if iqr > 0 && iqr/1.349 < scale {
		scale = iqr / 1.349
	}
	if scale <= 0 {
		return math.NaN()
	}

	nf := float64(n)
	a := 0.920 * scale * math.Pow(nf, -1.0/7.0)
	b := 0.912 * scale * math.Pow(nf, -1.0/9.0)

	sdA := phi4Sum(x, a) / (nf * (nf - 1) * math.Pow(a, 5))
	tdB := -phi6Sum(x, b) / (nf * (nf - 1) * math.Pow(b, 7))
	if sdA <= 0 || tdB <= 0 {
		return math.NaN()
	}

	// R(K) for the Gaussian kernel.
	rk := 0.5 / math.Sqrt(math.Pi)
	ratio := 1.357 * math.Pow(sdA/tdB, 1.0/7.0)

	fSD := func(h float64) float64 {
		alpha := ratio * math.Pow(h, 5.0/7.0)
		s := phi4Sum(x, alpha) / (nf * (nf - 1) * math.Pow(alpha, 5))
		if s <= 0 {
			return math.NaN()
		}
		return math.Pow(rk/(nf*s), 0.2) - h
	}

	// Bracket the root around the rule-of-thumb scale, widening upward
	// when needed.
	h0 := 1.06 * scale * math.Pow(nf, -0.2)
	lo, hi := h0/16, h0
	flo := fSD(lo)
	fhi := fSD(hi)
	for iter := 0; iter < 8 && !math.IsNaN(fhi) && flo*fhi > 0; iter++ {
		hi *= 2
		fhi = fSD(hi)
	}
	if math.IsNaN(flo) || math.IsNaN(fhi) || flo*fhi > 0 {
		return math.NaN()
	}
	for iter := 0; iter < 60; iter++ {
		mid := 0.5 * (lo + hi)
		fm := fSD(mid)
		if math.IsNaN(fm) {
			return math.NaN()
		}
		if flo*fm <= 0 {
			hi = mid
		} else {
			lo, flo = mid, fm
		}
	}
	return 0.5 * (lo + hi)
}

// phi4Sum evaluates sum over all ordered pairs (including i==j) of the
// fourth derivative of the Gaussian density at pairwise gaps scaled by h.
func phi4Sum(x []float64, h float64) float64 {
	n := len(x)
	sum := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			sum += phi4((x[i] - x[j]) / h)
		}
	}
	return 2*sum + float64(n)*phi4(0)
}

func phi6Sum(x []float64, h float64) float64 {
	n := len(x)
	sum := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			sum += phi6((x[i] - x[j]) / h)
		}
	}
	return 2*sum + float64(n)*phi6(0)
}

func phi4(x float64) float64 {
	x2 := x * x
	return (x2*x2 - 6*x2 + 3) * gaussDensity(x)
}

func phi6(x float64) float64 {
	x2 := x * x
	return (x2*x2*x2 - 15*x2*x2 + 45*x2 - 15) * gaussDensity(x)
}

func gaussDensity(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func stddev(x []float64) float64 {
	n := len(x)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(n)
	ss := 0.0
	for _, v := range x {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

func interquartile(x []float64) float64 {
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	return quantileSorted(s, 0.75) - quantileSorted(s, 0.25)
}

// quantileSorted uses linear interpolation between order statistics
// (R type 7).
func quantileSorted(s []float64, q float64) float64 {
	n := len(s)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return s[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi >= n {
		return s[n-1]
	}
	frac := pos - float64(lo)
	return s[lo]*(1-frac) + s[hi]*frac
}
