package ctsv

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestResolveRuleSwitchover(t *testing.T) {
	cases := []struct {
		pol   BandwidthPolicy
		spots int
		want  BandwidthRule
	}{
		{BandwidthPolicy{Rule: RuleAuto}, 260, RuleSheatherJones},
		{BandwidthPolicy{Rule: RuleAuto}, AutoSpotThreshold, RuleSheatherJones},
		{BandwidthPolicy{Rule: RuleAuto}, AutoSpotThreshold + 1, RuleSilverman},
		{BandwidthPolicy{}, AutoSpotThreshold + 1, RuleSilverman},
		{BandwidthPolicy{Rule: RuleSilverman}, 10, RuleSilverman},
		{BandwidthPolicy{Rule: RuleSheatherJones}, 100000, RuleSheatherJones},
	}
	for _, c := range cases {
		if got := resolveRule(c.pol, c.spots); got != c.want {
			t.Errorf("resolveRule(%q, %d) = %q, want %q", c.pol.Rule, c.spots, got, c.want)
		}
	}
}

func TestSilvermanKnownValue(t *testing.T) {
	// For sd < IQR/1.34 the rule is 0.9 * sd * n^(-1/5); check against a
	// hand-computed sample.
	x := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	h := silverman(x)
	if !isUsableBandwidth(h) {
		t.Fatalf("silverman returned unusable bandwidth %g", h)
	}
	sd := stddev(x)
	iqr := interquartile(x)
	spread := math.Min(sd, iqr/1.34)
	want := 0.9 * spread * math.Pow(10, -0.2)
	if math.Abs(h-want) > 1e-12 {
		t.Errorf("silverman = %g, want %g", h, want)
	}
}

func TestSilvermanConstant(t *testing.T) {
	x := []float64{3, 3, 3, 3, 3}
	if h := silverman(x); !math.IsNaN(h) {
		t.Errorf("silverman on constant data = %g, want NaN", h)
	}
}

func TestSheatherJonesOnNormalSample(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := make([]float64, 200)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	h := sheatherJones(x)
	if !isUsableBandwidth(h) {
		t.Fatalf("sheatherJones returned unusable bandwidth %g", h)
	}
	// For a standard normal sample of n=200 the plug-in bandwidth should
	// land in the same ballpark as the rule of thumb.
	ref := silverman(x)
	if h < ref/4 || h > ref*4 {
		t.Errorf("sheatherJones = %g, implausible against rule of thumb %g", h, ref)
	}
}

func TestSheatherJonesConstant(t *testing.T) {
	x := make([]float64, 50)
	if h := sheatherJones(x); !math.IsNaN(h) {
		t.Errorf("sheatherJones on constant data = %g, want NaN", h)
	}
}

func TestSelectBandwidthMedianAggregation(t *testing.T) {
	ds := makeDataset(20, 120, 3, 11)
	h, err := SelectBandwidth(ds, BandwidthPolicy{Rule: RuleSilverman})
	if err != nil {
		t.Fatalf("SelectBandwidth: %v", err)
	}
	if !isUsableBandwidth(h) {
		t.Fatalf("bandwidth %g not usable", h)
	}

	// Must equal the median of the per-gene Silverman estimates.
	var per []float64
	for g := 0; g < ds.NumGenes(); g++ {
		if hg := silverman(ds.ExpressionVector(g)); isUsableBandwidth(hg) {
			per = append(per, hg)
		}
	}
	if want := median(per); math.Abs(h-want) > 1e-12 {
		t.Errorf("bandwidth = %g, want median %g", h, want)
	}
}

func TestSelectBandwidthSkipsDegenerateGenes(t *testing.T) {
	ds := makeDataset(5, 80, 3, 13)
	setConstantGene(ds, 2, 1.5)
	if _, err := SelectBandwidth(ds, BandwidthPolicy{Rule: RuleSilverman}); err != nil {
		t.Fatalf("SelectBandwidth with one constant gene: %v", err)
	}
}

func TestSelectBandwidthAllDegenerate(t *testing.T) {
	ds := makeDataset(4, 60, 2, 17)
	for g := 0; g < ds.NumGenes(); g++ {
		setConstantGene(ds, g, 2.0)
	}
	_, err := SelectBandwidth(ds, BandwidthPolicy{Rule: RuleSilverman})
	if !errors.Is(err, ErrDegenerateBandwidth) {
		t.Fatalf("expected ErrDegenerateBandwidth, got %v", err)
	}
}

func TestMedian(t *testing.T) {
	if m := median([]float64{3, 1, 2}); m != 2 {
		t.Errorf("median odd = %g, want 2", m)
	}
	if m := median([]float64{4, 1, 3, 2}); m != 2.5 {
		t.Errorf("median even = %g, want 2.5", m)
	}
}
