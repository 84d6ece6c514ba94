package ctsv

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// psdTol is the relative eigenvalue tolerance below which the kernel is
// treated as violating positive semi-definiteness.
const psdTol = 1e-8

// RegularizationPolicy opts in to ridge regularization of an
// ill-conditioned kernel. With Enabled false (the default) a conditioning
// failure is reported as ErrSingularKernel, never silently repaired.
type RegularizationPolicy struct {
	Enabled bool    `json:"enabled" yaml:"enabled"`
	Ridge   float64 `json:"ridge" yaml:"ridge"` // diagonal bump, default 1e-6 when Enabled
}

// KernelBundle holds the spatial kernel and the structural matrices shared
// by every per-gene computation. All exported matrices are immutable after
// BuildKernel returns; the unexported caches are lazily filled under a
// mutex, so a bundle is safe for concurrent use.
type KernelBundle struct {
	Dataset *Dataset
	H       float64 // selected bandwidth
	Ridge   float64 // applied diagonal regularization, 0 when none

	K        *mat.SymDense   // N x N Gaussian kernel
	X        *mat.Dense      // N x P design: intercept | covariates | proportions
	XRank    int             // numerical rank of X
	M        *mat.Dense      // N x N residual projector I - X X^+
	Sigma    []*mat.SymDense // per-cell-type diag(pi_k) K diag(pi_k)
	SigmaSum *mat.SymDense   // pooled sum over cell types

	mu          sync.Mutex
	pooledEig   map[bool][]float64  // correction -> chi-squared weights
	cellEig     map[eigKey][]float64
	minqueCoef  *mat.Dense // (C+1)x(C+1) tr(M Sigma_k M Sigma_l), residual last
}

type eigKey struct {
	cellType  int
	corrected bool
}

// BuildKernel constructs the kernel bundle: pairwise Gaussian kernel K from
// the coordinates and bandwidth h, the design matrix X, the residual
// projector M, and the per-cell-type covariance matrices Sigma_k. The
// transform is pure; the returned bundle is the shared read-only input of
// all test engines and the variance-component estimator.
func BuildKernel(ds *Dataset, h float64, reg RegularizationPolicy) (*KernelBundle, error) {
	if h <= 0 || math.IsNaN(h) {
		return nil, optionErrorf("bandwidth must be positive, got %g", h)
	}
	if err := checkDimensions(ds); err != nil {
		return nil, err
	}
	n := ds.NumSpots()
	c := ds.NumCellTypes()

	k := gaussianKernel(ds.Coords, h)
	ridge := 0.0
	if reg.Enabled {
		ridge = reg.Ridge
		if ridge <= 0 {
			ridge = 1e-6
		}
	}

	// Verify positive semi-definiteness before anything downstream
	// depends on it.
	var eig mat.EigenSym
	if !eig.Factorize(k, false) {
		if !reg.Enabled {
			return nil, ErrSingularKernel
		}
		addRidge(k, ridge)
		if !eig.Factorize(k, false) {
			return nil, ErrSingularKernel
		}
	}
	vals := eig.Values(nil)
	maxEig := vals[len(vals)-1]
	minEig := vals[0]
	if minEig < -psdTol*math.Max(maxEig, 1) {
		if !reg.Enabled {
			return nil, ErrSingularKernel
		}
		addRidge(k, ridge)
	} else if reg.Enabled && ridge > 0 {
		addRidge(k, ridge)
	} else {
		ridge = 0
	}

	x := designMatrix(ds)
	m, rank := residualProjector(x, n)

	sigma := make([]*mat.SymDense, c)
	sigmaSum := mat.NewSymDense(n, nil)
	for ct := 0; ct < c; ct++ {
		s := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			pi := ds.Props.At(i, ct)
			for j := i; j < n; j++ {
				s.SetSym(i, j, pi*k.At(i, j)*ds.Props.At(j, ct))
			}
		}
		sigma[ct] = s
		sigmaSum.AddSym(sigmaSum, s)
	}

	return &KernelBundle{
		Dataset:   ds,
		H:         h,
		Ridge:     ridge,
		K:         k,
		X:         x,
		XRank:     rank,
		M:         m,
		Sigma:     sigma,
		SigmaSum:  sigmaSum,
		pooledEig: make(map[bool][]float64),
		cellEig:   make(map[eigKey][]float64),
	}, nil
}

func checkDimensions(ds *Dataset) error {
	n := ds.NumSpots()
	if n == 0 {
		return dimErrorf("dataset has no spots")
	}
	if g, cols := ds.Expr.Dims(); g != ds.NumGenes() || cols != n {
		return dimErrorf("expression is %dx%d, want %dx%d", g, cols, ds.NumGenes(), n)
	}
	if rows, _ := ds.Coords.Dims(); rows != n {
		return dimErrorf("coordinates have %d rows for %d spots", rows, n)
	}
	if rows, cols := ds.Props.Dims(); rows != n || cols != ds.NumCellTypes() {
		return dimErrorf("proportions are %dx%d, want %dx%d", rows, cols, n, ds.NumCellTypes())
	}
	if ds.Covars != nil {
		if rows, _ := ds.Covars.Dims(); rows != n {
			return dimErrorf("covariates have %d rows for %d spots", rows, n)
		}
	}
	return nil
}

// gaussianKernel builds exp(-d^2 / (2 h^2)) over pairwise Euclidean
// distances.
func gaussianKernel(coords *mat.Dense, h float64) *mat.SymDense {
	n, d := coords.Dims()
	k := mat.NewSymDense(n, nil)
	inv := 1.0 / (2 * h * h)
	for i := 0; i < n; i++ {
		k.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			d2 := 0.0
			for t := 0; t < d; t++ {
				diff := coords.At(i, t) - coords.At(j, t)
				d2 += diff * diff
			}
			k.SetSym(i, j, math.Exp(-d2*inv))
		}
	}
	return k
}

func addRidge(k *mat.SymDense, ridge float64) {
	n := k.SymmetricDim()
	for i := 0; i < n; i++ {
		k.SetSym(i, i, k.At(i, i)+ridge)
	}
}

// designMatrix stacks intercept, optional covariates and cell-type
// proportions. The intercept plus simplex proportions is rank deficient on
// purpose; the projector below works through a pseudo-inverse.
func designMatrix(ds *Dataset) *mat.Dense {
	n := ds.NumSpots()
	q := 0
	if ds.Covars != nil {
		_, q = ds.Covars.Dims()
	}
	c := ds.NumCellTypes()
	x := mat.NewDense(n, 1+q+c, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
		for j := 0; j < q; j++ {
			x.Set(i, 1+j, ds.Covars.At(i, j))
		}
		for j := 0; j < c; j++ {
			x.Set(i, 1+q+j, ds.Props.At(i, j))
		}
	}
	return x
}

// residualProjector returns M = I - U_r U_r' from the thin SVD of X, along
// with the numerical rank r.
func residualProjector(x *mat.Dense, n int) (*mat.Dense, int) {
	var svd mat.SVD
	svd.Factorize(x, mat.SVDThin)
	sv := svd.Values(nil)
	tol := float64(n) * sv[0] * 1e-12
	rank := 0
	for _, s := range sv {
		if s > tol {
			rank++
		}
	}
	var u mat.Dense
	svd.UTo(&u)
	ur := u.Slice(0, n, 0, rank)

	m := mat.NewDense(n, n, nil)
	var uu mat.Dense
	uu.Mul(ur, ur.T())
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := -uu.At(i, j)
			if i == j {
				v++
			}
			m.Set(i, j, v)
		}
	}
	return m, rank
}

// residuals returns M y for one gene.
func (b *KernelBundle) residuals(y []float64) []float64 {
	n := len(y)
	r := make([]float64, n)
	yv := mat.NewVecDense(n, y)
	rv := mat.NewVecDense(n, r)
	rv.MulVec(b.M, yv)
	return r
}

// quadForm returns r' S r for a symmetric S.
func quadForm(r []float64, s *mat.SymDense) float64 {
	n := len(r)
	total := 0.0
	for i := 0; i < n; i++ {
		ri := r[i]
		if ri == 0 {
			continue
		}
		// diagonal once, off-diagonal twice
		total += ri * ri * s.At(i, i)
		row := 0.0
		for j := i + 1; j < n; j++ {
			row += s.At(i, j) * r[j]
		}
		total += 2 * ri * row
	}
	return total
}

// pooledWeights returns the chi-squared mixture weights of the overall test
// null: eig(SigmaSum)/2 for the naive statistic, eig(M SigmaSum M)/2 with
// the finite-sample correction. Computed once per bundle and cached.
func (b *KernelBundle) pooledWeights(corrected bool) ([]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.pooledEig[corrected]; ok {
		return w, nil
	}
	w, err := b.mixtureWeights(b.SigmaSum, corrected)
	if err != nil {
		return nil, err
	}
	b.pooledEig[corrected] = w
	return w, nil
}

// cellWeights is pooledWeights for one cell type's Sigma_k.
func (b *KernelBundle) cellWeights(ct int, corrected bool) ([]float64, error) {
	key := eigKey{cellType: ct, corrected: corrected}
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.cellEig[key]; ok {
		return w, nil
	}
	w, err := b.mixtureWeights(b.Sigma[ct], corrected)
	if err != nil {
		return nil, err
	}
	b.cellEig[key] = w
	return w, nil
}

func (b *KernelBundle) mixtureWeights(s *mat.SymDense, corrected bool) ([]float64, error) {
	target := s
	if corrected {
		target = b.projectSym(s)
	}
	var eig mat.EigenSym
	if !eig.Factorize(target, false) {
		return nil, ErrSingularKernel
	}
	vals := eig.Values(nil)
	maxV := 0.0
	for _, v := range vals {
		if v > maxV {
			maxV = v
		}
	}
	if maxV <= 0 {
		return nil, nil
	}
	w := make([]float64, 0, len(vals))
	for _, v := range vals {
		if v > psdTol*maxV {
			w = append(w, v/2)
		}
	}
	return w, nil
}

// projectSym computes M S M and symmetrizes the numerical result.
func (b *KernelBundle) projectSym(s *mat.SymDense) *mat.SymDense {
	n := s.SymmetricDim()
	var tmp, proj mat.Dense
	tmp.Mul(b.M, s)
	proj.Mul(&tmp, b.M)
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(proj.At(i, j)+proj.At(j, i)))
		}
	}
	return out
}

// minqueCoefficients returns the (C+1)x(C+1) matrix with entries
// tr(M Sigma_k M Sigma_l), the residual term (Sigma = I) last. It is
// gene independent, so it is computed once per bundle.
func (b *KernelBundle) minqueCoefficients() *mat.Dense {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.minqueCoef != nil {
		return b.minqueCoef
	}
	c := b.Dataset.NumCellTypes()
	n := b.Dataset.NumSpots()
	a := mat.NewDense(c+1, c+1, nil)

	// S_k = M Sigma_k M, one at a time to bound memory.
	for k := 0; k < c; k++ {
		sk := b.projectSym(b.Sigma[k])
		for l := k; l < c; l++ {
			v := traceProductSym(sk, b.Sigma[l])
			a.Set(k, l, v)
			a.Set(l, k, v)
		}
		// tr(M Sigma_k M I) = tr(S_k)
		tr := 0.0
		for i := 0; i < n; i++ {
			tr += sk.At(i, i)
		}
		a.Set(k, c, tr)
		a.Set(c, k, tr)
	}
	// tr(M I M I) = tr(M) = n - rank(X), M idempotent.
	a.Set(c, c, float64(n-b.XRank))

	b.minqueCoef = a
	return a
}

// traceProductSym returns tr(A B) for symmetric A, B.
func traceProductSym(a, bm *mat.SymDense) float64 {
	n := a.SymmetricDim()
	total := 0.0
	for i := 0; i < n; i++ {
		total += a.At(i, i) * bm.At(i, i)
		for j := i + 1; j < n; j++ {
			total += 2 * a.At(i, j) * bm.At(i, j)
		}
	}
	return total
}
