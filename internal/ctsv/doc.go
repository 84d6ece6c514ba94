// Package ctsv implements the statistical engine for detecting spatially
// variable genes (SVGs) and attributing their spatial variability to cell
// types (ctSVGs) under a spatial linear mixed model.
//
// The model for a gene's expression y over N spots is
//
//	y = X b + sum_k u_k + e,  u_k ~ N(0, tau_k Sigma_k),  e ~ N(0, sigma2 I)
//
// where X combines an intercept, optional covariates and the cell-type
// proportions, Sigma_k = diag(pi_k) K diag(pi_k) sandwiches a Gaussian
// spatial kernel K with cell type k's proportions, and K is shared by all
// genes (a single bandwidth is selected globally).
//
// The package exposes the pipeline as independent operations over an
// immutable KernelBundle: SelectBandwidth -> BuildKernel -> RunOverallTest /
// RunIndividualTest / EstimateVarianceComponents -> RankTopGenes. All bundle
// matrices are read-only after construction, so the per-gene engines can fan
// out across goroutines without locking.
package ctsv
