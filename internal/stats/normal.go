// Package stats implements the orchestrator's statistical engine: GLR,
// overshoot correction, elo/LOS estimation, the χ² worker-homogeneity test
// and the SPSA gradient step. Nothing here touches the Store or the run
// cache — every function takes plain values and returns plain values.
package stats

import "gonum.org/v1/gonum/stat/distuv"

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// phi is the standard normal CDF.
func phi(x float64) float64 {
	return stdNormal.CDF(x)
}

// phiInv is the standard normal quantile function.
func phiInv(p float64) float64 {
	return stdNormal.Quantile(p)
}
