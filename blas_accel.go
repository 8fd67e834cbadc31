//go:build accelerate

package main

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Built with -tags accelerate, gonum's kernels go through the system CBLAS
// and the "blas" device hands its tensors to it.
func init() {
	blas64.Use(netlib.Implementation{})
}
