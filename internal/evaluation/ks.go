package evaluation

import (
	"errors"
	"math"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/metrics"
)

// ErrEmptySample is returned when a statistic is requested over zero p-values.
var ErrEmptySample = errors.New("evaluation: KS statistic over empty sample")

const (
	rescaleHigh     = 1e140
	rescaleLow      = 1e-140
	rescaleExponent = 140
)

// KSStatistic returns the Kolmogorov-Smirnov p-value of pvalues against the
// uniform distribution. Values are compared in the order given against the
// rank i/(n+1); they are not sorted. A single value is returned unchanged.
func KSStatistic(pvalues []float64) (float64, error) {
	count := len(pvalues)
	if count < 1 {
		return 0, ErrEmptySample
	}
	if count == 1 {
		return pvalues[0], nil
	}

	dmax := 0.0
	for i := 1; i <= count; i++ {
		y := float64(i) / (float64(count) + 1.0)
		d := math.Abs(pvalues[i-1] - y)
		if d > dmax {
			dmax = d
		}
	}

	p := pKS(count, dmax)
	switch {
	case p < 0:
		p = 0
	case p > 1:
		p = 1
	}
	return p, nil
}

// pKS computes 1 - P(D_n < d) using the Marsaglia, Tsang and Wang matrix
// method, switching to the asymptotic form in the far tail.
func pKS(n int, d float64) float64 {
	nf := float64(n)
	s := d * d * nf
	if s > 7.24 || (s > 3.76 && n > 99) {
		metrics.RecordKSComputation("asymptotic")
		return 2.0 * math.Exp(-(2.000071+0.331/math.Sqrt(nf)+1.409/nf)*s)
	}
	metrics.RecordKSComputation("exact")

	k := int(nf*d) + 1
	m := 2*k - 1
	h := float64(k) - nf*d

	H := make([]float64, m*m)
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			if i-j+1 < 0 {
				H[i*m+j] = 0
			} else {
				H[i*m+j] = 1
			}
		}
	}

	for i := 0; i < m; i++ {
		H[i*m] -= math.Pow(h, float64(i+1))
		H[(m-1)*m+i] -= math.Pow(h, float64(m-i))
	}

	if 2*h-1 > 0 {
		H[(m-1)*m] += math.Pow(2*h-1, float64(m))
	}

	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			if i-j+1 > 0 {
				for g := 1; g <= i-j+1; g++ {
					H[i*m+j] /= float64(g)
				}
			}
		}
	}

	Q, eQ := mPower(H, 0, m, n)

	s = Q[(k-1)*m+k-1]
	for i := 1; i <= n; i++ {
		s = s * float64(i) / nf
		if s < rescaleLow {
			s *= rescaleHigh
			eQ -= rescaleExponent
		}
	}

	s *= math.Pow(10, float64(eQ))
	return 1.0 - s
}

// mMultiply returns the m x m product a*b.
func mMultiply(a, b []float64, m int) []float64 {
	c := make([]float64, m*m)
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			s := 0.0
			for k := 0; k < m; k++ {
				s += a[i*m+k] * b[k*m+j]
			}
			c[i*m+j] = s
		}
	}
	return c
}

// mPower raises a (with decimal exponent ea) to the n-th power. The result
// is returned as a mantissa matrix and a decimal exponent; whenever an entry
// exceeds 1e140 the whole matrix is scaled down and the exponent raised.
func mPower(a []float64, ea int, m, n int) ([]float64, int) {
	if n == 1 {
		v := make([]float64, len(a))
		copy(v, a)
		return v, ea
	}

	v, ev := mPower(a, ea, m, n/2)
	b := mMultiply(v, v, m)
	eb := 2 * ev
	if n%2 == 0 {
		v = b
		ev = eb
	} else {
		v = mMultiply(a, b, m)
		ev = ea + eb
	}

	// Every element is checked; one rescale does not end the scan.
	for i := range v {
		if v[i] > rescaleHigh {
			for j := range v {
				v[j] *= rescaleLow
			}
			ev += rescaleExponent
		}
	}

	return v, ev
}
