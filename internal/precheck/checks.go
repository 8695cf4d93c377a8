package precheck

import (
	"math"
	"math/bits"
)

// frequency is the SP 800-22 monobit test. It returns the ratio of set bits
// and the p-value erfc(|S_n| / sqrt(2n)).
func frequency(data []byte) (ratio, pValue float64) {
	ones := 0
	for _, b := range data {
		ones += bits.OnesCount8(b)
	}
	n := float64(len(data) * 8)
	ratio = float64(ones) / n

	sum := math.Abs(2*float64(ones) - n)
	return ratio, clamp01(math.Erfc(sum / math.Sqrt(2*n)))
}

// runs is the SP 800-22 runs test. The p-value is zero when the ones ratio
// already fails the frequency prerequisite |pi - 1/2| >= 2/sqrt(n).
func runs(data []byte, ratio float64) (count int, pValue float64) {
	n := float64(len(data) * 8)

	count = 1
	last := data[0] >> 7
	for i, b := range data {
		start := 7
		if i == 0 {
			start = 6
		}
		for shift := start; shift >= 0; shift-- {
			bit := (b >> uint(shift)) & 1
			if bit != last {
				count++
				last = bit
			}
		}
	}

	if math.Abs(ratio-0.5) >= 2/math.Sqrt(n) {
		return count, 0
	}

	spread := ratio * (1 - ratio)
	num := math.Abs(float64(count) - 2*n*spread)
	den := 2 * math.Sqrt(2*n) * spread
	return count, clamp01(math.Erfc(num / den))
}

// longestRepetition returns the longest run of identical bytes, the
// statistic of the SP 800-90B repetition count test.
func longestRepetition(data []byte) int {
	longest, current := 1, 1
	for i := 1; i < len(data); i++ {
		if data[i] == data[i-1] {
			current++
			if current > longest {
				longest = current
			}
			continue
		}
		current = 1
	}
	return longest
}

// worstProportion runs the SP 800-90B adaptive proportion test over
// consecutive windows and returns the highest count of a window's first
// sample. A trailing partial window is ignored unless it is the only one.
func worstProportion(data []byte, window int) int {
	if len(data) < window {
		window = len(data)
	}

	worst := 0
	for start := 0; start+window <= len(data); start += window {
		first := data[start]
		count := 0
		for _, b := range data[start : start+window] {
			if b == first {
				count++
			}
		}
		if count > worst {
			worst = count
		}
	}
	return worst
}

// estimateMCV is the most common value estimate -log2(p_max), in bits per
// byte.
func estimateMCV(data []byte) float64 {
	var freq [256]int
	maxCount := 0
	for _, b := range data {
		freq[b]++
		if freq[b] > maxCount {
			maxCount = freq[b]
		}
	}

	pMax := float64(maxCount) / float64(len(data))
	if pMax >= 1 {
		return 0
	}
	return -math.Log2(pMax)
}

// estimateCollision returns log2 of the one-indexed position of the first
// repeated byte, clamped to [0, 8]. Input without a repeat scores 8.
func estimateCollision(data []byte) float64 {
	var seen [256]bool
	for i, b := range data {
		if seen[b] {
			return math.Min(8, math.Log2(float64(i+1)))
		}
		seen[b] = true
	}
	return 8
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
