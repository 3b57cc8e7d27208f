package emb

import "math"

func truncate(ids, mask, types []int, maxLen int) ([]int, []int, []int) {
	if maxLen > 0 && len(ids) > maxLen {
		ids = ids[:maxLen]
	}
	n := len(ids)
	mask = fitLen(mask, n, 1)
	types = fitLen(types, n, 0)
	return ids, mask, types
}

// fitLen returns s cut or padded with fill to exactly n entries.
func fitLen(s []int, n, fill int) []int {
	if len(s) >= n {
		return s[:n]
	}
	out := make([]int, n)
	copy(out, s)
	for i := len(s); i < n; i++ {
		out[i] = fill
	}
	return out
}

func toInt64(s []int) []int64 {
	out := make([]int64, len(s))
	for i, v := range s {
		out[i] = int64(v)
	}
	return out
}

// meanPool averages token vectors of a [1, seq, hidden] tensor over the
// positions where mask is non-zero.
func meanPool(data []float32, mask []int, hidden int) []float32 {
	out := make([]float32, hidden)
	if hidden <= 0 {
		return out
	}
	var count float32
	for t, m := range mask {
		if m == 0 {
			continue
		}
		base := t * hidden
		if base+hidden > len(data) {
			break
		}
		for i := 0; i < hidden; i++ {
			out[i] += data[base+i]
		}
		count++
	}
	if count == 0 {
		return out
	}
	for i := range out {
		out[i] /= count
	}
	return out
}

func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
