package detector

import (
	"math"

	"go-shot-diagnostics/internal/model"
)

// Auxiliary channels required by built-in detectors.
const (
	AuxECRH = "ECRH0_UA"
	AuxIP   = "IP"
)

// Builtins returns every compiled-in detector.
func Builtins() []Detector {
	return []Detector{
		{Name: "error_ha_saturation", Description: "H-alpha signal held above saturation level", Index: haSaturation},
		{Name: "error_axuv_saturation", Description: "AXUV signal held above saturation level", Index: haSaturation},
		{Name: "error_hxr_saturation_counts", Description: "HXR counts pinned below reference floor", Index: hxrSaturationCounts},
		{Name: "error_hxr_baseline_shift", Description: "HXR baseline offset before discharge", Index: hxrBaselineShift},
		{Name: "error_hcn_hop", Description: "HCN density fringe jump", Index: hcnHop},
		{Name: "error_magnetics_drift", Description: "magnetics integrator drift in baseline", Index: magneticsDrift},
		{Name: "error_magnetics_error_probe", Description: "magnetic probe returns flat near-zero signal", Index: magneticsErrorProbe},
		{Name: "error_TS_empty_amplitude", Description: "Thomson scattering pulse missing", Time: tsEmptyAmplitude},
		{Name: "error_axuv_Detector_channel_damage", Description: "AXUV channel dead while ECRH is on", Aux: AuxECRH, Index: axuvChannelDamage},
		{Name: "error_sxr_spectra_saturation", Description: "SXR spectrum saturated during plasma current", Aux: AuxIP, Index: sxrSpectraSaturation},
	}
}

// runs returns the maximal runs where pred holds for at least two samples.
func runs(n int, pred func(i int) bool) [][2]int {
	var out [][2]int
	i := 0
	for i < n {
		if !pred(i) {
			i++
			continue
		}
		start := i
		for i < n && pred(i) {
			i++
		}
		if i-start > 1 {
			out = append(out, [2]int{start, i - 1})
		}
	}
	return out
}

func clampIdx(i, n int) int {
	if i > n {
		return n
	}
	if i < 0 {
		return 0
	}
	return i
}

func minMax(y []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range y {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func haSaturation(y, _ []float64) [][2]int {
	return runs(len(y), func(i int) bool { return y[i] > 10 })
}

// hxrSaturationCounts flags runs below 1.1x the magnitude of the minimum in
// the reference window [100000, 150000).
func hxrSaturationCounts(y, _ []float64) [][2]int {
	ref := y[clampIdx(100000, len(y)):clampIdx(150000, len(y))]
	if len(ref) == 0 {
		return nil
	}
	lo, _ := minMax(ref)
	floor := math.Abs(lo * 1.1)
	return runs(len(y), func(i int) bool { return y[i] < floor })
}

func hxrBaselineShift(y, _ []float64) [][2]int {
	base := y[:clampIdx(50000, len(y))]
	if len(base) == 0 {
		return nil
	}
	var sum float64
	for _, v := range base {
		sum += v
	}
	if math.Abs(sum/float64(len(base))) > 0.01 {
		return [][2]int{{0, len(base) - 1}}
	}
	return nil
}

// hcnHop flags windows of 25000 samples whose end drops more than 20 below
// their start.
func hcnHop(y, _ []float64) [][2]int {
	const w = 24999
	if len(y) <= w {
		return nil
	}
	var out [][2]int
	cont := false
	if y[w]-y[0] < -20 && y[1] > y[0] {
		out = append(out, [2]int{0, w})
		cont = true
	}
	for i := w + 1; i < len(y); i++ {
		first := y[i-w]
		if y[i]-first < -20 && y[i-w+1] > first {
			switch {
			case cont:
				out[len(out)-1][1] = i
			case len(out) > 0 && out[len(out)-1][0] < i-w && i-w < out[len(out)-1][1]:
				out[len(out)-1][1] = i
			default:
				out = append(out, [2]int{i - w, i})
			}
			cont = true
		} else {
			cont = false
		}
	}
	return out
}

// magneticsDrift grows a running max/min over the first 5/12 of the signal
// and flags where the spread exceeds 0.001.
func magneticsDrift(y, _ []float64) [][2]int {
	base := len(y) / 12
	if base == 0 {
		return nil
	}
	var out [][2]int
	hi, lo := math.Inf(-1), math.Inf(1)
	for _, v := range y[:base] {
		hi = math.Max(hi, v)
		lo = math.Min(lo, v)
	}
	cont := false
	if hi-lo > 0.001 {
		out = append(out, [2]int{0, base - 1})
		cont = true
	}
	for i := base; i < base*5 && i < len(y); i++ {
		hi = math.Max(hi, y[i])
		lo = math.Min(lo, y[i])
		if hi-lo > 0.001 {
			if cont {
				out[len(out)-1][1] = i
			} else {
				out = append(out, [2]int{i - base, i})
				cont = true
			}
		} else {
			cont = false
		}
	}
	return out
}

func magneticsErrorProbe(y, _ []float64) [][2]int {
	if len(y) == 0 {
		return nil
	}
	for _, v := range y {
		if v >= 0.012 || v <= -0.012 {
			return nil
		}
	}
	return [][2]int{{0, len(y) - 1}}
}

// tsEmptyAmplitude expects a pulse of at least 1000 inside [1.5, 2.5].
func tsEmptyAmplitude(y, x []float64) []model.TimeRange {
	const peak = 1000
	first, last := -1, -1
	hi := math.Inf(-1)
	for i := 0; i < len(x) && i < len(y); i++ {
		if x[i] < 1.5 || x[i] > 2.5 {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
		hi = math.Max(hi, y[i])
	}
	if first < 0 || hi >= peak {
		return nil
	}
	return []model.TimeRange{{x[first], x[last]}}
}

// axuvChannelDamage flags a channel that stays near zero while the ECRH
// drive is above 10% of its peak.
func axuvChannelDamage(y, ecrh []float64) [][2]int {
	n := len(y)
	if len(ecrh) < n {
		n = len(ecrh)
	}
	if n == 0 {
		return nil
	}
	_, peak := minMax(ecrh[:n])
	if peak <= 0 {
		return nil
	}
	return runs(n, func(i int) bool { return ecrh[i] > 0.1*peak && math.Abs(y[i]) < 0.01 })
}

// sxrSpectraSaturation flags samples pinned at the channel maximum while the
// plasma current is above 10% of its peak.
func sxrSpectraSaturation(y, ip []float64) [][2]int {
	n := len(y)
	if len(ip) < n {
		n = len(ip)
	}
	if n == 0 {
		return nil
	}
	_, top := minMax(y[:n])
	if top <= 0 {
		return nil
	}
	var ipPeak float64
	for _, v := range ip[:n] {
		ipPeak = math.Max(ipPeak, math.Abs(v))
	}
	if ipPeak == 0 {
		return nil
	}
	return runs(n, func(i int) bool { return math.Abs(ip[i]) > 0.1*ipPeak && y[i] >= 0.98*top })
}
