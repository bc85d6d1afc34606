package detect

import "math"

// SpectralExtractor is the default audio feature extractor: RMS level and
// FFT-based spectral centroid.
type SpectralExtractor struct{}

// Extract implements FeatureExtractor. The window is expected to already
// carry the analysis taper.
func (SpectralExtractor) Extract(window []float64, sampleRate int) (rms, centroid float64) {
	if len(window) == 0 {
		return 0, 0
	}

	var sumSq float64
	for _, s := range window {
		sumSq += s * s
	}
	rms = math.Sqrt(sumSq / float64(len(window)))

	spectrum := fftMagnitudes(window)
	binHz := float64(sampleRate) / float64(2*len(spectrum))

	var weighted, total float64
	for k, mag := range spectrum {
		weighted += float64(k) * binHz * mag
		total += mag
	}
	if total > 0 {
		centroid = weighted / total
	}
	return rms, centroid
}

// hanning returns the length-n Hann window coefficients.
func hanning(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// fftMagnitudes returns the magnitude spectrum of the positive-frequency
// half, zero-padding the input to the next power of two.
func fftMagnitudes(samples []float64) []float64 {
	n := 1
	for n < len(samples) {
		n <<= 1
	}
	re := make([]float64, n)
	im := make([]float64, n)
	copy(re, samples)

	fft(re, im)

	half := n / 2
	mags := make([]float64, half)
	for k := 0; k < half; k++ {
		mags[k] = math.Hypot(re[k], im[k])
	}
	return mags
}

// fft is an in-place iterative radix-2 Cooley-Tukey transform; len(re)
// must be a power of two.
func fft(re, im []float64) {
	n := len(re)
	if n < 2 {
		return
	}

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		angle := -2 * math.Pi / float64(size)
		wRe, wIm := math.Cos(angle), math.Sin(angle)
		for start := 0; start < n; start += size {
			curRe, curIm := 1.0, 0.0
			for k := 0; k < size/2; k++ {
				evenRe, evenIm := re[start+k], im[start+k]
				oddRe := re[start+k+size/2]*curRe - im[start+k+size/2]*curIm
				oddIm := re[start+k+size/2]*curIm + im[start+k+size/2]*curRe
				re[start+k], im[start+k] = evenRe+oddRe, evenIm+oddIm
				re[start+k+size/2], im[start+k+size/2] = evenRe-oddRe, evenIm-oddIm
				curRe, curIm = curRe*wRe-curIm*wIm, curRe*wIm+curIm*wRe
			}
		}
	}
}
