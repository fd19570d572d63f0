package provider

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// melConfig параметры извлечения лог-мел признаков для энкодера спикеров
type melConfig struct {
	SampleRate int
	NumMels    int
	HopLength  int
	WinLength  int
	FFTSize    int
}

// defaultMelConfig параметры под WeSpeaker: 16kHz, 80 мел-полос, фреймы 25мс/10мс
func defaultMelConfig() melConfig {
	return melConfig{
		SampleRate: 16000,
		NumMels:    80,
		HopLength:  160,
		WinLength:  400,
		FFTSize:    512,
	}
}

// melExtractor вычисляет лог-мел спектрограммы из PCM
type melExtractor struct {
	config  melConfig
	filters [][]float64
	window  []float64
	fft     *fourier.FFT
}

func newMelExtractor(config melConfig) (*melExtractor, error) {
	if config.FFTSize < config.WinLength {
		return nil, fmt.Errorf("fft size %d < window length %d", config.FFTSize, config.WinLength)
	}
	return &melExtractor{
		config:  config,
		filters: melFilterbank(config.NumMels, config.FFTSize, config.SampleRate),
		window:  hannWindow(config.WinLength),
		fft:     fourier.NewFFT(config.FFTSize),
	}, nil
}

// Extract возвращает лог-мел фреймы [numFrames][NumMels]
func (m *melExtractor) Extract(samples []float32) [][]float32 {
	cfg := m.config
	if len(samples) < cfg.WinLength {
		return nil
	}
	numFrames := 1 + (len(samples)-cfg.WinLength)/cfg.HopLength
	numBins := cfg.FFTSize/2 + 1

	frames := make([][]float32, numFrames)
	frame := make([]float64, cfg.FFTSize)
	power := make([]float64, numBins)

	for i := 0; i < numFrames; i++ {
		start := i * cfg.HopLength
		for j := 0; j < cfg.WinLength; j++ {
			frame[j] = float64(samples[start+j]) * m.window[j]
		}
		for j := cfg.WinLength; j < cfg.FFTSize; j++ {
			frame[j] = 0
		}

		coeffs := m.fft.Coefficients(nil, frame)
		for j := 0; j < numBins; j++ {
			re := real(coeffs[j])
			im := imag(coeffs[j])
			power[j] = re*re + im*im
		}

		mels := make([]float32, cfg.NumMels)
		for b := 0; b < cfg.NumMels; b++ {
			var sum float64
			for j, w := range m.filters[b] {
				if w != 0 {
					sum += w * power[j]
				}
			}
			mels[b] = float32(math.Log(math.Max(sum, 1e-10)))
		}
		frames[i] = mels
	}
	return frames
}

// melFilterbank строит треугольные мел-фильтры (HTK-формула)
func melFilterbank(numMels, fftSize, sampleRate int) [][]float64 {
	numBins := fftSize/2 + 1
	hzToMel := func(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
	melToHz := func(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

	lowMel := hzToMel(0)
	highMel := hzToMel(float64(sampleRate) / 2)

	points := make([]float64, numMels+2)
	for i := range points {
		mel := lowMel + (highMel-lowMel)*float64(i)/float64(numMels+1)
		points[i] = melToHz(mel) * float64(fftSize) / float64(sampleRate)
	}

	filters := make([][]float64, numMels)
	for b := 0; b < numMels; b++ {
		filters[b] = make([]float64, numBins)
		left, center, right := points[b], points[b+1], points[b+2]
		for j := 0; j < numBins; j++ {
			f := float64(j)
			switch {
			case f > left && f <= center:
				filters[b][j] = (f - left) / (center - left)
			case f > center && f < right:
				filters[b][j] = (right - f) / (right - center)
			}
		}
	}
	return filters
}

func hannWindow(length int) []float64 {
	window := make([]float64, length)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(length-1)))
	}
	return window
}
