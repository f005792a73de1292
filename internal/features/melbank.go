package features

import "math"

// Slaney mel scale: linear below 1 kHz, logarithmic above.
const (
	melFSP       = 200.0 / 3
	melMinLogHz  = 1000.0
	melMinLogMel = melMinLogHz / melFSP
)

var melLogStep = math.Log(6.4) / 27.0

func hzToMel(hz float64) float64 {
	if hz >= melMinLogHz {
		return melMinLogMel + math.Log(hz/melMinLogHz)/melLogStep
	}
	return hz / melFSP
}

func melToHz(mel float64) float64 {
	if mel >= melMinLogMel {
		return melMinLogHz * math.Exp(melLogStep*(mel-melMinLogMel))
	}
	return melFSP * mel
}

// slaneyMelBank builds [numMels][fftSize/2+1] triangular filters spanning
// 0 Hz to Nyquist, area-normalized.
func slaneyMelBank(numMels, fftSize, sampleRate int) [][]float64 {
	bins := fftSize/2 + 1
	nyquist := float64(sampleRate) / 2

	fftFreqs := make([]float64, bins)
	for k := range fftFreqs {
		fftFreqs[k] = nyquist * float64(k) / float64(bins-1)
	}

	minMel, maxMel := hzToMel(0), hzToMel(nyquist)
	melF := make([]float64, numMels+2)
	for i := range melF {
		melF[i] = melToHz(minMel + (maxMel-minMel)*float64(i)/float64(numMels+1))
	}

	bank := make([][]float64, numMels)
	for m := 0; m < numMels; m++ {
		lowDiff := melF[m+1] - melF[m]
		highDiff := melF[m+2] - melF[m+1]
		enorm := 2.0 / (melF[m+2] - melF[m])

		filter := make([]float64, bins)
		for k, f := range fftFreqs {
			lower := (f - melF[m]) / lowDiff
			upper := (melF[m+2] - f) / highDiff
			w := math.Min(lower, upper)
			if w > 0 {
				filter[k] = w * enorm
			}
		}
		bank[m] = filter
	}
	return bank
}
