package features

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/skypro1111/omni-voice-service/internal/audio"
)

func sine(rate int, seconds, freq float64) []float64 {
	out := make([]float64, int(float64(rate)*seconds))
	for i := range out {
		out[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return out
}

func TestExtractShapeAndLength(t *testing.T) {
	e := New(Config{})

	feats, err := e.Extract(make([]float64, 16000*2), 16000)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if feats.NumMels != 80 || feats.Frames != 3000 {
		t.Errorf("Expected 80x3000, got %dx%d", feats.NumMels, feats.Frames)
	}
	if len(feats.Mel) != 80*3000 {
		t.Errorf("Expected %d values, got %d", 80*3000, len(feats.Mel))
	}
	if feats.Length != 101 {
		t.Errorf("Expected length 101 for 2 s, got %d", feats.Length)
	}
}

func TestExtractSilenceIsFlat(t *testing.T) {
	e := New(DefaultConfig())

	feats, err := e.Extract(make([]float64, 8000), 16000)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	// log10(1e-10) = -10, rescaled to (-10 + 4) / 4
	for i, v := range feats.Mel {
		if math.Abs(float64(v)+1.5) > 1e-6 {
			t.Fatalf("Value %d: expected -1.5, got %f", i, v)
		}
	}
}

func TestExtractDynamicRange(t *testing.T) {
	e := New(DefaultConfig())

	feats, err := e.Extract(sine(16000, 1, 440), 16000)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range feats.Mel {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	// values are clamped to 8 decades below the peak, then divided by 4
	if hi-lo > 2.0+1e-5 {
		t.Errorf("Expected dynamic range <= 2, got %f", hi-lo)
	}
}

func peakBin(f *Features, frames int) int {
	best, bestVal := 0, math.Inf(-1)
	for m := 0; m < f.NumMels; m++ {
		var sum float64
		for t := 0; t < frames; t++ {
			sum += float64(f.At(m, t))
		}
		if sum > bestVal {
			best, bestVal = m, sum
		}
	}
	return best
}

func binCenterHz(m, numMels, sampleRate int) float64 {
	minMel, maxMel := hzToMel(0), hzToMel(float64(sampleRate)/2)
	return melToHz(minMel + (maxMel-minMel)*float64(m+1)/float64(numMels+1))
}

func TestExtractResamplesToModelRate(t *testing.T) {
	e := New(DefaultConfig())

	// 1 kHz tone in the canonical 24 kHz format
	feats, err := e.Extract(sine(24000, 1, 1000), 24000)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if feats.SampleRate != 16000 {
		t.Errorf("Expected model rate 16000, got %d", feats.SampleRate)
	}
	if feats.Length != 51 {
		t.Errorf("Expected length 51 for 1 s, got %d", feats.Length)
	}

	center := binCenterHz(peakBin(feats, 50), feats.NumMels, 16000)
	if center < 850 || center > 1150 {
		t.Errorf("Expected peak mel bin near 1000 Hz, got %.0f Hz", center)
	}
}

func TestResampleKeepsTail(t *testing.T) {
	e := New(DefaultConfig())

	pcm, err := e.resample(sine(24000, 1, 440), 24000)
	if err != nil {
		t.Fatalf("resample failed: %v", err)
	}
	if len(pcm) != 16000 {
		t.Fatalf("Expected 16000 samples for 1 s, got %d", len(pcm))
	}

	// the last 10 ms still carries the tone
	var sum float64
	last := pcm[len(pcm)-160:]
	for _, v := range last {
		sum += v * v
	}
	if rms := math.Sqrt(sum / float64(len(last))); rms < 0.1 {
		t.Errorf("Expected signal in the final 10 ms, got rms %.3f", rms)
	}
}

func TestExtractFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "UserInput.wav")
	data, err := audio.EncodeWAV(audio.FloatToPCM16(sine(24000, 0.5, 300)), 24000)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	feats, err := New(DefaultConfig()).ExtractFile(path)
	if err != nil {
		t.Fatalf("ExtractFile failed: %v", err)
	}
	if feats.Length != 26 {
		t.Errorf("Expected length 26 for 0.5 s, got %d", feats.Length)
	}

	if _, err := New(DefaultConfig()).ExtractFile(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestExtractRejectsEmptyInput(t *testing.T) {
	e := New(DefaultConfig())
	if _, err := e.Extract(nil, 16000); err == nil {
		t.Error("Expected error for empty samples")
	}
	if _, err := e.Extract([]float64{0.1}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}

func TestFeaturesFileRejectsBadShape(t *testing.T) {
	dir := t.TempDir()

	good := &Features{Mel: make([]float32, 6), NumMels: 2, Frames: 3, Length: 4}
	goodPath := filepath.Join(dir, "good.msgpack")
	if err := good.WriteFile(goodPath); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	loaded, err := ReadFile(goodPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if loaded.Length != 4 || loaded.Frames != 3 {
		t.Errorf("Unexpected features: %+v", loaded)
	}

	bad, err := msgpack.Marshal(&Features{Mel: make([]float32, 5), NumMels: 2, Frames: 3})
	if err != nil {
		t.Fatal(err)
	}
	badPath := filepath.Join(dir, "bad.msgpack")
	if err := os.WriteFile(badPath, bad, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(badPath); err == nil {
		t.Error("Expected shape mismatch error")
	}
}

func TestMelScaleRoundTrip(t *testing.T) {
	for _, hz := range []float64{0, 250, 999, 1000, 4000, 8000} {
		if got := melToHz(hzToMel(hz)); math.Abs(got-hz) > 1e-6 {
			t.Errorf("melToHz(hzToMel(%f)) = %f", hz, got)
		}
	}
}

func TestReflectPad(t *testing.T) {
	got := reflectPad([]float64{1, 2, 3, 4, 5}, 2)
	want := []float64{3, 2, 1, 2, 3, 4, 5, 4, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reflectPad = %v, want %v", got, want)
		}
	}
}
