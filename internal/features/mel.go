package features

import (
	"errors"
	"fmt"
	"math"
	"os"

	resampling "github.com/tphakala/go-audio-resampling"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/skypro1111/omni-voice-service/internal/audio"
)

// Config controls log-mel extraction parameters.
type Config struct {
	SampleRate   int // model input rate in Hz (default 16000)
	FFTSize      int // window and FFT length (default 400 = 25 ms)
	HopSize      int // hop length (default 160 = 10 ms)
	NumMels      int // mel bins (default 80)
	ChunkSeconds int // input is padded or trimmed to this length (default 30)
	TokenMillis  int // audio duration covered by one model token (default 20)
}

// DefaultConfig returns the Whisper front-end parameters.
func DefaultConfig() Config {
	return Config{
		SampleRate:   16000,
		FFTSize:      400,
		HopSize:      160,
		NumMels:      80,
		ChunkSeconds: 30,
		TokenMillis:  20,
	}
}

// Features is the model input derived from one waveform. Mel is stored
// row-major with shape [NumMels][Frames].
type Features struct {
	Mel        []float32 `msgpack:"mel"`
	NumMels    int       `msgpack:"num_mels"`
	Frames     int       `msgpack:"frames"`
	Length     int       `msgpack:"length"`
	DurationMS float64   `msgpack:"duration_ms"`
	SampleRate int       `msgpack:"sample_rate"`
}

// At returns the value for mel bin m at frame f.
func (f *Features) At(m, frame int) float32 {
	return f.Mel[m*f.Frames+frame]
}

// Extractor computes log-mel spectrograms.
type Extractor struct {
	cfg     Config
	window  []float64
	melBank [][]float64
	fft     *fourier.FFT
}

// New creates an Extractor; zero fields of cfg take their defaults.
func New(cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FFTSize <= 0 {
		cfg.FFTSize = def.FFTSize
	}
	if cfg.HopSize <= 0 {
		cfg.HopSize = def.HopSize
	}
	if cfg.NumMels <= 0 {
		cfg.NumMels = def.NumMels
	}
	if cfg.ChunkSeconds <= 0 {
		cfg.ChunkSeconds = def.ChunkSeconds
	}
	if cfg.TokenMillis <= 0 {
		cfg.TokenMillis = def.TokenMillis
	}
	return &Extractor{
		cfg:     cfg,
		window:  hannWindow(cfg.FFTSize),
		melBank: slaneyMelBank(cfg.NumMels, cfg.FFTSize, cfg.SampleRate),
		fft:     fourier.NewFFT(cfg.FFTSize),
	}
}

// Config returns the effective configuration.
func (e *Extractor) Config() Config { return e.cfg }

// ExtractFile decodes a WAV file and extracts its features.
func (e *Extractor) ExtractFile(path string) (*Features, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	samples, rate, err := audio.DecodeMono(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return e.Extract(samples, rate)
}

// Extract resamples mono samples to the model rate, pads or trims them to
// the chunk length and computes the normalized log-mel spectrogram.
func (e *Extractor) Extract(samples []float64, sampleRate int) (*Features, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if len(samples) == 0 {
		return nil, errors.New("no audio samples")
	}

	durationMS := float64(len(samples)) / float64(sampleRate) * 1000

	pcm, err := e.resample(samples, sampleRate)
	if err != nil {
		return nil, err
	}

	nSamples := e.cfg.ChunkSeconds * e.cfg.SampleRate
	pcm = padOrTrim(pcm, nSamples)

	mel := e.logMel(pcm)
	frames := nSamples / e.cfg.HopSize

	return &Features{
		Mel:        mel,
		NumMels:    e.cfg.NumMels,
		Frames:     frames,
		Length:     int(durationMS/float64(e.cfg.TokenMillis)) + 1,
		DurationMS: durationMS,
		SampleRate: e.cfg.SampleRate,
	}, nil
}

func (e *Extractor) resample(samples []float64, sampleRate int) ([]float64, error) {
	if sampleRate == e.cfg.SampleRate {
		return samples, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(sampleRate),
		OutputRate: float64(e.cfg.SampleRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	out, err := rs.Process(samples)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	// the filter holds back the tail of the signal until flushed
	tail, err := rs.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample flush error: %w", err)
	}
	out = append(out, tail...)

	want := int(math.Round(float64(len(samples)) * float64(e.cfg.SampleRate) / float64(sampleRate)))
	if len(out) > want {
		out = out[:want]
	}
	return out, nil
}

// logMel runs a centered STFT (reflect padding, periodic Hann window),
// projects the power spectrum onto the mel bank and applies Whisper's
// log10 / dynamic range clamp / rescale.
func (e *Extractor) logMel(pcm []float64) []float32 {
	cfg := e.cfg
	nfft := cfg.FFTSize
	pad := nfft / 2
	padded := reflectPad(pcm, pad)

	// the final STFT frame is dropped
	frames := len(pcm) / cfg.HopSize
	bins := nfft/2 + 1

	out := make([]float64, cfg.NumMels*frames)
	frame := make([]float64, nfft)
	coeffs := make([]complex128, bins)
	power := make([]float64, bins)
	maxVal := math.Inf(-1)

	for t := 0; t < frames; t++ {
		start := t * cfg.HopSize
		for i := 0; i < nfft; i++ {
			frame[i] = padded[start+i] * e.window[i]
		}
		coeffs = e.fft.Coefficients(coeffs, frame)
		for k, c := range coeffs {
			re, im := real(c), imag(c)
			power[k] = re*re + im*im
		}
		for m, filter := range e.melBank {
			var sum float64
			for k, w := range filter {
				if w != 0 {
					sum += w * power[k]
				}
			}
			v := math.Log10(math.Max(sum, 1e-10))
			out[m*frames+t] = v
			if v > maxVal {
				maxVal = v
			}
		}
	}

	floor := maxVal - 8.0
	mel := make([]float32, len(out))
	for i, v := range out {
		if v < floor {
			v = floor
		}
		mel[i] = float32((v + 4.0) / 4.0)
	}
	return mel
}

// WriteFile persists features as msgpack.
func (f *Features) WriteFile(path string) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write features %s: %w", path, err)
	}
	return nil
}

// ReadFile loads features written by WriteFile.
func ReadFile(path string) (*Features, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read features %s: %w", path, err)
	}
	var f Features
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode features %s: %w", path, err)
	}
	if len(f.Mel) != f.NumMels*f.Frames {
		return nil, fmt.Errorf("features %s: mel has %d values, want %d", path, len(f.Mel), f.NumMels*f.Frames)
	}
	return &f, nil
}

func padOrTrim(x []float64, n int) []float64 {
	if len(x) == n {
		return x
	}
	out := make([]float64, n)
	copy(out, x)
	return out
}

// reflectPad mirrors pad samples at each end, excluding the edge sample.
func reflectPad(x []float64, pad int) []float64 {
	n := len(x)
	out := make([]float64, n+2*pad)
	copy(out[pad:], x)
	for i := 0; i < pad; i++ {
		out[pad-1-i] = x[reflectIndex(i+1, n)]
		out[pad+n+i] = x[reflectIndex(n-2-i, n)]
	}
	return out
}

func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// hannWindow returns a periodic Hann window.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}
