// Package features computes the speech-model input for a canonical waveform: the
// audio is downmixed, resampled to 16 kHz, padded or trimmed to a 30 s window and
// turned into an 80-bin log-mel spectrogram with the Whisper normalization.
//
// Parameters:
//
//	SampleRate:   16000
//	FFTSize:        400 (25 ms)
//	HopSize:        160 (10 ms)
//	NumMels:         80
//	ChunkSeconds:    30 (3000 frames)
//
// The token length reported alongside the spectrogram is one token per 20 ms of
// source audio, plus one.
package features
