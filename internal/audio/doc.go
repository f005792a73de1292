// Package audio reads and writes 16-bit PCM WAV files: header encoding,
// validation, format inspection and mono float decoding for feature extraction.
package audio
