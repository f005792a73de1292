// Package normalize turns browser-supplied audio of any container or codec into the
// canonical waveform (mono, 24 kHz, WAV) using ffmpeg. WAV uploads bypass conversion.
package normalize
