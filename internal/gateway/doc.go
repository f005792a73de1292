// Package gateway wraps the inference engine behind a small lifecycle:
// Uninitialized -> Initializing -> Ready | Failed. The model is loaded lazily
// by the first request, exactly once, and a failed load is never retried.
//
// Run extracts log-mel features for the accepted waveform, invokes the engine
// and checks that the answer waveform exists at the engine-chosen path inside
// the output slot directory.
package gateway
