// Package pipeline coordinates one capture-to-answer request: it normalizes
// the upload into the input slot, runs the inference gateway and relocates the
// generated waveform into the output slot, returning an immutable Result.
//
// Captures are serialized with a single lock so the two slots always belong
// to the same request. Failures are classified by Kind:
//
//	KindBadRequest       empty upload, malformed WAV, failed conversion
//	KindToolUnavailable  conversion tool missing (carries a hint)
//	KindEngineInit       engine failed to load; permanent until restart
//	KindInference        generation failed or produced no waveform
//	KindInternal         filesystem faults
package pipeline
