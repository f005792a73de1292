// Package engine provides the speech-to-speech inference backends.
//
// An Engine loads a model bundle once and then turns a canonical input waveform
// plus its log-mel features into a text response and an answer waveform, which
// it writes to <out_dir>/A1-A2/00.wav.
//
// Backends:
//
//	process: a long-lived worker subprocess speaking newline-delimited JSON
//	         over stdin/stdout, one request and one response per line
//	http:    a remote inference server (POST /load, POST /generate)
//	mock:    an in-process tone generator with a fixed text
//
// Worker protocol:
//
//	-> {"id":1,"op":"load","checkpoint":"./checkpoint","device":"cuda:0"}
//	<- {"id":1,"ok":true,"device":"cuda:0"}
//	-> {"id":2,"op":"generate","audio":"...","features":"...","length":101,"out_dir":"answers"}
//	<- {"id":2,"ok":true,"text":"...","audio":"answers/A1-A2/00.wav"}
//	<- {"id":3,"ok":false,"error":"..."}
//
// ServeWorker implements the worker side of the protocol for Go workers.
package engine
