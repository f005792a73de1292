package engine

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
)

// Device names
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceGPU  = "cuda:0"
)

// GPUProbe reports whether a CUDA device is usable
type GPUProbe func(ctx context.Context) bool

// SelectDevice resolves the configured device. Anything other than "auto" is
// used as given; "auto" picks the first GPU when probe finds one, else CPU.
func SelectDevice(ctx context.Context, preference string, probe GPUProbe) string {
	preference = strings.TrimSpace(strings.ToLower(preference))
	if preference != "" && preference != DeviceAuto {
		return preference
	}
	if probe != nil && probe(ctx) {
		return DeviceGPU
	}
	return DeviceCPU
}

// NvidiaSMIProbe lists GPUs with nvidia-smi. CUDA_VISIBLE_DEVICES set to an
// empty value or -1 hides every GPU.
func NvidiaSMIProbe(ctx context.Context) bool {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		v = strings.TrimSpace(v)
		if v == "" || v == "-1" {
			return false
		}
	}
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return false
	}
	out, err := exec.CommandContext(ctx, path, "-L").Output()
	if err != nil {
		return false
	}
	return bytes.Contains(out, []byte("GPU "))
}
