package crypto

import (
	"runtime"

	"github.com/kenneth/audio-drm-gateway/internal/config"
	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport reports whether the CPU exposes AES
// instructions. Go's crypto/aes picks them up on its own; the gateway
// only surfaces the answer for diagnostics and the startup metric.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// IsHardwareAccelerationEnabled is HasAESHardwareSupport gated by the
// operator's config, so a deployment can declare acceleration off for
// benchmarking parity across heterogeneous hosts.
func IsHardwareAccelerationEnabled(cfg config.HardwareConfig) bool {
	if !HasAESHardwareSupport() {
		return false
	}

	switch runtime.GOARCH {
	case "amd64", "386":
		return cfg.EnableAESNI
	case "arm64":
		return cfg.EnableARMv8AES
	default:
		// Architectures with support but no dedicated config flag.
		return true
	}
}

// GetHardwareAccelerationInfo bundles the detection results for the
// startup log line.
func GetHardwareAccelerationInfo(cfg *config.HardwareConfig) map[string]any {
	info := map[string]any{
		"aes_hardware_support": HasAESHardwareSupport(),
		"architecture":         runtime.GOARCH,
		"goos":                 runtime.GOOS,
		"go_version":           runtime.Version(),
	}
	if cfg != nil {
		info["aes_ni_enabled"] = cfg.EnableAESNI
		info["armv8_aes_enabled"] = cfg.EnableARMv8AES
		info["hardware_acceleration_active"] = IsHardwareAccelerationEnabled(*cfg)
	}
	return info
}
