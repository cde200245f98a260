package crypto

import (
	"runtime"
	"testing"

	"github.com/kenneth/audio-drm-gateway/internal/config"
)

func TestHasAESHardwareSupport(t *testing.T) {
	// CPU features can't be mocked; just exercise the detection path.
	_ = HasAESHardwareSupport()
}

func TestIsHardwareAccelerationEnabled(t *testing.T) {
	enabled := config.HardwareConfig{EnableAESNI: true, EnableARMv8AES: true}
	if IsHardwareAccelerationEnabled(enabled) != HasAESHardwareSupport() {
		t.Errorf("with both flags on, the answer must track hardware support")
	}

	if HasAESHardwareSupport() && (runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64") {
		disabled := config.HardwareConfig{}
		if IsHardwareAccelerationEnabled(disabled) {
			t.Error("config must be able to declare acceleration off")
		}
	}
}

func TestGetHardwareAccelerationInfo(t *testing.T) {
	info := GetHardwareAccelerationInfo(nil)
	for _, field := range []string{"aes_hardware_support", "architecture", "goos", "go_version"} {
		if _, ok := info[field]; !ok {
			t.Errorf("missing field %q", field)
		}
	}

	cfg := &config.HardwareConfig{EnableAESNI: true, EnableARMv8AES: true}
	withCfg := GetHardwareAccelerationInfo(cfg)
	for _, field := range []string{"aes_ni_enabled", "armv8_aes_enabled", "hardware_acceleration_active"} {
		if _, ok := withCfg[field]; !ok {
			t.Errorf("missing field %q", field)
		}
	}
}
