package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"histalign/internal/logging"
)

// Device modes accepted by NewDeviceProbe.
const (
	DeviceAuto        = "auto"
	DeviceCPU         = "cpu"
	DeviceAccelerator = "accelerator"
)

// DeviceStatus describes the accelerator found on this host.
type DeviceStatus struct {
	Available bool
	Name      string
	Path      string
	Error     error
}

// DeviceProbe decides whether accelerated units should be attempted. The
// probe runs once; the answer is fixed for the life of the process.
type DeviceProbe struct {
	mode   string
	log    *slog.Logger
	lookup func(string) (string, error)
	query  func(ctx context.Context, path string) (string, error)

	once   sync.Once
	status DeviceStatus
}

// NewDeviceProbe returns a probe for mode (auto, cpu or accelerator).
func NewDeviceProbe(mode string, logger *slog.Logger) (*DeviceProbe, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	switch mode {
	case "":
		mode = DeviceAuto
	case DeviceAuto, DeviceCPU, DeviceAccelerator:
	default:
		return nil, fmt.Errorf("unknown device mode %q", mode)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceProbe{
		mode:   mode,
		log:    logger,
		lookup: exec.LookPath,
		query:  queryGPU,
	}, nil
}

// Mode returns the configured mode.
func (p *DeviceProbe) Mode() string { return p.mode }

// IsAccelerated reports whether the engine should try the accelerator first.
// Forced accelerator mode skips detection; a missing device then surfaces as
// per-unit failures that fall back to the CPU.
func (p *DeviceProbe) IsAccelerated() bool {
	switch p.mode {
	case DeviceCPU:
		return false
	case DeviceAccelerator:
		return true
	}
	return p.Status().Available
}

// Status runs detection on first use.
func (p *DeviceProbe) Status() DeviceStatus {
	p.once.Do(func() {
		p.status = p.detect()
		logging.LogDeviceStatus(p.log, "gpu", p.status.Available, p.status.Name, p.status.Error)
	})
	return p.status
}

func (p *DeviceProbe) detect() DeviceStatus {
	path, err := p.lookup("nvidia-smi")
	if err != nil {
		return DeviceStatus{Available: false, Error: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := p.query(ctx, path)
	if err != nil {
		return DeviceStatus{Available: false, Path: path, Error: err}
	}
	name := firstLine(out)
	if name == "" {
		return DeviceStatus{Available: false, Path: path, Error: fmt.Errorf("no gpu listed")}
	}
	return DeviceStatus{Available: true, Name: name, Path: path}
}

func queryGPU(ctx context.Context, path string) (string, error) {
	output, err := exec.CommandContext(ctx, path, "-L").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s -L: %w", path, err)
	}
	return string(output), nil
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
