package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/inventory"
	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const defaultRunDir = "/var/run/fleetgpu"

// ProcessLauncher runs workloads as plain host processes. The only
// state is a pid file per workload carrying the pid and its start
// ticks, so a recycled pid is never mistaken for a live workload.
type ProcessLauncher struct{}

func NewProcessLauncher() *ProcessLauncher {
	return &ProcessLauncher{}
}

func (p *ProcessLauncher) Start(ctx context.Context, device inventory.Device, workloadID string) error {
	argv := viper.GetStringSlice("processCommand")
	if len(argv) == 0 {
		return &LaunchError{WorkloadID: workloadID, Err: errors.New("processCommand is not configured")}
	}
	if err := os.MkdirAll(runDir(), 0755); err != nil {
		return &LaunchError{WorkloadID: workloadID, Err: fmt.Errorf("creating run dir: %w", err)}
	}

	// the workload must outlive this invocation, no CommandContext
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("FLEETGPU_DEVICE_PATH=%s", device.Path),
		fmt.Sprintf("FLEETGPU_DEVICE_INDEX=%d", device.Index),
		fmt.Sprintf("FLEETGPU_WORKLOAD_ID=%s", workloadID),
	)
	if err := cmd.Start(); err != nil {
		return &LaunchError{WorkloadID: workloadID, Err: fmt.Errorf("starting %s: %w", argv[0], err)}
	}
	pid := cmd.Process.Pid
	ticks, err := startTicks(pid)
	if err != nil {
		log.Warnf("failed to read start ticks for pid %d, pid reuse detection disabled: %s", pid, err)
		ticks = 0
	}
	if err := writePidFile(p.pidFilePath(workloadID), pid, ticks); err != nil {
		return &LaunchError{WorkloadID: workloadID, Err: err}
	}
	go func() {
		err := cmd.Wait()
		log.Debugf("workload %s (pid %d) exited: %v", workloadID, pid, err)
	}()
	log.Infof("workload %s started: pid %d on device %s", workloadID, pid, device.Path)
	return nil
}

func (p *ProcessLauncher) IsAlive(ctx context.Context, workloadID string) (bool, error) {
	pid, ticks, err := readPidFile(p.pidFilePath(workloadID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false, fmt.Errorf("checking pid %d: %w", pid, err)
	}
	if !exists {
		return false, nil
	}
	if ticks != 0 {
		current, err := startTicks(pid)
		if err != nil || current != ticks {
			// pid belongs to somebody else now
			return false, nil
		}
	}
	return true, nil
}

func (p *ProcessLauncher) Stop(ctx context.Context, workloadID string) error {
	pidPath := p.pidFilePath(workloadID)
	alive, err := p.IsAlive(ctx, workloadID)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)
	if !alive {
		return nil
	}
	pid, _, err := readPidFile(pidPath)
	if err != nil {
		return err
	}
	pr, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	if err := pr.TerminateWithContext(ctx); err != nil {
		log.Debugf("terminate of pid %d failed, escalating to kill: %s", pid, err)
	}

	timeout := viper.GetInt("stopTimeout")
	if timeout == 0 {
		timeout = defaultStopTimeout
	}
	deadline := time.After(time.Duration(timeout) * time.Second)
	for {
		exists, err := process.PidExists(int32(pid))
		if err == nil && !exists {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if err := pr.KillWithContext(ctx); err != nil {
				return fmt.Errorf("killing workload %s (pid %d): %w", workloadID, pid, err)
			}
			return nil
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (p *ProcessLauncher) pidFilePath(workloadID string) string {
	return filepath.Join(runDir(), WorkloadTag(workloadID)+".pid")
}

func runDir() string {
	if dir := viper.GetString("runDir"); dir != "" {
		return dir
	}
	return defaultRunDir
}

func writePidFile(path string, pid int, ticks uint64) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d %d\n", pid, ticks)), 0644)
}

func readPidFile(path string) (int, uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("malformed pid file %s", path)
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed pid in %s: %w", path, err)
	}
	ticks, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed start ticks in %s: %w", path, err)
	}
	return pid, ticks, nil
}

func startTicks(pid int) (uint64, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Starttime, nil
}
