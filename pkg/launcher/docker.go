package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/inventory"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	labelWorkload = "fleetgpu.workload"
	labelDevice   = "fleetgpu.device"

	defaultWorkloadPort = 80
	defaultBasePort     = 8000
	defaultStopTimeout  = 30
)

// DockerLauncher runs each workload as a container with exactly one
// GPU device node mapped in. Containers carry fleetgpu labels so the
// launcher can find them again without any local state.
type DockerLauncher struct {
	cli *client.Client
}

func NewDockerLauncher() (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return &DockerLauncher{cli: cli}, nil
}

func (d *DockerLauncher) Start(ctx context.Context, device inventory.Device, workloadID string) error {
	img := viper.GetString("workloadImage")
	if img == "" {
		return &LaunchError{WorkloadID: workloadID, Err: errors.New("workloadImage is not configured")}
	}
	if reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{}); err != nil {
		log.Warnf("image pull failed for %s, falling back to local image: %s", img, err)
	} else {
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	basePort := viper.GetInt("basePort")
	if basePort == 0 {
		basePort = defaultBasePort
	}
	hostPort, err := FreePort(basePort)
	if err != nil {
		return &LaunchError{WorkloadID: workloadID, Err: err}
	}
	workloadPort := viper.GetInt("workloadPort")
	if workloadPort == 0 {
		workloadPort = defaultWorkloadPort
	}
	exposed, err := nat.NewPort("tcp", strconv.Itoa(workloadPort))
	if err != nil {
		return &LaunchError{WorkloadID: workloadID, Err: err}
	}

	cfg := &container.Config{
		Image: img,
		Labels: map[string]string{
			labelWorkload: workloadID,
			labelDevice:   strconv.Itoa(device.Index),
		},
		Env: []string{
			fmt.Sprintf("FLEETGPU_DEVICE_PATH=%s", device.Path),
			fmt.Sprintf("FLEETGPU_DEVICE_INDEX=%d", device.Index),
			fmt.Sprintf("FLEETGPU_WORKLOAD_ID=%s", workloadID),
		},
		ExposedPorts: nat.PortSet{exposed: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			exposed: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}},
		},
		Resources: container.Resources{
			Devices: []container.DeviceMapping{
				{PathOnHost: device.Path, PathInContainer: device.Path, CgroupPermissions: "rwm"},
			},
		},
	}

	name := ContainerName(workloadID, device.Index)
	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return &LaunchError{WorkloadID: workloadID, Err: fmt.Errorf("creating container %s: %w", name, err)}
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if rmErr := d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			log.Errorf("failed to remove unstartable container %s: %s", name, rmErr)
		}
		return &LaunchError{WorkloadID: workloadID, Err: fmt.Errorf("starting container %s: %w", name, err)}
	}
	log.Infof("workload %s started: container %s on device %s, host port %d", workloadID, name, device.Path, hostPort)
	return nil
}

func (d *DockerLauncher) Stop(ctx context.Context, workloadID string) error {
	id, _, err := d.findContainer(ctx, workloadID)
	if err != nil {
		return err
	}
	if id == "" {
		log.Debugf("no container found for workload %s, nothing to stop", workloadID)
		return nil
	}
	timeout := viper.GetInt("stopTimeout")
	if timeout == 0 {
		timeout = defaultStopTimeout
	}
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stopping container for workload %s: %w", workloadID, err)
	}
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		log.Warnf("container for workload %s stopped but not removed: %s", workloadID, err)
	}
	return nil
}

func (d *DockerLauncher) IsAlive(ctx context.Context, workloadID string) (bool, error) {
	_, running, err := d.findContainer(ctx, workloadID)
	if err != nil {
		return false, err
	}
	return running, nil
}

func (d *DockerLauncher) findContainer(ctx context.Context, workloadID string) (string, bool, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelWorkload+"="+workloadID)),
	})
	if err != nil {
		return "", false, fmt.Errorf("listing containers for workload %s: %w", workloadID, err)
	}
	if len(containers) == 0 {
		return "", false, nil
	}
	c := containers[0]
	return c.ID, c.State == "running", nil
}
