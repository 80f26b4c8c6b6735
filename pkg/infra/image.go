package infra

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/cuemby/burrow/pkg/cloud"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	imagePollInterval = 10 * time.Second
	imageWaitTimeout  = 30 * time.Minute

	builderSSHTimeout = 5 * time.Minute
)

// BuildConfig configures building the base image from scratch when no
// region has a copy.
type BuildConfig struct {
	// BaseImageID is the vendor-provided image the builder boots from
	BaseImageID string
	// InstanceType is the builder's instance type
	InstanceType string
	// Script is the provisioning shell script run over SSH
	Script string
	// SSHUser defaults to root
	SSHUser string
}

// netContext carries the already-reconciled network resources a builder
// instance launches into.
type netContext struct {
	sgID string
	zone types.ZoneInfo
}

// ensureImage resolves the named image in the region: use it if present,
// copy it from a sibling region that has it, or build it from scratch.
func (r *Reconciler) ensureImage(ctx context.Context, req Request, nc netContext, logger zerolog.Logger) (string, error) {
	local, err := r.findImage(ctx, req.Region, req.ImageName)
	if err != nil {
		return "", err
	}
	if local != nil {
		logger.Info().Str("image_id", local.ID).Msg("Found image")
		return r.waitImageAvailable(ctx, req.Region, local.ID, logger)
	}

	if !req.AllowCreate {
		return "", fmt.Errorf("image %q not found in region %s and infra creation is disabled", req.ImageName, req.Region)
	}

	// Missing -> Copying(source): prefer copying an existing image over
	// rebuilding, the copy carries the exact bits other regions run.
	for _, src := range req.SearchRegions {
		if src == req.Region {
			continue
		}
		srcImage, err := r.findImage(ctx, src, req.ImageName)
		if err != nil {
			logger.Warn().Err(err).Str("source_region", src).Msg("Image search failed, trying next region")
			continue
		}
		if srcImage == nil || srcImage.Status != cloud.StatusAvailable {
			continue
		}

		logger.Info().Str("source_region", src).Str("source_image_id", srcImage.ID).Msg("Copying image")
		imageID, err := r.api.CopyImage(ctx, req.Region, src, srcImage.ID, req.ImageName)
		if err != nil {
			return "", fmt.Errorf("copy image %s from %s to %s: %w", srcImage.ID, src, req.Region, err)
		}
		return r.waitImageAvailable(ctx, req.Region, imageID, logger)
	}

	// Missing -> Building: no region has the image
	if req.Build == nil {
		return "", fmt.Errorf("image %q not found in region %s or any of %v, and no build config given", req.ImageName, req.Region, req.SearchRegions)
	}

	logger.Info().Str("image_name", req.ImageName).Msg("Image not found anywhere, building")
	imageID, err := r.buildImage(ctx, req, nc, logger)
	if err != nil {
		return "", fmt.Errorf("build image %q in %s: %w", req.ImageName, req.Region, err)
	}
	return r.waitImageAvailable(ctx, req.Region, imageID, logger)
}

// findImage returns the self-owned image with the exact name, or nil
func (r *Reconciler) findImage(ctx context.Context, region, name string) (*cloud.Image, error) {
	images, err := r.api.DescribeImages(ctx, region, name)
	if err != nil {
		return nil, fmt.Errorf("describe images in %s: %w", region, err)
	}
	for i := range images {
		if images[i].Name == name {
			return &images[i], nil
		}
	}
	return nil, nil
}

// waitImageAvailable polls the image until Available. The failure states
// are terminal and abort the wait immediately.
func (r *Reconciler) waitImageAvailable(ctx context.Context, region, imageID string, logger zerolog.Logger) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, imageWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(imagePollInterval)
	defer ticker.Stop()

	for {
		images, err := r.api.DescribeImages(ctx, region, "")
		if err == nil {
			var status cloud.ResourceStatus
			for _, img := range images {
				if img.ID == imageID {
					status = img.Status
					break
				}
			}
			switch status {
			case cloud.StatusAvailable:
				return imageID, nil
			case cloud.StatusCreateFailed, cloud.StatusUnavailable, cloud.StatusDeprecated:
				return "", fmt.Errorf("image %s in %s entered terminal status %s", imageID, region, status)
			default:
				logger.Debug().Str("image_id", imageID).Str("status", string(status)).Msg("Waiting for image")
			}
		} else {
			logger.Warn().Err(err).Msg("Describe images failed, retrying")
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timeout waiting for image %s in %s", imageID, region)
		case <-ticker.C:
		}
	}
}

// buildImage launches a temporary builder instance, provisions it over SSH,
// snapshots it to the named image and deletes the builder.
func (r *Reconciler) buildImage(ctx context.Context, req Request, nc netContext, logger zerolog.Logger) (string, error) {
	build := req.Build

	name := fmt.Sprintf("burrow-builder-%s", uuid.NewString()[:8])
	ids, err := r.api.RunInstances(ctx, cloud.LaunchSpec{
		Region:          req.Region,
		Zone:            nc.zone.ZoneID,
		ImageID:         build.BaseImageID,
		InstanceType:    build.InstanceType,
		SubnetID:        nc.zone.SubnetID,
		SecurityGroupID: nc.sgID,
		KeyPairName:     req.KeyPairName,
		Name:            name,
		Count:           1,
		Charging:        cloud.ChargingOnDemand,
		Tags:            req.Tags,
	})
	if err != nil {
		return "", fmt.Errorf("launch builder: %w", err)
	}
	builderID := ids[0]
	logger.Info().Str("builder_id", builderID).Msg("Launched builder instance")

	defer func() {
		if err := r.deleteBuilder(context.WithoutCancel(ctx), req.Region, builderID); err != nil {
			logger.Warn().Err(err).Str("builder_id", builderID).Msg("Failed to delete builder instance")
		}
	}()

	ip, err := r.waitBuilderRunning(ctx, req.Region, builderID)
	if err != nil {
		return "", err
	}

	user := build.SSHUser
	if user == "" {
		user = "root"
	}
	if err := r.runBuildScript(ctx, ip, user, req.Key, build.Script, logger); err != nil {
		return "", err
	}

	if err := r.api.StopInstance(ctx, req.Region, builderID, false, cloud.StopCharging); err != nil {
		return "", fmt.Errorf("stop builder %s: %w", builderID, err)
	}
	err = r.waiter.WaitFor(ctx, func(ctx context.Context) (bool, error) {
		states, err := r.api.DescribeInstances(ctx, req.Region, []string{builderID})
		if err != nil {
			return false, err
		}
		return len(states) == 1 && states[0].Status == string(types.InstanceStatusStopped), nil
	}, fmt.Sprintf("builder %s stopped", builderID))
	if err != nil {
		return "", err
	}

	imageID, err := r.api.CreateImage(ctx, req.Region, builderID, req.ImageName)
	if err != nil {
		return "", fmt.Errorf("snapshot builder %s to image: %w", builderID, err)
	}
	logger.Info().Str("image_id", imageID).Msg("Created image from builder")
	return imageID, nil
}

// waitBuilderRunning polls the builder until Running with a public IP
func (r *Reconciler) waitBuilderRunning(ctx context.Context, region, builderID string) (string, error) {
	var ip string
	err := r.waiter.WaitFor(ctx, func(ctx context.Context) (bool, error) {
		states, err := r.api.DescribeInstances(ctx, region, []string{builderID})
		if err != nil {
			return false, err
		}
		if len(states) != 1 || states[0].Status != string(types.InstanceStatusRunning) {
			return false, nil
		}
		if states[0].PublicIP == "" {
			allocated, err := r.api.AllocatePublicIP(ctx, region, builderID)
			if err != nil {
				return false, err
			}
			ip = allocated
			return true, nil
		}
		ip = states[0].PublicIP
		return true, nil
	}, fmt.Sprintf("builder %s running", builderID))
	if err != nil {
		return "", err
	}
	return ip, nil
}

// runBuildScript connects over SSH (retrying until the daemon accepts
// connections) and runs the provisioning script.
func (r *Reconciler) runBuildScript(ctx context.Context, ip, user string, key *LocalKey, script string, logger zerolog.Logger) error {
	sshConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key.Signer())},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := net.JoinHostPort(ip, "22")

	deadline := time.Now().Add(builderSSHTimeout)
	var client *ssh.Client
	for {
		var err error
		client, err = ssh.Dial("tcp", addr, sshConfig)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ssh to builder %s: %w", addr, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	logger.Info().Str("host", ip).Msg("Running provisioning script")
	out, err := session.CombinedOutput(script)
	if len(out) > 0 {
		logger.Debug().Str("host", ip).Msg(string(out))
	}
	if err != nil {
		return fmt.Errorf("provisioning script failed on %s: %w", ip, err)
	}
	return nil
}

// deleteBuilder deletes the builder instance, retrying while the provider
// still reports it as initializing
func (r *Reconciler) deleteBuilder(ctx context.Context, region, builderID string) error {
	return retry.Do(
		func() error {
			return r.api.DeleteInstances(ctx, region, []string{builderID})
		},
		retry.RetryIf(cloud.IsInitializing),
		retry.Attempts(5),
		retry.Delay(5*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
	)
}
