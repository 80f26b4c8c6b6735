package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/cloud"
	awscloud "github.com/cuemby/burrow/pkg/cloud/aws"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/infra"
	"github.com/cuemby/burrow/pkg/inventory"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/probe"
	"github.com/cuemby/burrow/pkg/provision"
	"github.com/cuemby/burrow/pkg/types"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a fleet of instances and write the host inventory",
	Long: `Reconcile infrastructure and launch instances in every configured
region until each region's node demand is satisfied or every
instance type and zone combination is exhausted.

A partial result is not a failure: the inventory lists what was
provisioned and the shortfall is logged. The command fails only
when every region fails.

Examples:
  # Provision per request.yaml, allow creating missing infra
  burrow create -c request.yaml --allow-create-infra

  # Only verify/create infrastructure, launch nothing
  burrow create -c request.yaml --allow-create-infra --infra-only`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringP("request-config", "c", "request.yaml", "Request config file")
	createCmd.Flags().StringP("output", "o", "hosts.json", "Host inventory output path")
	createCmd.Flags().String("log-root", "logs", "Root directory for per-run logs")
	createCmd.Flags().Bool("allow-create-infra", false, "Create missing infra resources")
	createCmd.Flags().Bool("infra-only", false, "Reconcile infra and exit without launching")
}

func runCreate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("request-config")
	outputPath, _ := cmd.Flags().GetString("output")
	logRoot, _ := cmd.Flags().GetString("log-root")
	allowCreate, _ := cmd.Flags().GetBool("allow-create-infra")
	infraOnly, _ := cmd.Flags().GetBool("infra-only")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	provider := cfg.AWS

	key, err := infra.LoadKey(provider.KeyPath())
	if err != nil {
		return err
	}

	api, err := awscloud.NewClient(cmd.Context())
	if err != nil {
		return err
	}

	req, err := buildRequest(provider, key, allowCreate, infraOnly)
	if err != nil {
		return err
	}

	orch := provision.NewOrchestrator(api, probe.NewPool(0))
	result, err := orch.Run(cmd.Context(), req)
	if err != nil {
		return err
	}

	if infraOnly {
		log.Info("Infra reconciled")
		return nil
	}

	inv := inventory.New(result.Hosts, logRoot)
	if err := inv.Write(outputPath); err != nil {
		return err
	}

	log.Logger.Info().
		Int("hosts", len(result.Hosts)).
		Int("shortfall", result.Shortfall).
		Str("inventory", outputPath).
		Msg("Provisioning finished")
	return nil
}

// buildRequest translates the config file into an orchestrator request
func buildRequest(provider *config.Provider, key *infra.LocalKey, allowCreate, infraOnly bool) (provision.Request, error) {
	infraName := fmt.Sprintf("%s-%s", types.CommonTagKey, provider.UserTag)

	regions := make([]provision.RegionRequest, 0, len(provider.Regions))
	for _, r := range provider.Regions {
		regions = append(regions, provision.RegionRequest{
			Region: r.Name,
			Count:  r.Count,
			Zones:  r.Zones,
		})
	}

	candidates := make([]types.InstanceType, 0, len(provider.InstanceTypes))
	for _, t := range provider.InstanceTypes {
		candidates = append(candidates, types.InstanceType{Name: t.Name, Nodes: t.Nodes})
	}

	ingress := make([]cloud.IngressRule, 0, len(provider.IngressPorts))
	for _, p := range provider.IngressPorts {
		ingress = append(ingress, cloud.IngressRule{
			Protocol:   p.Protocol,
			FromPort:   p.From,
			ToPort:     p.To,
			SourceCIDR: "0.0.0.0/0",
		})
	}

	var build *infra.BuildConfig
	if provider.Build != nil {
		script, err := os.ReadFile(provider.Build.ScriptPath)
		if err != nil {
			return provision.Request{}, fmt.Errorf("read build script: %w", err)
		}
		build = &infra.BuildConfig{
			BaseImageID:  provider.Build.BaseImageID,
			InstanceType: provider.Build.InstanceType,
			Script:       string(script),
			SSHUser:      provider.Build.SSHUser,
		}
	}

	launch := types.DefaultLaunchConfig(provider.UserTag)
	launch.Spot = provider.Spot
	if provider.SSHUser != "" {
		launch.SSHUser = provider.SSHUser
	}

	return provision.Request{
		Regions:         regions,
		Candidates:      candidates,
		Launch:          launch,
		InfraName:       infraName,
		VPCCIDR:         infra.DefaultVPCCIDR,
		ImageName:       provider.ImageName,
		Key:             key,
		KeyPairName:     infraName,
		ExtraIngress:    ingress,
		Build:           build,
		AllowCreate:     allowCreate,
		InfraOnly:       infraOnly,
		AdditionalNodes: provider.AdditionalNodes,
	}, nil
}
