package main

import (
	"fmt"

	"github.com/spf13/cobra"

	awscloud "github.com/cuemby/burrow/pkg/cloud/aws"
	"github.com/cuemby/burrow/pkg/cleanup"
	"github.com/cuemby/burrow/pkg/inventory"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete burrow-tagged instances and infra",
	Long: `Sweep regions for instances carrying the burrow tag pair and
delete them. Running instances are force-stopped first.

With --inventory the sweep is replaced by deleting exactly the
instances recorded in a prior run's inventory file.

Examples:
  # Sweep two regions for a user's instances
  burrow cleanup --regions us-east-1,eu-west-1 --user-tag alice

  # Delete the instances of a recorded run
  burrow cleanup --inventory hosts.json

  # Also remove the VPCs and their subnets
  burrow cleanup --user-tag alice --delete-network`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().StringSlice("regions", nil, "Regions to sweep (default: all provider regions)")
	cleanupCmd.Flags().String("inventory", "", "Delete the instances of this inventory file instead of sweeping")
	cleanupCmd.Flags().String("user-tag", "", "User tag value scoping the sweep")
	cleanupCmd.Flags().Bool("delete-network", false, "Also delete prefixed VPCs and subnets")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	regions, _ := cmd.Flags().GetStringSlice("regions")
	inventoryPath, _ := cmd.Flags().GetString("inventory")
	userTag, _ := cmd.Flags().GetString("user-tag")
	deleteNetwork, _ := cmd.Flags().GetBool("delete-network")

	api, err := awscloud.NewClient(cmd.Context())
	if err != nil {
		return err
	}
	sweeper := cleanup.NewSweeper(api)

	if inventoryPath != "" {
		inv, err := inventory.Load(inventoryPath)
		if err != nil {
			return err
		}
		return sweeper.FromInventory(cmd.Context(), inv)
	}

	if userTag == "" {
		return fmt.Errorf("--user-tag is required unless --inventory is given")
	}

	return sweeper.Run(cmd.Context(), cleanup.Options{
		Regions:       regions,
		UserTagValue:  userTag,
		DeleteNetwork: deleteNetwork,
	})
}
