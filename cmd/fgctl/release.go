package main

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/allocator"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/inventory"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/launcher"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/ledger"
)

var releaseCmd = &cobra.Command{
	Use:     "release",
	Aliases: []string{"r", "rel"},
	Short:   "release the device held by a workload and stop the workload",
	Run: func(cmd *cobra.Command, args []string) {
		releaseDevice()
	},
}

func releaseDevice() {
	workloadID := viper.GetString(flagWorkload)
	if workloadID == "" {
		log.Fatal("--workload is required")
	}
	inv, err := inventory.NewInventory()
	if err != nil {
		log.Fatal(err)
	}
	lnch, err := launcher.NewLauncher()
	if err != nil {
		log.Fatal(err)
	}
	alloc := allocator.New(inv, lnch, ledger.New())
	if err := alloc.Release(context.Background(), workloadID); err != nil {
		if errors.Is(err, ledger.ErrClaimNotFound) {
			log.Fatalf("workload %s holds no device", workloadID)
		}
		log.Fatal(err)
	}
	log.Infof("workload %s released", workloadID)
}
