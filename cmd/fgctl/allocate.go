package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/allocator"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/inventory"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/launcher"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/ledger"
)

var allocateParams = []param{
	{name: flagImage, shorthand: "", value: "", usage: "container image override for the docker launcher"},
}

var allocateCmd = &cobra.Command{
	Use:     "allocate",
	Aliases: []string{"a", "alloc"},
	Short:   "claim the lowest free gpu and launch a workload on it",
	Run: func(cmd *cobra.Command, args []string) {
		allocateDevice()
	},
}

func allocateDevice() {
	workloadID := viper.GetString(flagWorkload)
	if workloadID == "" {
		workloadID = fmt.Sprintf("wl-%s", uuid.New().String()[:8])
		log.Infof("no workload id given, generated: %s", workloadID)
	}
	if img := viper.GetString(flagImage); img != "" {
		viper.Set("workloadImage", img)
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
	allocation, err := alloc.Allocate(context.Background(), workloadID)
	if err != nil {
		if errors.Is(err, allocator.ErrNoDeviceAvailable) {
			log.Fatalf("no device available for workload %s, fleet is full", workloadID)
		}
		log.Fatal(err)
	}

	if viper.GetString(flagOutput) == outJSON {
		data, err := json.MarshalIndent(allocation, "", "  ")
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(data))
		return
	}
	to := &TableOutput{}
	to.header = table.Row{"Device", "Path", "Workload", "State", "Created"}
	to.body = []table.Row{{
		allocation.Device.Index,
		allocation.Device.Path,
		allocation.Claim.WorkloadID,
		string(allocation.Claim.State),
		allocation.Claim.CreatedAt.Format(time.RFC3339),
	}}
	to.footer = table.Row{"", "", "", "", ""}
	to.buildTable()
	to.print()
}
