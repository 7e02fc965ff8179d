package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/launcher"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/ledger"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/reconciler"
)

var reconcileCmd = &cobra.Command{
	Use:     "reconcile",
	Aliases: []string{"rec"},
	Short:   "run a single reconcile pass and reclaim stale claims",
	Run: func(cmd *cobra.Command, args []string) {
		runReconcile()
	},
}

func runReconcile() {
	lnch, err := launcher.NewLauncher()
	if err != nil {
		log.Fatal(err)
	}
	rec := reconciler.New(ledger.New(), lnch)
	reclaimed, err := rec.RunOnce(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("%d stale claims reclaimed", reclaimed)
}
