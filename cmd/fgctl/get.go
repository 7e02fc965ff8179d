package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atomicgo/cursor"
	"github.com/jedib0t/go-pretty/v6/table"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/inventory"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/ledger"
)

var getCmd = &cobra.Command{
	Use:     "get",
	Aliases: []string{"g"},
	Short:   "get resources",
}

var claimsGetParams = []param{
	{name: flagWatch, shorthand: "", value: false, usage: "watch for the changes"},
}

var getDevicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"d", "device"},
	Short:   "list gpu devices and who holds them",
	Run: func(cmd *cobra.Command, args []string) {
		getDevices()
	},
}

var getClaimsCmd = &cobra.Command{
	Use:     "claims",
	Aliases: []string{"c", "claim"},
	Short:   "list active device claims",
	Run: func(cmd *cobra.Command, args []string) {
		getClaims()
	},
}

func getDevices() {
	inv, err := inventory.NewInventory()
	if err != nil {
		log.Fatal(err)
	}
	devices, err := inv.ListDevices()
	if err != nil {
		log.Fatal(err)
	}
	claims, err := activeClaimsSnapshot(ledger.New())
	if err != nil {
		log.Fatal(err)
	}

	if viper.GetString(flagOutput) == outJSON {
		data, err := json.MarshalIndent(devices, "", "  ")
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(data))
		return
	}
	to := &TableOutput{}
	to.header = table.Row{"Idx", "Path", "Name", "UUID", "Workload"}
	to.body, to.footer = buildDevicesTableBody(devices, claims)
	to.buildTable()
	to.print()
}

func getClaims() {
	led := ledger.New()

	if viper.GetString(flagOutput) == outJSON {
		claims, err := activeClaimsSnapshot(led)
		if err != nil {
			log.Fatal(err)
		}
		data, err := json.MarshalIndent(claims, "", "  ")
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(data))
		return
	}

	to := &TableOutput{}
	to.header = table.Row{"Device", "Workload", "State", "Age", "Created"}

	if viper.GetBool(flagWatch) {
		refreshCh := make(chan bool)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

		go func() {
			for {
				interval := viper.GetDuration("watchInterval")
				if interval == 0 {
					interval = 2 * time.Second
				}
				time.Sleep(interval)
				refreshCh <- true
			}
		}()

		for {
			select {
			case <-sigCh:
				cursor.ClearLine()
				log.Info("shutting down")
				os.Exit(0)
			case <-refreshCh:
				claims, err := activeClaimsSnapshot(led)
				if err != nil {
					log.Fatalf("error watching claims, err: %s", err)
				}
				to.body, to.footer = buildClaimsTableBody(claims)
				to.buildTable()
				to.print()
			}
		}
	} else {
		claims, err := activeClaimsSnapshot(led)
		if err != nil {
			log.Fatal(err)
		}
		to.body, to.footer = buildClaimsTableBody(claims)
		to.buildTable()
		to.print()
	}
}

func buildDevicesTableBody(devices []inventory.Device, claims []ledger.Claim) (body []table.Row, footer table.Row) {
	heldBy := make(map[int]string)
	for _, c := range claims {
		heldBy[c.DeviceIndex] = c.WorkloadID
	}
	free := 0
	for _, d := range devices {
		workload := heldBy[d.Index]
		if workload == "" {
			workload = "-"
			free++
		}
		body = append(body, table.Row{d.Index, d.Path, d.Name, d.UUID, workload})
	}
	footer = table.Row{len(devices), "", "", "", fmt.Sprintf("%d free", free)}
	return body, footer
}

func buildClaimsTableBody(claims []ledger.Claim) (body []table.Row, footer table.Row) {
	pending, bound := 0, 0
	for _, c := range claims {
		if c.State == ledger.StatePending {
			pending++
		} else {
			bound++
		}
		body = append(body, table.Row{
			c.DeviceIndex,
			c.WorkloadID,
			string(c.State),
			claimAge(c),
			c.CreatedAt.Format(time.RFC3339),
		})
	}
	footer = table.Row{len(claims), "", "", "", fmt.Sprintf("%d pending / %d bound", pending, bound)}
	return body, footer
}
