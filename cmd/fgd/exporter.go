package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/inventory"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/ledger"
)

var (
	hostname = ""

	deviceTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetgpu",
		Subsystem: "device",
		Name:      "total",
		Help:      "gpu devices discovered on the node",
	}, []string{"backend", "node_name"})

	deviceFree = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetgpu",
		Subsystem: "device",
		Name:      "free",
		Help:      "gpu devices without an active claim",
	}, []string{"backend", "node_name"})

	claimActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetgpu",
		Subsystem: "claim",
		Name:      "active",
		Help:      "active claims by state",
	}, []string{"state", "node_name"})

	claimAgeSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetgpu",
		Subsystem: "claim",
		Name:      "age_seconds",
		Help:      "seconds since the claim was created",
	}, []string{"device_index", "workload", "state", "node_name"})
)

func setFleetMetrics(inv inventory.Inventory, led *ledger.Ledger) {
	devices, err := inv.ListDevices()
	if err != nil {
		log.Error(err)
		return
	}
	var claims []ledger.Claim
	err = led.WithShared(func() error {
		for _, c := range led.ActiveClaims() {
			claims = append(claims, *c)
		}
		return nil
	})
	if err != nil {
		log.Error(err)
		return
	}

	backend := viper.GetString("inventoryBackend")
	if backend == "" {
		backend = inventory.BackendXpuSmi
	}
	claimed := make(map[int]bool)
	for _, c := range claims {
		claimed[c.DeviceIndex] = true
	}
	free := 0
	for _, d := range devices {
		if !claimed[d.Index] {
			free++
		}
	}
	deviceTotal.WithLabelValues(backend, hostname).Set(float64(len(devices)))
	deviceFree.WithLabelValues(backend, hostname).Set(float64(free))

	// claims come and go, wipe before every pass
	claimActive.Reset()
	claimAgeSeconds.Reset()
	pending, bound := 0, 0
	for _, c := range claims {
		if c.State == ledger.StatePending {
			pending++
		} else {
			bound++
		}
		labels := []string{fmt.Sprintf("%d", c.DeviceIndex), c.WorkloadID, string(c.State), hostname}
		claimAgeSeconds.WithLabelValues(labels...).Set(time.Since(c.CreatedAt).Seconds())
	}
	claimActive.WithLabelValues(string(ledger.StatePending), hostname).Set(float64(pending))
	claimActive.WithLabelValues(string(ledger.StateBound), hostname).Set(float64(bound))
}

func setHostname() {
	hn, err := os.Hostname()
	if err != nil {
		log.Errorf("faild to detect node name, err: %s", err)
	}
	hostname = hn
}

func recordMetrics(inv inventory.Inventory, led *ledger.Ledger) {
	go func() {
		for {
			setFleetMetrics(inv, led)
			interval := viper.GetDuration("metricsScrapeInterval")
			if interval == 0 {
				interval = 15 * time.Second
			}
			time.Sleep(interval)
		}
	}()
}

func startExporter(inv inventory.Inventory, led *ledger.Ledger) {

	log.Info("starting gpu fleet metrics exporter")
	prometheus.MustRegister(deviceTotal)
	prometheus.MustRegister(deviceFree)
	prometheus.MustRegister(claimActive)
	prometheus.MustRegister(claimAgeSeconds)
	setHostname()
	recordMetrics(inv, led)
	addr := viper.GetString("metrics-addr")
	http.Handle("/metrics", promhttp.Handler())
	l, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error(err)
		return
	}
	log.Infof("metrics serving on http://%s/metrics", addr)
	go func() {
		if err := http.Serve(l, nil); err != nil {
			log.Error(err)
		}
	}()
}
