package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/inventory"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/launcher"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/ledger"
	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/reconciler"
)

type param struct {
	name      string
	shorthand string
	value     interface{}
	usage     string
	required  bool
}

var (
	Version    string
	Build      string
	rootParams = []param{
		{name: "config", shorthand: "c", value: ".", usage: "path to configuration file"},
		{name: "json-log", shorthand: "", value: false, usage: "output logs in json format"},
		{name: "verbose", shorthand: "", value: false, usage: "enable verbose logs"},
	}
	startParams = []param{
		{name: "metrics-addr", shorthand: "a", value: "0.0.0.0:2112", usage: "listen address for the prometheus metrics endpoint"},
	}
	fgdVersion = &cobra.Command{
		Use:   "version",
		Short: "Print fgd version and build sha",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("🐾 version: %s build: %s \n", Version, Build)
		}}
	fgdStart = &cobra.Command{
		Use:   "start",
		Short: "Start gpu fleet daemon: claim reconciler and metrics exporter",
		Run: func(cmd *cobra.Command, args []string) {
			startDaemon()
		},
	}
	rootCmd = &cobra.Command{
		Use:   "fgd",
		Short: "fgd - gpu fleet claim reconciler and metrics daemon",
	}
)

func startDaemon() {
	inv, err := inventory.NewInventory()
	if err != nil {
		log.Fatalf("failed to init device inventory, err: %s", err)
	}
	lnch, err := launcher.NewLauncher()
	if err != nil {
		log.Fatalf("failed to init workload launcher, err: %s", err)
	}
	led := ledger.New()

	ctx, cancel := context.WithCancel(context.Background())
	// reclaim stale claims in the background
	reconciler.New(led, lnch).Start(ctx)
	// expose fleet state to prometheus
	startExporter(inv, led)
	// handle interrupts
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	for {
		select {
		case s := <-sigCh:
			log.Infof("signal: %s, shutting down", s)
			cancel()
			log.Info("bye bye 👋")
			os.Exit(0)
		}
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	setParams(rootParams, rootCmd)
	setParams(startParams, fgdStart)
	rootCmd.AddCommand(fgdVersion)
	rootCmd.AddCommand(fgdStart)
}

func initConfig() {
	viper.AutomaticEnv()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(viper.GetString("config"))
	viper.SetEnvPrefix("FLEETGPU")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setupLogging()
	err := viper.ReadInConfig()
	if err != nil {
		log.Fatalf("config file not found, err: %s", err)
	}
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Infof("config file changed: %s, new tunables apply on the next pass", e.Name)
	})
}

func setParams(params []param, command *cobra.Command) {
	for _, param := range params {
		switch v := param.value.(type) {
		case int:
			command.PersistentFlags().IntP(param.name, param.shorthand, v, param.usage)
		case string:
			command.PersistentFlags().StringP(param.name, param.shorthand, v, param.usage)
		case bool:
			command.PersistentFlags().BoolP(param.name, param.shorthand, v, param.usage)
		}
		if err := viper.BindPFlag(param.name, command.PersistentFlags().Lookup(param.name)); err != nil {
			panic(err)
		}
	}
}

func setupLogging() {

	// Set log verbosity
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
		log.SetReportCaller(true)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
			CallerPrettyfier: func(frame *runtime.Frame) (function string, file string) {
				fileName := fmt.Sprintf(" [%s]", path.Base(frame.Function)+":"+strconv.Itoa(frame.Line))
				return "", fileName
			},
		})
	} else {
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	// Set log format
	if viper.GetBool("json-log") {
		log.SetFormatter(&log.JSONFormatter{})
	}

	// Logs are always goes to STDOUT
	log.SetOutput(os.Stdout)
}

func main() {

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

}
