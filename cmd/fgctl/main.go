package main

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type param struct {
	name      string
	shorthand string
	value     interface{}
	usage     string
	required  bool
}

const (
	outJSON  = "json"
	outTable = "table"
)

const (
	// flagConfig path to the configuration file.
	flagConfig = "config"
	// flagConfigS short form of flagConfig.
	flagConfigS = "c"
	// flagOutput defines output format.
	flagOutput = "output"
	// flagOutputS short form of flagOutput.
	flagOutputS = "o"
	// flagJSONLog enables log json.
	flagJSONLog = "json-log"
	// flagVerbose enables verbose logging.
	flagVerbose = "verbose"
	// flagWorkload the workload id to operate on.
	flagWorkload = "workload"
	// flagWorkloadS short form of flagWorkload.
	flagWorkloadS = "w"
	// flagImage overrides the configured workload image.
	flagImage = "image"
	// flagWatch re-renders the table on every change.
	flagWatch = "watch"
)

var (
	Version    string
	Build      string
	rootParams = []param{
		{name: flagConfig, shorthand: flagConfigS, value: ".", usage: "path to configuration file"},
		{name: flagJSONLog, shorthand: "", value: false, usage: "output logs in json format"},
		{name: flagVerbose, shorthand: "", value: false, usage: "enable verbose logs"},
		{name: flagOutput, shorthand: flagOutputS, value: outTable, usage: "output format, one of: table|json"},
		{name: flagWorkload, shorthand: flagWorkloadS, value: "", usage: "workload id to operate on"},
	}
)

var fgctlVersion = &cobra.Command{
	Use:   "version",
	Short: "Print fgctl version and build sha",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("🐾 version: %s build: %s \n", Version, Build)
	},
}

var rootCmd = &cobra.Command{
	Use:   "fgctl",
	Short: "fgctl - cli for gpu fleet allocation and monitoring",
}

func init() {
	cobra.OnInitialize(initConfig)
	setParams(rootParams, rootCmd)
	setParams(allocateParams, allocateCmd)
	setParams(claimsGetParams, getClaimsCmd)
	// resources
	getCmd.AddCommand(getDevicesCmd)
	getCmd.AddCommand(getClaimsCmd)
	// root commands
	rootCmd.AddCommand(allocateCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(fgctlVersion)
}

func initConfig() {
	viper.AutomaticEnv()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(viper.GetString(flagConfig))
	viper.SetEnvPrefix("FLEETGPU")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setupLogging()
	if err := viper.ReadInConfig(); err != nil {
		log.Debugf("no config file loaded, using flags and env only, err: %s", err)
	}
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
	if viper.GetBool(flagVerbose) {
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
	if viper.GetBool(flagJSONLog) {
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
