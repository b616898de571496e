package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clusterkit/ecs-discovery/discovery"
	"github.com/clusterkit/ecs-discovery/ecs"
	"github.com/clusterkit/ecs-discovery/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ecs-discovery",
	Short: "Seed address source for clusters running on Alibaba Cloud ECS",
	Long: `Discovers candidate cluster peers by querying the ECS instance
inventory and prints them on a schedule. Intended both as a standalone
source process and as a reference for embedding the discovery and ecs
packages.
`,
	Run: func(cmd *cobra.Command, args []string) {
		healthCheckPort := viper.GetInt("health-check-port")

		service := ecs.NewService()
		defer service.Close()

		settings, err := clientSettingsFromViper()
		if err != nil {
			log.WithError(err).Fatal("Could not load ECS client settings")
		}
		service.Refresh(settings)

		// Credentials, session token and endpoint can rotate without a
		// restart: a config file change swaps the client while in-flight
		// queries finish on the old one.
		viper.OnConfigChange(func(fsnotify.Event) {
			settings, err := clientSettingsFromViper()
			if err != nil {
				log.WithError(err).Error("Ignoring config reload with invalid ECS client settings")
				return
			}

			log.Info("Reloading ECS client settings")
			service.Refresh(settings)
		})
		viper.WatchConfig()

		discoveryConfig := discovery.Config{
			HostType: viper.GetString("host-type"),
			AnyGroup: viper.GetBool("any-group"),
			Groups:   viper.GetStringSlice("groups"),
			ZoneIDs:  viper.GetStringSlice("zone-ids"),
			Tags:     viper.GetStringMapStringSlice("tags"),
			CacheTTL: viper.GetDuration("cache-ttl"),
		}

		provider, err := discovery.NewSeedProvider(service, discoveryConfig, &discovery.NetResolver{
			Port: viper.GetInt("seed-port"),
		})
		if err != nil {
			log.WithError(err).Fatal("Could not create seed provider")
		}

		log.WithFields(log.Fields{
			"region":            viper.GetString("region"),
			"host-type":         discoveryConfig.HostType,
			"any-group":         discoveryConfig.AnyGroup,
			"groups":            discoveryConfig.Groups,
			"zone-ids":          discoveryConfig.ZoneIDs,
			"cache-ttl":         discoveryConfig.CacheTTL,
			"health-check-port": healthCheckPort,
		}).Info("Got config")

		if viper.GetBool("auto-zone-attribute") {
			logZoneAttribute()
		}

		// Health check just proves a client can still be borrowed.
		healthCheckPath := "/healthz"
		http.HandleFunc(healthCheckPath, func(rw http.ResponseWriter, r *http.Request) {
			ref, err := service.Client()
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			ref.Release()

			fmt.Fprint(rw, "ok")
		})

		go func() {
			server := &http.Server{
				Addr:         fmt.Sprintf(":%v", healthCheckPort),
				Handler:      nil,
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			err := server.ListenAndServe()

			log.WithError(err).WithFields(log.Fields{
				"port": healthCheckPort,
				"path": healthCheckPath,
			}).Error("Could not start HTTP server for /healthz health checks")
		}()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

		ticker := time.NewTicker(viper.GetDuration("discovery-interval"))
		defer ticker.Stop()

		runDiscoveryRound(provider)
		for {
			select {
			case <-ticker.C:
				runDiscoveryRound(provider)
			case <-sigs:
				log.Info("Stopping")
				return
			}
		}
	},
}

func runDiscoveryRound(provider *discovery.SeedProvider) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	addresses, err := provider.SeedAddresses(ctx)
	if err != nil {
		log.WithError(err).Error("Discovery round failed")
		return
	}

	log.WithFields(log.Fields{
		"addresses": addresses,
		"count":     len(addresses),
	}).Info("Discovered seed addresses")
}

func clientSettingsFromViper() (ecs.ClientSettings, error) {
	return ecs.NewClientSettings(
		viper.GetString("access-key-id"),
		viper.GetString("secret-access-key"),
		viper.GetString("session-token"),
		viper.GetString("region"),
		viper.GetString("endpoint"),
	)
}

// logZoneAttribute self-describes the local node's availability zone from
// the instance metadata service. Failure is non-fatal; off-cloud runs just
// don't get the attribute.
func logZoneAttribute() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := ecs.NewMetadataClient(viper.GetString("metadata-endpoint"))
	zoneID, err := client.ZoneID(ctx)
	if err != nil {
		log.WithError(err).Warn("Could not read zone-id from the instance metadata service")
		return
	}

	log.WithFields(log.Fields{
		"zone-id": zoneID,
	}).Info("Using local zone attribute")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	var logLevel string
	var jsonLogs bool

	// General config options
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Set the log level. Valid values: panic, fatal, error, warn, info, debug, trace")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-log", false, "Emit logs as JSON")

	// ECS client settings. Credentials and endpoint are reloadable via the
	// config file.
	rootCmd.PersistentFlags().String("region", "", "The ECS region to query")
	rootCmd.PersistentFlags().String("access-key-id", "", "The access key id to use. Leave blank together with secret-access-key to use environment, profile or instance RAM role credentials")
	rootCmd.PersistentFlags().String("secret-access-key", "", "The secret access key to use")
	rootCmd.PersistentFlags().String("session-token", "", "The STS session token to use. Requires access-key-id and secret-access-key")
	rootCmd.PersistentFlags().String("endpoint", "", "An override for the ECS API endpoint")

	// Discovery behaviour
	rootCmd.PersistentFlags().String("host-type", discovery.HostTypePrivateIP, "How to derive a seed address from an instance: 'private_ip', 'public_ip' or 'tag:<name>'")
	rootCmd.PersistentFlags().Bool("any-group", true, "Match instances in any of the configured security groups rather than requiring all of them")
	rootCmd.PersistentFlags().StringSlice("groups", nil, "Security group ids instances must belong to")
	rootCmd.PersistentFlags().StringSlice("zone-ids", nil, "Availability zone ids to restrict discovery to")
	rootCmd.PersistentFlags().Duration("cache-ttl", discovery.DefaultCacheTTL, "How long to reuse a fetched seed list before querying the API again")
	rootCmd.PersistentFlags().Int("seed-port", 9300, "The port appended to discovered addresses that don't carry one")
	rootCmd.PersistentFlags().Duration("discovery-interval", 30*time.Second, "How often to run a discovery round")

	// Tag filters ("tags" in the config file, key -> list of values) can't
	// be expressed as a flag and are read from the config file only.

	// Instance metadata
	rootCmd.PersistentFlags().String("metadata-endpoint", "", "An override for the instance metadata service endpoint")
	rootCmd.PersistentFlags().Bool("auto-zone-attribute", false, "Read the local node's availability zone from the instance metadata service at startup")

	rootCmd.PersistentFlags().IntP("health-check-port", "", 8080, "The port that the health check should run on")

	// Bind these to viper
	cobra.CheckErr(viper.BindPFlags(rootCmd.PersistentFlags()))

	// Run this before we do anything to set up the loglevel
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if lvl, err := log.ParseLevel(logLevel); err == nil {
			log.SetLevel(lvl)
		} else {
			log.SetLevel(log.InfoLevel)
			log.WithFields(log.Fields{
				"error": err,
			}).Error("Could not parse log level")
		}

		if jsonLogs {
			logging.ConfigureLogrusJSON(log.StandardLogger())
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("ecs-discovery")
	}

	viper.SetEnvPrefix("ECS_DISCOVERY")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log.WithFields(log.Fields{
			"config": viper.ConfigFileUsed(),
		}).Info("Using config file")
	}
}
