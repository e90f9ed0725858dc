package cmd

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"

	"github.com/legacyguard/shield/dev/config"
	"github.com/legacyguard/shield/server"
	"github.com/legacyguard/shield/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start a shield server",
	Long:  `The shield server houses the emergency access flow: protocols, time locks, verification and contact notifications`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start(serverConfig(), isDevEnv)
	},
}

var serverConfigFile string

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&serverConfigFile, "sconfig", "", "Config for server")
}

func serverConfig() *viper.Viper {
	viperConfig := viper.New()

	if isDevEnv {
		serverConfigFile = devConfigFilePath()
	}

	viperConfig.SetConfigFile(serverConfigFile)
	viperConfig.AutomaticEnv()

	if err := viperConfig.ReadInConfig(); err != nil {
		log.Panic(fmt.Sprintf("error reading server config file: %v", err))
	}

	return viperConfig
}

// devConfigFilePath materializes the built-in dev config as
// dev/config/server.yml in the working directory, and returns its path.
func devConfigFilePath() string {
	workingDir, err := os.Getwd()
	if err != nil {
		log.Panic(err)
	}

	configDir := filepath.Join(workingDir, "dev", "config")
	if err := utils.CreateDirIfNotExist(configDir); err != nil {
		log.Panic(err)
	}

	configFilePath := filepath.Join(configDir, "server.yml")
	if !utils.FileExist(configFilePath) {
		if err := ioutil.WriteFile(configFilePath, []byte(config.SERVER_YML), 0600); err != nil {
			log.Panic(err)
		}
	}

	return configFilePath
}
