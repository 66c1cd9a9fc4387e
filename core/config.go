package core

import (
	"github.com/spf13/viper"
)

type Config struct {
	Provider ProviderConfig
	Module   ModuleConfig
}

type ProviderConfig struct {
	ManufacturerID string
	Model          string
	Description    string
	VersionMajor   uint16
	VersionMinor   uint16
	SerialNumber   string
	DatabaseType   string
	Slots          []*SlotsConfig
}

type ModuleConfig struct {
	Type string
}

type SlotsConfig struct {
	Label string
}

// InitConfig points viper at the usual config locations and reads the file.
// Called explicitly by the embedding application, not at import time.
func InitConfig() error {
	viper.SetConfigName("config")
	viper.AddConfigPath("/etc/tokencore/")
	viper.AddConfigPath("$HOME/.tokencore")
	viper.AddConfigPath("./")
	return viper.ReadInConfig()
}

func GetConfig() (*Config, error) {
	var conf Config
	err := viper.Unmarshal(&conf)
	if err != nil {
		return nil, err
	}
	return &conf, nil
}
