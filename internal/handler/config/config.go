package config

type Config struct {
	ServerAddr string `mapstructure:"server_addr"`
	// Секрет подписи JWT операторов
	OperatorSecret string `mapstructure:"operator_secret"`
}
