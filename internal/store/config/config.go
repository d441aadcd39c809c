package config

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Driver string `mapstructure:"driver"`
	DBDsn  string `mapstructure:"db_dsn"`
}
