package config

import "time"

type Config struct {
	PushURL      string        `mapstructure:"push_url"`
	PushInterval time.Duration `mapstructure:"push_interval"`
	CommonLabels string        `mapstructure:"common_labels"`
}
