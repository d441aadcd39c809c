package config

import "time"

const (
	SelectionTracker = "tracker"
	SelectionState   = "state"
)

type Config struct {
	Interval  time.Duration `mapstructure:"interval"`
	Selection string        `mapstructure:"selection"`
	// Ключ info, из которого читается срок оплаты
	DeadlineKey string `mapstructure:"deadline_key"`
	// Сколько ждать платеж без срока оплаты
	NoDeadlineExpiry time.Duration `mapstructure:"no_deadline_expiry"`
}
