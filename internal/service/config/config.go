package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Provider Provider `mapstructure:"provider"`
	Event    Event    `mapstructure:"event"`
	// Запас после крайнего срока, в течение которого платеж еще опрашивается
	PollMargin time.Duration `mapstructure:"poll_margin"`
}

// Provider настройки платежного провайдера Taler.
type Provider struct {
	MerchantAPIURL string `mapstructure:"merchant_api_url"`
	Instance       string `mapstructure:"instance"`
	MerchantAPIKey string `mapstructure:"merchant_api_key"`
	MaxPayDeadline int    `mapstructure:"max_pay_deadline"`
	RefundDelay    int    `mapstructure:"refund_delay"`
	TestModeKudos  bool   `mapstructure:"testmode_kudos"`
	AutoRefund     bool   `mapstructure:"auto_refund"`
}

type Event struct {
	Name      string `mapstructure:"name"`
	Currency  string `mapstructure:"currency"`
	TestMode  bool   `mapstructure:"testmode"`
	PublicURL string `mapstructure:"public_url"`
}

const (
	DefaultMaxPayDeadline = 60
	DefaultRefundDelay    = 60 * 24 * 7
	DefaultPollMargin     = time.Hour

	minPayDeadline = 2
	maxPayDeadline = 10080
	minRefundDelay = 2
)

func (p Provider) Validate() error {
	var errs []error
	if p.MerchantAPIURL == "" {
		errs = append(errs, errors.New("merchant_api_url is required"))
	} else if !strings.HasSuffix(p.MerchantAPIURL, "/") {
		errs = append(errs, errors.New("merchant_api_url needs to end with a /"))
	}
	if p.MerchantAPIKey == "" {
		errs = append(errs, errors.New("merchant_api_key is required"))
	}
	if p.MaxPayDeadline < minPayDeadline || p.MaxPayDeadline > maxPayDeadline {
		errs = append(errs, fmt.Errorf("max_pay_deadline must be between %d and %d minutes", minPayDeadline, maxPayDeadline))
	}
	if p.RefundDelay < minRefundDelay {
		errs = append(errs, fmt.Errorf("refund_delay must be at least %d minutes", minRefundDelay))
	}
	return errors.Join(errs...)
}
