package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	backendName     = "taler-merchant"
	protocolVersion = 3
)

// ValidateBackend проверяет /config бэкенда: имя, валюту и версию протокола.
func (s *service) ValidateBackend(ctx context.Context) error {
	if err := s.cfg.Provider.Validate(); err != nil {
		return err
	}

	cfg, err := s.client.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("we were unable to contact the Taler merchant backend for validation: %w", err)
	}
	if cfg.Name != backendName {
		return errors.New("API does not seem to be a Taler merchant backend")
	}

	kudos := cfg.Currency == testCurrency && s.cfg.Provider.TestModeKudos && s.cfg.Event.TestMode
	if cfg.Currency != s.cfg.Event.Currency && !kudos {
		return fmt.Errorf("this Taler merchant backend only supports payments in %s but your event uses %s",
			cfg.Currency, s.cfg.Event.Currency)
	}

	current, _, age, err := parseVersion(cfg.Version)
	if err != nil {
		return err
	}
	if current < protocolVersion || current-age > protocolVersion {
		return fmt.Errorf("this Taler merchant backend only supports protocol versions %d to %d, but we require version %d",
			current-age, current, protocolVersion)
	}

	s.zaplog.Sugar().Infof("merchant backend ok: currency %s, version %s", cfg.Currency, cfg.Version)
	return nil
}

// parseVersion разбирает версию вида "current:revision:age".
func parseVersion(version string) (current, revision, age int, err error) {
	parts := strings.Split(version, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid backend version %q", version)
	}
	var nums [3]int
	for i, p := range parts {
		nums[i], err = strconv.Atoi(p)
		if err != nil || nums[i] < 0 {
			return 0, 0, 0, fmt.Errorf("invalid backend version %q", version)
		}
	}
	return nums[0], nums[1], nums[2], nil
}
