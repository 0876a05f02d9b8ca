package config

import (
	"fmt"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ValidateConfig validates a normalized configuration.
func ValidateConfig(cfg *GatewayConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := validation.ValidateStruct(cfg,
		validation.Field(&cfg.Gateway, validation.By(validateServer)),
		validation.Field(&cfg.Log, validation.By(validateLog)),
		validation.Field(&cfg.Services, validation.Required.Error("at least one service must be configured")),
	); err != nil {
		return err
	}

	seenNames := make(map[string]bool)
	seenPaths := make(map[string]bool)
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if err := validateService(svc); err != nil {
			return fmt.Errorf("service %q: %w", svc.Name, err)
		}
		if seenNames[svc.Name] {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		if seenPaths[svc.BasePath] {
			return fmt.Errorf("duplicate base path: %s", svc.BasePath)
		}
		seenNames[svc.Name] = true
		seenPaths[svc.BasePath] = true
	}

	return nil
}

// validateServer validates the gateway listener settings.
func validateServer(value interface{}) error {
	sc, ok := value.(ServerConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ServerConfig")
	}
	return validation.ValidateStruct(&sc,
		validation.Field(&sc.Port, validation.Min(1), validation.Max(65535)),
		validation.Field(&sc.OpsPort, validation.Min(1), validation.Max(65535)),
	)
}

// validateLog validates the logging settings.
func validateLog(value interface{}) error {
	lc, ok := value.(LogConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a LogConfig")
	}
	return validation.ValidateStruct(&lc,
		validation.Field(&lc.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&lc.Format, validation.In("json", "console")),
	)
}

// validateService validates a single service descriptor.
func validateService(svc *Service) error {
	if err := validation.ValidateStruct(svc,
		validation.Field(&svc.Name, validation.Required),
		validation.Field(&svc.BasePath, validation.Required, validation.By(validateBasePath)),
		validation.Field(&svc.Instances, validation.Required.Error("at least one instance is required")),
		validation.Field(&svc.CircuitFailureThreshold, validation.Min(1)),
	); err != nil {
		return err
	}

	if svc.MaxRetries != nil && *svc.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative")
	}

	for _, instance := range svc.Instances {
		if err := validateInstanceURL(instance); err != nil {
			return err
		}
	}

	return nil
}

// validateBasePath checks that a routing prefix is absolute and clean.
func validateBasePath(value interface{}) error {
	path, _ := value.(string)
	if !strings.HasPrefix(path, "/") {
		return validation.NewError("validation_base_path", "must start with /")
	}
	if strings.HasSuffix(path, "/") && path != "/" {
		return validation.NewError("validation_base_path", "must not end with /")
	}
	return nil
}

// validateInstanceURL checks that an instance address is a usable base URL.
func validateInstanceURL(instance string) error {
	u, err := url.Parse(instance)
	if err != nil {
		return fmt.Errorf("invalid instance URL %q: %w", instance, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("instance URL %q must use http or https", instance)
	}
	if u.Host == "" {
		return fmt.Errorf("instance URL %q has no host", instance)
	}
	return nil
}
