package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/nimburion/txrunner/pkg/observability/logger"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "":
	case DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypePgx, DatabaseTypeSQLite,
		DatabaseTypeGormPostgres, DatabaseTypeGormSQLite:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required when database.type is set")
		}
	default:
		return fmt.Errorf("unsupported database.type: %s", c.Database.Type)
	}

	if c.Database.MaxIdleConns > c.Database.MaxOpenConns && c.Database.MaxOpenConns > 0 {
		return fmt.Errorf("database.max_idle_conns cannot exceed database.max_open_conns")
	}
	if c.Database.QueryTimeout < 0 || c.Database.StatementTimeout < 0 {
		return fmt.Errorf("database timeouts cannot be negative")
	}
	if c.Database.CircuitBreaker.MaxFailures < 0 || c.Database.CircuitBreaker.ResetTimeout < 0 {
		return fmt.Errorf("database.circuit_breaker values cannot be negative")
	}
	if c.Transaction.Timeout < 0 {
		return fmt.Errorf("transaction.timeout cannot be negative")
	}
	if _, err := c.Definition(); err != nil {
		return err
	}

	if _, err := logger.ParseLogLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("observability.log_level: %w", err)
	}
	if _, err := logger.ParseLogFormat(c.Observability.LogFormat); err != nil {
		return fmt.Errorf("observability.log_format: %w", err)
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		return fmt.Errorf("observability.tracing_sample_rate must be between 0 and 1")
	}
	if c.Observability.TracingEnabled && c.Observability.TracingEndpoint == "" {
		return fmt.Errorf("observability.tracing_endpoint is required when tracing is enabled")
	}
	return nil
}

// String returns the full configuration as a formatted string
func (c *Config) String() string {
	return formatStruct(reflect.ValueOf(c).Elem(), reflect.Value{}, "")
}

// Redacted returns the configuration with every value present in secrets masked.
// Pass the secrets Config returned by LoadWithSecrets.
func (c *Config) Redacted(secrets *Config) string {
	if secrets == nil {
		return c.String()
	}
	return formatStruct(reflect.ValueOf(c).Elem(), reflect.ValueOf(secrets).Elem(), "")
}

func formatStruct(v, mask reflect.Value, prefix string) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		if !value.CanInterface() {
			continue
		}

		var maskValue reflect.Value
		if mask.IsValid() {
			maskValue = mask.Field(i)
		}

		name := field.Name
		if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			name = tag
		}

		if value.Kind() == reflect.Struct && value.Type() != durationType {
			fmt.Fprintf(&sb, "%s%s:\n", prefix, name)
			sb.WriteString(formatStruct(value, maskValue, prefix+"  "))
			continue
		}

		display := value.Interface()
		if maskValue.IsValid() && !maskValue.IsZero() {
			display = "***"
		}
		fmt.Fprintf(&sb, "%s%s: %v\n", prefix, name, display)
	}
	return sb.String()
}
