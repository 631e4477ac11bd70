// Package config loads configuration structs from environment variables,
// with optional .env file support for local development.
//
// Fields are mapped through `env` struct tags:
//
//	type Config struct {
//	    ListenAddr string        `env:"LISTEN_ADDR,default::8080"`
//	    Timeout    time.Duration `env:"TIMEOUT,default:30s"`
//	}
//
// Variable names are prefixed with LoadOptions.Prefix (default "LINK_").
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultPrefix is prepended to every environment variable name.
const DefaultPrefix = "LINK_"

// LoadOptions customizes configuration loading.
type LoadOptions struct {
	Prefix string // prefix for environment variable names (default "LINK_")
}

// Load populates cfg from the environment. A .env file in the working
// directory is read first if present; real environment variables win.
func Load(cfg interface{}, opts ...LoadOptions) error {
	options := LoadOptions{Prefix: DefaultPrefix}
	if len(opts) > 0 {
		options = opts[0]
	}

	// Best effort; a missing .env file is not an error.
	_ = godotenv.Load()

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: Load requires a pointer to a struct")
	}
	v = v.Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		envTag := field.Tag.Get("env")
		if envTag == "" {
			continue
		}

		parts := strings.Split(envTag, ",")
		envName := parts[0]
		defaultValue := ""
		required := false

		for _, part := range parts[1:] {
			switch {
			case strings.HasPrefix(part, "default:"):
				defaultValue = strings.TrimPrefix(part, "default:")
			case part == "required":
				required = true
			}
		}

		fullEnvName := options.Prefix + envName
		value := os.Getenv(fullEnvName)
		if value == "" {
			value = defaultValue
		}
		if value == "" && required {
			return fmt.Errorf("config: %s is required", fullEnvName)
		}

		if value != "" {
			if err := setFieldValue(v.Field(i), value); err != nil {
				return fmt.Errorf("config: %s: %w", fullEnvName, err)
			}
		}
	}

	return nil
}

// setFieldValue converts the string environment value into the field's type.
// Supported: string, []string (comma separated), int, int64, bool,
// time.Duration.
func setFieldValue(field reflect.Value, value string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		items := strings.Split(value, ",")
		out := make([]string, 0, len(items))
		for _, item := range items {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		field.Set(reflect.ValueOf(out))
	case reflect.Int, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		// Skip unsupported field types silently
		return nil
	}
	return nil
}
