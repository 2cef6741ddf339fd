package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// configField is a leaf of Config addressed by its viper key.
type configField struct {
	Key   string
	Flag  string
	Usage string
	Type  reflect.Type
}

var durationType = reflect.TypeOf(time.Duration(0))

// RegisterFlags registers a flag for every Config field carrying a `flag` tag. Flag
// defaults are zero values; effective defaults come from DefaultConfig.
func RegisterFlags(flags *pflag.FlagSet) {
	for _, field := range collectConfigFields(reflect.TypeOf(Config{}), "") {
		if field.Flag == "" || flags.Lookup(field.Flag) != nil {
			continue
		}
		usage := field.Usage
		if usage == "" {
			usage = "override " + field.Key
		}

		switch {
		case field.Type == durationType:
			flags.Duration(field.Flag, 0, usage)
		case field.Type.Kind() == reflect.String:
			flags.String(field.Flag, "", usage)
		case field.Type.Kind() == reflect.Bool:
			flags.Bool(field.Flag, false, usage)
		case field.Type.Kind() == reflect.Int:
			flags.Int(field.Flag, 0, usage)
		case field.Type.Kind() == reflect.Float64:
			flags.Float64(field.Flag, 0, usage)
		}
	}
}

// applyFlags copies every explicitly set flag over the viper value it overrides.
func applyFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	for _, field := range collectConfigFields(reflect.TypeOf(Config{}), "") {
		if field.Flag == "" {
			continue
		}
		flag := flags.Lookup(field.Flag)
		if flag == nil || !flag.Changed {
			continue
		}
		parsed, err := parseStringByType(flag.Value.String(), field.Type)
		if err != nil {
			return fmt.Errorf("invalid value for --%s: %w", field.Flag, err)
		}
		v.Set(field.Key, parsed)
	}
	return nil
}

func collectConfigFields(structType reflect.Type, prefix string) []configField {
	var out []configField
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if field.PkgPath != "" {
			continue
		}
		key := strings.TrimSpace(strings.Split(field.Tag.Get("mapstructure"), ",")[0])
		if key == "-" {
			continue
		}
		if key == "" {
			key = toSnakeCase(field.Name)
		}
		if prefix != "" {
			key = prefix + "." + key
		}

		if field.Type.Kind() == reflect.Struct && field.Type != durationType {
			out = append(out, collectConfigFields(field.Type, key)...)
			continue
		}
		out = append(out, configField{
			Key:   key,
			Flag:  strings.TrimSpace(field.Tag.Get("flag")),
			Usage: strings.TrimSpace(field.Tag.Get("flag_usage")),
			Type:  field.Type,
		})
	}
	return out
}

func parseStringByType(value string, fieldType reflect.Type) (any, error) {
	trimmed := strings.TrimSpace(value)
	if fieldType == durationType {
		if trimmed == "" {
			return time.Duration(0), nil
		}
		return time.ParseDuration(trimmed)
	}

	switch fieldType.Kind() {
	case reflect.String:
		return trimmed, nil
	case reflect.Bool:
		if trimmed == "" {
			return false, nil
		}
		return strconv.ParseBool(trimmed)
	case reflect.Int:
		if trimmed == "" {
			return 0, nil
		}
		return strconv.Atoi(trimmed)
	case reflect.Float64:
		if trimmed == "" {
			return 0.0, nil
		}
		return strconv.ParseFloat(trimmed, 64)
	}
	return nil, fmt.Errorf("unsupported field type %s", fieldType.String())
}

func toSnakeCase(input string) string {
	var out strings.Builder
	out.Grow(len(input) + 8)
	for i, r := range input {
		if i > 0 && unicode.IsUpper(r) && !unicode.IsUpper(rune(input[i-1])) {
			out.WriteByte('_')
		}
		out.WriteRune(unicode.ToLower(r))
	}
	return out.String()
}
