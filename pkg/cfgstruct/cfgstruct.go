// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds tagged configuration structs to flag sets.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Bind registers a flag for every field of config, which must be a pointer
// to a struct. Flag names are derived from the field path, lowercased and
// hyphenated, e.g. Rerank.MinCandidates becomes rerank.min-candidates.
// Supported field kinds: string, bool, int, int64, float64, time.Duration
// and []string. Nested structs recurse with a dotted prefix.
func Bind(flags *pflag.FlagSet, config interface{}) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %T, expected pointer to struct", config))
	}
	bindStruct(flags, "", ptr.Elem())
}

func bindStruct(flags *pflag.FlagSet, prefix string, val reflect.Value) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field, fieldval := typ.Field(i), val.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}

		name := hyphenate(field.Name)
		if prefix != "" {
			name = prefix + "." + name
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			bindStruct(flags, name, fieldval)
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		bindField(flags, name, help, def, fieldval)
	}
}

func bindField(flags *pflag.FlagSet, name, help, def string, val reflect.Value) {
	addr := val.Addr().Interface()
	switch target := addr.(type) {
	case *time.Duration:
		flags.DurationVar(target, name, parseDuration(name, def), help)
	case *string:
		flags.StringVar(target, name, def, help)
	case *bool:
		flags.BoolVar(target, name, parseBool(name, def), help)
	case *int:
		flags.IntVar(target, name, int(parseInt(name, def)), help)
	case *int64:
		flags.Int64Var(target, name, parseInt(name, def), help)
	case *float64:
		flags.Float64Var(target, name, parseFloat(name, def), help)
	case *[]string:
		var defs []string
		if def != "" {
			defs = strings.Split(def, ",")
		}
		flags.StringSliceVar(target, name, defs, help)
	default:
		panic(fmt.Sprintf("unsupported configuration field %q of type %v", name, val.Type()))
	}
}

func hyphenate(field string) string {
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && field[i-1] >= 'a' && field[i-1] <= 'z' {
				b.WriteByte('-')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseDuration(name, def string) time.Duration {
	if def == "" {
		return 0
	}
	d, err := time.ParseDuration(def)
	if err != nil {
		panic(fmt.Sprintf("invalid duration default for %q: %v", name, err))
	}
	return d
}

func parseBool(name, def string) bool {
	if def == "" {
		return false
	}
	v, err := strconv.ParseBool(def)
	if err != nil {
		panic(fmt.Sprintf("invalid bool default for %q: %v", name, err))
	}
	return v
}

func parseInt(name, def string) int64 {
	if def == "" {
		return 0
	}
	v, err := strconv.ParseInt(def, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid integer default for %q: %v", name, err))
	}
	return v
}

func parseFloat(name, def string) float64 {
	if def == "" {
		return 0
	}
	v, err := strconv.ParseFloat(def, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid float default for %q: %v", name, err))
	}
	return v
}
