// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package utils

import (
	"strconv"
	"strings"
)

// Option is a loose bag of provider/handshake options. Keys are dotted paths
// ("listen.language", "speak.voice.id"); values come from configuration or
// the session query string, so getters tolerate mixed concrete types.
type Option map[string]interface{}

// GetString returns the string at key, or def when absent or not a string.
func (o Option) GetString(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// GetBool returns the bool at key. String forms "true"/"false" are accepted.
func (o Option) GetBool(key string, def bool) bool {
	v, ok := o[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}

// GetInt returns the int at key, accepting int, int64, float64 and numeric
// strings.
func (o Option) GetInt(key string, def int) int {
	v, ok := o[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// GetFloat returns the float64 at key.
func (o Option) GetFloat(key string, def float64) float64 {
	v, ok := o[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return def
}

// GetStringSlice returns the string slice at key. Accepts []string,
// []interface{} of strings, and the legacy "[a b c]" flat string form.
func (o Option) GetStringSlice(key string) []string {
	v, ok := o[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		trimmed := strings.Trim(t, "[]")
		if trimmed == "" {
			return nil
		}
		return strings.Fields(trimmed)
	}
	return nil
}

// Merge returns a new Option with entries from other overriding o.
func (o Option) Merge(other Option) Option {
	merged := make(Option, len(o)+len(other))
	for k, v := range o {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}
