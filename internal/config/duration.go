// ABOUTME: Duration type accepting Go duration strings in JSON and YAML
// ABOUTME: "30s" and "1m30s" decode; bare numbers are taken as milliseconds

package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from "30s" style strings.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON encodes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := parseDuration(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalYAML accepts a duration string or a number of milliseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	parsed, err := parseDuration(v)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

func parseDuration(v any) (Duration, error) {
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", x, err)
		}
		return Duration(parsed), nil
	case float64:
		return Duration(time.Duration(x * float64(time.Millisecond))), nil
	case int:
		return Duration(time.Duration(x) * time.Millisecond), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("invalid duration %v", v)
	}
}
