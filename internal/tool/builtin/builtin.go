// Package builtin provides the general-purpose tools that ship with
// procagent: arithmetic, discounts, date handling and a weather lookup.
package builtin

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/MrWong99/procagent/internal/tool"
)

// Tool names.
const (
	NameAdd       = "add"
	NameCalculate = "calculate"
	NameDiscount  = "calculate_discount"
	NameDateTime  = "get_datetime_info"
	NameWeather   = "get_weather"
)

// Names lists every built-in tool in registration order.
var Names = []string{NameAdd, NameCalculate, NameDiscount, NameDateTime, NameWeather}

// Config selects and configures built-in tools.
type Config struct {
	// Enabled lists the tools to register. Empty enables all of them.
	Enabled []string

	// Weather configures get_weather. The tool is skipped when BaseURL is empty.
	Weather WeatherConfig

	// Now overrides the clock used by get_datetime_info.
	Now func() time.Time
}

// WeatherConfig configures the get_weather HTTP endpoint.
type WeatherConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Tools builds the enabled built-in tools.
func Tools(cfg Config) ([]tool.Tool, error) {
	for _, n := range cfg.Enabled {
		if !slices.Contains(Names, n) {
			return nil, fmt.Errorf("builtin: unknown tool %q", n)
		}
	}
	enabled := func(name string) bool {
		return len(cfg.Enabled) == 0 || slices.Contains(cfg.Enabled, name)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	var out []tool.Tool
	if enabled(NameAdd) {
		out = append(out, Add())
	}
	if enabled(NameCalculate) {
		out = append(out, Calculator())
	}
	if enabled(NameDiscount) {
		out = append(out, DiscountCalculator())
	}
	if enabled(NameDateTime) {
		out = append(out, DateTime(now))
	}
	if enabled(NameWeather) && cfg.Weather.BaseURL != "" {
		out = append(out, NewWeather(cfg.Weather))
	}
	return out, nil
}

// Register builds the enabled tools and registers them on r.
func Register(r *tool.Registry, cfg Config) error {
	tools, err := Tools(cfg)
	if err != nil {
		return err
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("builtin: %w", err)
		}
	}
	return nil
}
