package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/MrWong99/procagent/internal/resilience"
	"github.com/MrWong99/procagent/internal/tool"
)

// Weather is the get_weather tool. It queries a JSON weather endpoint:
//
//	GET {BaseURL}?q=<city>&units=<metric|imperial>&appid=<APIKey>
//
// and returns the decoded body alongside the request parameters. Calls go
// through a circuit breaker.
type Weather struct {
	cfg     WeatherConfig
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

var _ tool.Tool = (*Weather)(nil)

// NewWeather returns a get_weather tool for cfg.
func NewWeather(cfg WeatherConfig) *Weather {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Weather{
		cfg:    cfg,
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         NameWeather,
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		}),
	}
}

// Spec implements [tool.Tool].
func (w *Weather) Spec() tool.Spec {
	return tool.Spec{
		Name:        NameWeather,
		Description: "Get current weather information for a city.",
		Parameters: []tool.ParameterSpec{
			{Name: "city", Type: tool.ParamString, Description: "The city name", Required: true},
			{
				Name:        "units",
				Type:        tool.ParamString,
				Description: "Temperature units (metric or imperial)",
				Enum:        []string{"metric", "imperial"},
			},
		},
	}
}

// Execute implements [tool.Tool].
func (w *Weather) Execute(ctx context.Context, args map[string]any) (any, error) {
	city, _ := tool.String(args, "city")
	units, ok := tool.String(args, "units")
	if !ok {
		units = "metric"
	}

	var body map[string]any
	err := w.breaker.Execute(func() error {
		var err error
		body, err = w.fetch(ctx, city, units)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"city":    city,
		"units":   units,
		"weather": body,
	}, nil
}

func (w *Weather) fetch(ctx context.Context, city, units string) (map[string]any, error) {
	u, err := url.Parse(w.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("weather: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("q", city)
	q.Set("units", units)
	if w.cfg.APIKey != "" {
		q.Set("appid", w.cfg.APIKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("weather: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: request: %w", redactURL(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("weather: upstream status %d: %s", resp.StatusCode, msg)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("weather: decode response: %w", err)
	}
	return body, nil
}

// redactURL drops the query string, which carries the API key, from the URL
// that net/http puts into transport errors.
func redactURL(err error) error {
	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return err
	}
	u, perr := url.Parse(uerr.URL)
	if perr != nil {
		return uerr.Err
	}
	u.RawQuery = ""
	return &url.Error{Op: uerr.Op, URL: u.String(), Err: uerr.Err}
}
