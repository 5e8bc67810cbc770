package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/models"
)

// ToolFunc executes a tool with its JSON encoded arguments and returns its JSON encoded result.
type ToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Toolbox is a registry of the tools offered to the model.
type Toolbox struct {
	mu    sync.RWMutex
	defs  []models.Tool
	funcs map[string]ToolFunc

	logger *slog.Logger
}

// ErrUnknownTool is returned when the model calls a tool that isn't registered.
var ErrUnknownTool = errors.New("unknown tool")

// NewToolbox creates an empty Toolbox.
func NewToolbox(logger *slog.Logger) *Toolbox {
	return &Toolbox{
		funcs:  make(map[string]ToolFunc),
		logger: logger.With(slog.String("module", "tools")),
	}
}

// Register adds a tool. Registering a name twice replaces the earlier tool.
func (t *Toolbox) Register(def models.Tool, fn ToolFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.funcs[def.Name]; ok {
		for i, d := range t.defs {
			if d.Name == def.Name {
				t.defs[i] = def
			}
		}
	} else {
		t.defs = append(t.defs, def)
	}
	t.funcs[def.Name] = fn
}

// Tools returns the definitions of the registered tools in registration order.
func (t *Toolbox) Tools() []models.Tool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	res := make([]models.Tool, len(t.defs))
	copy(res, t.defs)
	return res
}

// Call runs the tool called name.
func (t *Toolbox) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	t.mu.RLock()
	fn, ok := t.funcs[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	start := time.Now()
	res, err := fn(ctx, args)
	if err != nil {
		t.logger.Warn("Tool call failed",
			slog.String("name", name),
			slog.String("args", string(args)),
			slog.String(errLoggerKey, err.Error()))
		return nil, err
	}
	t.logger.Debug("Tool called",
		slog.String("name", name),
		slog.String("args", string(args)),
		slog.Duration("took", time.Since(start)))
	return res, nil
}

// Weather fetches current conditions from the Open-Meteo forecast API.
type Weather struct {
	baseURL string
	client  *http.Client
}

const (
	openMeteoEndpoint = "https://api.open-meteo.com"

	// WeatherToolName is the name of the tool registered by RegisterWeather.
	WeatherToolName = "get_current_weather"
)

var weatherSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "latitude": {"type": "number", "description": "The latitude of the location"},
    "longitude": {"type": "number", "description": "The longitude of the location"}
  },
  "required": ["latitude", "longitude"]
}`)

// NewWeather creates a Weather client. An empty baseURL selects the public Open-Meteo API.
func NewWeather(baseURL string) Weather {
	if baseURL == "" {
		baseURL = openMeteoEndpoint
	}
	return Weather{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// RegisterWeather adds the get_current_weather tool backed by w to t.
func RegisterWeather(t *Toolbox, w Weather) {
	t.Register(models.Tool{
		Name:        WeatherToolName,
		Description: "Get the current weather at a location",
		InputSchema: weatherSchema,
	}, w.Call)
}

// Call implements ToolFunc. args must hold a latitude and a longitude.
func (w Weather) Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("error unmarshaling arguments: %w", err)
	}
	if params.Latitude == nil || params.Longitude == nil {
		return nil, errors.New("latitude and longitude are required")
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(*params.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(*params.Longitude, 'f', -1, 64))
	q.Set("current", "temperature_2m")
	q.Set("hourly", "temperature_2m")
	q.Set("daily", "sunrise,sunset")
	q.Set("timezone", "auto")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/v1/forecast?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather service returned %s: %s", resp.Status, body)
	}
	if !json.Valid(body) {
		return nil, errors.New("weather service returned invalid JSON")
	}

	return json.RawMessage(body), nil
}
