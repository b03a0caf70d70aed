package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/sethvargo/go-retry"
)

const defaultWeatherURL = "https://api.openweathermap.org/data/2.5/weather"

var errWeatherUnavailable = errors.New("weather api unavailable")

// WeatherConfig OpenWeatherMap 查询配置。
// Retries 只作用于网络错误、429 与 5xx，退避受注册表的工具超时约束。
type WeatherConfig struct {
	APIKey    string
	BaseURL   string
	Client    *http.Client
	Retries   int
	RetryBase time.Duration
}

type owmResponse struct {
	Name string `json:"name"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Message string `json:"message"`
}

// WeatherTool weather_query：按城市名或 "lat,lon" 查询当前天气。
func WeatherTool(cfg WeatherConfig) Descriptor {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultWeatherURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}
	retries := max(cfg.Retries, 0)

	return Descriptor{
		Name:        "weather_query",
		Description: "查詢指定城市的當前天氣，city 使用英文城市名（例如 Taipei、Tokyo）或 lat,lon 座標",
		Input:       weatherInputSchema(),
		Output:      weatherOutputSchema(),
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			if cfg.APIKey == "" {
				return Result{}, ProviderError(errors.New("weather api key is not configured"))
			}

			city, _ := args["city"].(string)
			language, _ := args["language"].(string)
			if language == "" {
				language = "zh_tw"
			}

			backoff := retry.WithMaxRetries(uint64(retries), retry.WithJitterPercent(20, retry.NewExponential(retryBase)))
			data, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (*owmResponse, error) {
				data, err := fetchWeather(ctx, client, baseURL, cfg.APIKey, strings.TrimSpace(city), language)
				if err != nil && ctx.Err() == nil && transientWeatherError(err) {
					return nil, retry.RetryableError(err)
				}
				return data, err
			})
			if err != nil {
				return Result{}, err
			}

			description := ""
			if len(data.Weather) > 0 {
				description = data.Weather[0].Description
			}
			name := data.Name
			if name == "" {
				name = city
			}

			return Result{
				Content: fmt.Sprintf("%s：%s，氣溫 %.1f°C，濕度 %.0f%%", name, description, data.Main.Temp, data.Main.Humidity),
				Data: map[string]any{
					"city":        name,
					"temperature": data.Main.Temp,
					"description": description,
					"humidity":    data.Main.Humidity,
				},
			}, nil
		},
	}
}

func fetchWeather(ctx context.Context, client *http.Client, baseURL, apiKey, city, language string) (*owmResponse, error) {
	params := url.Values{}
	params.Set("appid", apiKey)
	params.Set("units", "metric")
	params.Set("lang", language)
	if lat, lon, ok := parseCoordinates(city); ok {
		params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
		params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	} else {
		params.Set("q", city)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, TransportError(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, TransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return nil, TransportError(err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ProviderError(errors.New("weather api unauthorized"))
	case http.StatusNotFound:
		return nil, ProviderError(fmt.Errorf("city %q not found", city))
	case http.StatusTooManyRequests:
		return nil, ProviderError(fmt.Errorf("%w: rate limited", errWeatherUnavailable))
	default:
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, ProviderError(fmt.Errorf("%w: status %d", errWeatherUnavailable, resp.StatusCode))
		}
		return nil, ProviderError(fmt.Errorf("weather api status %d", resp.StatusCode))
	}

	var out owmResponse
	if err := sonic.Unmarshal(body, &out); err != nil {
		return nil, &ToolError{Code: CodeInvalidOutput, Err: err}
	}
	return &out, nil
}

func transientWeatherError(err error) bool {
	var te *ToolError
	if errors.As(err, &te) && te.Code == CodeTransport {
		return true
	}
	return errors.Is(err, errWeatherUnavailable)
}

func parseCoordinates(s string) (float64, float64, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

func weatherInputSchema() *openapi3.Schema {
	city := openapi3.NewStringSchema()
	city.Description = "城市名稱（英文）或 lat,lon 座標"
	city.MinLength = 1

	language := openapi3.NewStringSchema().WithEnum("zh_tw", "en")
	language.Description = "回覆語言"

	s := openapi3.NewObjectSchema().
		WithProperty("city", city).
		WithProperty("language", language)
	s.Required = []string{"city"}
	return s
}

func weatherOutputSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema().
		WithProperty("city", openapi3.NewStringSchema()).
		WithProperty("temperature", openapi3.NewFloat64Schema()).
		WithProperty("description", openapi3.NewStringSchema()).
		WithProperty("humidity", openapi3.NewFloat64Schema())
	s.Required = []string{"city", "temperature", "description", "humidity"}
	return s
}

