// README: Weather lookups used to decide the rain surcharge.
package maps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dispatchd/internal/clock"
	"dispatchd/internal/types"
)

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("weather http %d: %s", e.Code, e.Body)
}

// WeatherService queries an OpenWeatherMap-compatible current-weather endpoint.
type WeatherService struct {
	baseURL string
	apiKey  string
	session *http.Client
	retry   retryPolicy
}

func NewWeatherService(baseURL, apiKey string, clk clock.Clock) *WeatherService {
	return &WeatherService{
		baseURL: baseURL,
		apiKey:  apiKey,
		session: &http.Client{Timeout: 5 * time.Second},
		retry:   defaultRetry(clk),
	}
}

type weatherResponse struct {
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
}

func (s *WeatherService) Conditions(ctx context.Context, p types.Point) (Weather, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(p.Lat, 'f', 4, 64))
	q.Set("lon", strconv.FormatFloat(p.Lng, 'f', 4, 64))
	if s.apiKey != "" {
		q.Set("appid", s.apiKey)
	}
	endpoint := s.baseURL + "?" + q.Encode()

	var out Weather
	err := s.retry.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.session.Do(req)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return permanent(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			he := &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
			switch resp.StatusCode {
			case 429, 500, 502, 503, 504:
				return he
			}
			return permanent(he)
		}

		var body weatherResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return permanent(fmt.Errorf("decode weather: %w", err))
		}
		out = Weather{}
		for _, w := range body.Weather {
			switch strings.ToLower(w.Main) {
			case "rain", "drizzle", "thunderstorm":
				out.Raining = true
			}
			if out.Summary == "" {
				out.Summary = w.Description
			}
		}
		return nil
	})
	return out, err
}
