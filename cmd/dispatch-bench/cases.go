// README: Bench cases: store connectivity, schema, request/driver/admin flows, single-assignment and throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dispatchd/internal/infra"
)

const (
	statusPass    = "PASS"
	statusFail    = "FAIL"
	statusPending = "PENDING"
	statusSkip    = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// requestID is the request created by the flow cases.
	requestID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := infra.NewDB(ctx, r.cfg.DSN); err == nil {
			r.db = db
		} else {
			fmt.Printf("postgres unavailable: %v\n", err)
		}
	}
	if r.cfg.RedisAddr != "" {
		if client, err := infra.NewRedis(ctx, r.cfg.RedisAddr, os.Getenv("DISPATCH_REDIS_PASSWORD")); err == nil {
			r.redis = client
		} else {
			fmt.Printf("redis unavailable: %v\n", err)
		}
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

var (
	pickup = map[string]any{"lat": 25.0330, "lng": 121.5654, "address": "Taipei 101"}
	drop   = map[string]any{"lat": 25.0478, "lng": 121.5170, "address": "Taipei Main Station"}
)

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres ping", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: statusFail, Note: "db not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Env: Redis ping", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: statusFail, Note: "redis not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: tablesExist},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodGet, "/health", "", nil)
			return expect(code, latency, err, http.StatusOK)
		}},
		{Name: "API: unauthenticated -> 401", Run: func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodPost, "/api/requests", "", map[string]any{})
			return expect(code, latency, err, http.StatusUnauthorized)
		}},

		{Name: "Pricing: quote", Run: needs(userToken, func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodPost, "/api/quotes", r.cfg.UserToken, map[string]any{
				"pickup": pickup, "drop": drop, "vehicle_class": "sedan",
			})
			return expect(code, latency, err, http.StatusOK)
		})},
		{Name: "Pricing: unknown vehicle class -> 422", Run: needs(userToken, func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodPost, "/api/quotes", r.cfg.UserToken, map[string]any{
				"pickup": pickup, "drop": drop, "vehicle_class": "hovercraft",
			})
			return expect(code, latency, err, http.StatusUnprocessableEntity)
		})},

		{Name: "Drivers: go online", Run: needs(driverTokens, func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			for i, tok := range r.cfg.DriverTokens {
				pos := map[string]any{"lat": 25.0330 + float64(i+1)*0.002, "lng": 121.5654}
				code, body, _, err := r.call(ctx, http.MethodPost, "/api/workers/me/online", tok, map[string]any{
					"vehicle_class": "sedan", "position": pos,
				})
				if err != nil || code != http.StatusOK {
					return Result{Status: statusFail, Note: fmt.Sprintf("driver %d: status=%d %s %v", i, code, body, err)}
				}
			}
			return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("drivers=%d", len(r.cfg.DriverTokens))}
		})},
		{Name: "Drivers: invalid coordinates -> 400", Run: needs(driverTokens, func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodPut, "/api/workers/me/location", r.cfg.DriverTokens[0], map[string]any{"lat": 123.0, "lng": 456.0})
			return expect(code, latency, err, http.StatusBadRequest)
		})},

		{Name: "Request: missing pickup -> 400", Run: needs(userToken, func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodPost, "/api/requests", r.cfg.UserToken, map[string]any{"drop": drop, "vehicle_class": "sedan"})
			return expect(code, latency, err, http.StatusBadRequest)
		})},
		{Name: "Request: create", Run: needs(userToken, func(ctx context.Context, r *Runner) Result {
			code, body, latency, err := r.call(ctx, http.MethodPost, "/api/requests", r.cfg.UserToken, map[string]any{
				"pickup": pickup, "drop": drop, "vehicle_class": "sedan",
			})
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			if code == http.StatusConflict {
				return Result{Status: statusPending, Latency: latency, Note: "requester already has an active request"}
			}
			if code != http.StatusCreated {
				return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
			}
			var created struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal(body, &created); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			r.requestID = created.ID
			return Result{Status: statusPass, Latency: latency, Note: "id=" + created.ID + " status=" + created.Status}
		})},
		{Name: "Request: duplicate active -> 409", Run: needsRequest(func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodPost, "/api/requests", r.cfg.UserToken, map[string]any{
				"pickup": pickup, "drop": drop, "vehicle_class": "sedan",
			})
			return expect(code, latency, err, http.StatusConflict)
		})},
		{Name: "Request: status", Run: needsRequest(func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodGet, "/api/requests/"+r.requestID, r.cfg.UserToken, nil)
			return expect(code, latency, err, http.StatusOK)
		})},
		{Name: "Request: events", Run: needsRequest(func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodGet, "/api/requests/"+r.requestID+"/events", r.cfg.UserToken, nil)
			return expect(code, latency, err, http.StatusOK)
		})},

		{Name: "Concurrency: single assignment under parallel accepts", Run: needsRequest(concurrentAccept)},

		{Name: "Admin: re-dispatch", Run: needsRequest(func(ctx context.Context, r *Runner) Result {
			if r.cfg.AdminToken == "" {
				return Result{Status: statusSkip, Note: "no admin token"}
			}
			code, _, latency, err := r.call(ctx, http.MethodPost, "/api/admin/requests/"+r.requestID+"/reassign", r.cfg.AdminToken, nil)
			return expect(code, latency, err, http.StatusOK, http.StatusConflict)
		})},
		{Name: "Request: cancel", Run: needsRequest(func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodPost, "/api/requests/"+r.requestID+"/cancel", r.cfg.UserToken, map[string]any{"reason": "bench"})
			return expect(code, latency, err, http.StatusOK)
		})},
		{Name: "Request: cancelled is terminal -> 409", Run: needsRequest(func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodPost, "/api/requests/"+r.requestID+"/cancel", r.cfg.UserToken, nil)
			return expect(code, latency, err, http.StatusConflict)
		})},

		{Name: "Perf: location update throughput", Run: needs(driverTokens, func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, http.MethodPut, "/api/workers/me/location", r.cfg.DriverTokens[0], map[string]any{"lat": 25.0331, "lng": 121.5655})
		})},
		{Name: "Perf: quote throughput", Run: needs(userToken, func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, http.MethodPost, "/api/quotes", r.cfg.UserToken, map[string]any{
				"pickup": pickup, "drop": drop, "vehicle_class": "sedan",
			})
		})},
	}
}

func userToken(r *Runner) string {
	if r.cfg.UserToken == "" {
		return "no user token"
	}
	return ""
}

func driverTokens(r *Runner) string {
	if len(r.cfg.DriverTokens) == 0 {
		return "no driver tokens"
	}
	return ""
}

func needs(check func(*Runner) string, run func(context.Context, *Runner) Result) func(context.Context, *Runner) Result {
	return func(ctx context.Context, r *Runner) Result {
		if why := check(r); why != "" {
			return Result{Status: statusSkip, Note: why}
		}
		return run(ctx, r)
	}
}

func needsRequest(run func(context.Context, *Runner) Result) func(context.Context, *Runner) Result {
	return func(ctx context.Context, r *Runner) Result {
		if r.requestID == "" {
			return Result{Status: statusSkip, Note: "no request created"}
		}
		return run(ctx, r)
	}
}

func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, time.Since(start), err
}

func expect(code int, latency time.Duration, err error, ok ...int) Result {
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	note := fmt.Sprintf("status=%d", code)
	if slices.Contains(ok, code) {
		return Result{Status: statusPass, Latency: latency, Note: note}
	}
	if code == http.StatusNotImplemented {
		return Result{Status: statusPending, Latency: latency, Note: note}
	}
	return Result{Status: statusFail, Latency: latency, Note: note}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: statusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
	}
	return Result{Status: statusPass}
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

// concurrentAccept has every driver accept the bench request at once; at most one may win.
func concurrentAccept(ctx context.Context, r *Runner) Result {
	if len(r.cfg.DriverTokens) < 2 {
		return Result{Status: statusSkip, Note: "needs at least two driver tokens"}
	}
	var mu sync.Mutex
	outcomes := map[string]int{}
	g, ctx := errgroup.WithContext(ctx)
	start := make(chan struct{})
	for _, tok := range r.cfg.DriverTokens {
		g.Go(func() error {
			<-start
			code, body, _, err := r.call(ctx, http.MethodPost, "/api/workers/requests/"+r.requestID+"/respond", tok, map[string]any{"action": "accept"})
			if err != nil {
				return err
			}
			key := fmt.Sprintf("status=%d", code)
			if code == http.StatusOK {
				var res struct {
					Outcome string `json:"outcome"`
				}
				if err := json.Unmarshal(body, &res); err != nil {
					return err
				}
				key = res.Outcome
			}
			mu.Lock()
			outcomes[key]++
			mu.Unlock()
			return nil
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	note := fmt.Sprintf("%v", outcomes)
	if outcomes["assigned"] > 1 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func perfLoad(ctx context.Context, r *Runner, method, path, token string, payload any) Result {
	var limiter *rate.Limiter
	if r.cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.RatePerSecond), r.cfg.Concurrency)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Duration)
	defer cancel()

	var count, errCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if limiter != nil && limiter.Wait(ctx) != nil {
					return
				}
				code, _, _, err := r.call(ctx, method, path, token, payload)
				if ctx.Err() != nil {
					return
				}
				if err != nil || code >= 500 {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}()
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("no requests completed, errors=%d", errCount.Load())}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
