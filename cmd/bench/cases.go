// README: Bench checks: environment, booking flow, reference fare, seat race, double pay, storage invariants and pay throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

const lockKeyPattern = "carpool:route:lock:*"

// Reference route: 500/km over 2082.6 m.
var refPath = [][2]float64{
	{-76.53676, 3.42158},
	{-76.53000, 3.42500},
	{-76.52000, 3.43000},
}

const refFare = 1041.3

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	run   string

	raceRouteID string
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
		run:   fmt.Sprintf("bench%d", time.Now().UnixNano()),
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
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

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkDB},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "API: health", Run: checkHealth},
		{Name: "Booking: reference fare and pay", Run: checkReferenceFlow},
		{Name: "Booking: off-path pickup -> 400 geometry_mismatch", Run: checkGeometryMismatch},
		{Name: "Race: N seats, M concurrent payers", Run: checkSeatRace},
		{Name: "Race: concurrent pay on one booking", Run: checkDoublePay},
		{Name: "DB: seats never negative, payments <= seats", Run: checkDBInvariants},
		{Name: "Redis: no leftover route locks", Run: checkRedisLocks},
		{Name: "Perf: pay throughput", Run: checkThroughput},
	}
}

func checkDB(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
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

func checkHealth(ctx context.Context, r *Runner) Result {
	start := time.Now()
	code, _, err := r.do(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if code != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("status=%d", code)}
	}
	return Result{Status: statusPass, Latency: time.Since(start)}
}

func checkReferenceFlow(ctx context.Context, r *Runner) Result {
	start := time.Now()
	routeID, err := r.createRoute(ctx, 1)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	b, err := r.book(ctx, routeID, r.passenger("ref"))
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	price, _ := b["calculated_price"].(float64)
	if math.Abs(price-refFare) > 0.5 {
		return Result{Status: statusFail, Note: fmt.Sprintf("fare=%.2f want %.1f", price, refFare)}
	}
	code, body, err := r.do(ctx, http.MethodPost, "/api/bookings/"+b["booking_id"].(string)+"/pay", r.passenger("ref"), nil)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if code != http.StatusOK || body["status"] != "completed" {
		return Result{Status: statusFail, Note: fmt.Sprintf("pay status=%d body=%v", code, body)}
	}
	seats, err := r.routeSeats(ctx, routeID)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if seats != 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("seats=%d after paying the only seat", seats)}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("fare=%.2f", price)}
}

func checkGeometryMismatch(ctx context.Context, r *Runner) Result {
	routeID, err := r.createRoute(ctx, 1)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	code, body, err := r.do(ctx, http.MethodPost, "/api/bookings", r.passenger("offpath"), map[string]any{
		"route_id": routeID,
		"pickup":   map[string]float64{"lon": -76.50, "lat": 3.45},
		"dropoff":  map[string]float64{"lon": refPath[2][0], "lat": refPath[2][1]},
	})
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if code != http.StatusBadRequest || body["code"] != "geometry_mismatch" {
		return Result{Status: statusFail, Note: fmt.Sprintf("status=%d body=%v", code, body)}
	}
	return Result{Status: statusPass}
}

func checkSeatRace(ctx context.Context, r *Runner) Result {
	seats, payers := r.cfg.Seats, r.cfg.Passengers
	if payers < seats {
		return Result{Status: statusSkip, Note: "passengers < seats"}
	}
	routeID, err := r.createRoute(ctx, seats)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	r.raceRouteID = routeID

	type pending struct{ id, uid string }
	bookings := make([]pending, payers)
	for i := range bookings {
		uid := r.passenger(fmt.Sprintf("race%d", i))
		b, err := r.book(ctx, routeID, uid)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		bookings[i] = pending{id: b["booking_id"].(string), uid: uid}
	}

	start := time.Now()
	var ok, conflict, other int64
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for _, b := range bookings {
		wg.Add(1)
		go func(b pending) {
			defer wg.Done()
			<-gate
			code, body, err := r.do(ctx, http.MethodPost, "/api/bookings/"+b.id+"/pay", b.uid, nil)
			switch {
			case err == nil && code == http.StatusOK:
				atomic.AddInt64(&ok, 1)
			case err == nil && code == http.StatusConflict && body["code"] == "no_seats":
				atomic.AddInt64(&conflict, 1)
			default:
				atomic.AddInt64(&other, 1)
			}
		}(b)
	}
	close(gate)
	wg.Wait()
	elapsed := time.Since(start)

	left, err := r.routeSeats(ctx, routeID)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	note := fmt.Sprintf("ok=%d no_seats=%d other=%d seats_left=%d", ok, conflict, other, left)
	if int(ok) != seats || int(conflict) != payers-seats || other != 0 || left != 0 {
		return Result{Status: statusFail, Latency: elapsed, Note: note}
	}
	return Result{Status: statusPass, Latency: elapsed, Note: note}
}

func checkDoublePay(ctx context.Context, r *Runner) Result {
	routeID, err := r.createRoute(ctx, 2)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	uid := r.passenger("double")
	b, err := r.book(ctx, routeID, uid)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	id := b["booking_id"].(string)

	const attempts = 8
	var ok, invalid int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, body, err := r.do(ctx, http.MethodPost, "/api/bookings/"+id+"/pay", uid, nil)
			if err != nil {
				return
			}
			switch {
			case code == http.StatusOK:
				atomic.AddInt64(&ok, 1)
			case code == http.StatusBadRequest && body["code"] == "invalid_state":
				atomic.AddInt64(&invalid, 1)
			}
		}()
	}
	wg.Wait()
	left, err := r.routeSeats(ctx, routeID)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	note := fmt.Sprintf("ok=%d invalid_state=%d seats_left=%d", ok, invalid, left)
	if ok != 1 || invalid != attempts-1 || left != 1 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func checkDBInvariants(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	var negative int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM routes WHERE available_seats < 0`).Scan(&negative); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if negative > 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("%d routes with negative seats", negative)}
	}
	if r.raceRouteID == "" {
		return Result{Status: statusPass, Note: "race route not created"}
	}
	var payments int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM payments p
		JOIN bookings b ON b.id = p.booking_id
		WHERE b.route_id = $1`, r.raceRouteID).Scan(&payments)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if payments != r.cfg.Seats {
		return Result{Status: statusFail, Note: fmt.Sprintf("payments=%d seats=%d", payments, r.cfg.Seats)}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("payments=%d", payments)}
}

func checkRedisLocks(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not configured"}
	}
	keys, _, err := r.redis.Scan(ctx, 0, lockKeyPattern, 1000).Result()
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if len(keys) > 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("%d lock keys left, e.g. %s", len(keys), keys[0])}
	}
	return Result{Status: statusPass}
}

// checkThroughput books and pays on many routes in parallel; different routes
// must not serialize behind each other.
func checkThroughput(ctx context.Context, r *Runner) Result {
	deadline := time.Now().Add(r.cfg.Duration)
	var (
		mu        sync.Mutex
		latencies []time.Duration
		failures  int64
		wg        sync.WaitGroup
	)
	for w := 0; w < r.cfg.Concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; time.Now().Before(deadline) && ctx.Err() == nil; i++ {
				routeID, err := r.createRoute(ctx, 1)
				if err != nil {
					atomic.AddInt64(&failures, 1)
					continue
				}
				uid := r.passenger(fmt.Sprintf("tp%d_%d", w, i))
				b, err := r.book(ctx, routeID, uid)
				if err != nil {
					atomic.AddInt64(&failures, 1)
					continue
				}
				start := time.Now()
				code, _, err := r.do(ctx, http.MethodPost, "/api/bookings/"+b["booking_id"].(string)+"/pay", uid, nil)
				if err != nil || code != http.StatusOK {
					atomic.AddInt64(&failures, 1)
					continue
				}
				mu.Lock()
				latencies = append(latencies, time.Since(start))
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(latencies) == 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("no successful pays, failures=%d", failures)}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p50 := latencies[len(latencies)/2]
	p95 := latencies[len(latencies)*95/100]
	rps := float64(len(latencies)) / r.cfg.Duration.Seconds()
	note := fmt.Sprintf("pays=%d failures=%d rps=%.1f p50=%s p95=%s", len(latencies), failures, rps, p50, p95)
	if failures > 0 {
		return Result{Status: statusFail, Latency: p95, Note: note}
	}
	return Result{Status: statusPass, Latency: p95, Note: note}
}

func (r *Runner) driver() string {
	return r.run + "_driver"
}

func (r *Runner) passenger(tag string) string {
	return r.run + "_" + tag
}

func (r *Runner) createRoute(ctx context.Context, seats int) (string, error) {
	code, body, err := r.do(ctx, http.MethodPost, "/api/routes", r.driver(), map[string]any{
		"departure_time":  time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"available_seats": seats,
		"price_per_km":    500,
		"path":            refPath,
	})
	if err != nil {
		return "", err
	}
	if code != http.StatusCreated {
		return "", fmt.Errorf("create route: status=%d body=%v", code, body)
	}
	return body["id"].(string), nil
}

func (r *Runner) book(ctx context.Context, routeID, uid string) (map[string]any, error) {
	code, body, err := r.do(ctx, http.MethodPost, "/api/bookings", uid, map[string]any{
		"route_id": routeID,
		"pickup":   map[string]float64{"lon": refPath[0][0], "lat": refPath[0][1]},
		"dropoff":  map[string]float64{"lon": refPath[2][0], "lat": refPath[2][1]},
	})
	if err != nil {
		return nil, err
	}
	if code != http.StatusCreated {
		return nil, fmt.Errorf("create booking: status=%d body=%v", code, body)
	}
	return body, nil
}

func (r *Runner) routeSeats(ctx context.Context, routeID string) (int, error) {
	code, body, err := r.do(ctx, http.MethodGet, "/api/routes/"+routeID, r.driver(), nil)
	if err != nil {
		return 0, err
	}
	if code != http.StatusOK {
		return 0, fmt.Errorf("get route: status=%d", code)
	}
	seats, _ := body["available_seats"].(float64)
	return int(seats), nil
}

func (r *Runner) do(ctx context.Context, method, path, uid string, payload any) (int, map[string]any, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set("Authorization", "Bearer uid:"+uid)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return resp.StatusCode, nil, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, out, nil
}

func splitSQL(input string) []string {
	var b strings.Builder
	for _, line := range strings.Split(input, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	parts := strings.Split(b.String(), ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
