package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/medication-adherence/internal/auth"
	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/config"
	"github.com/hackgods/medication-adherence/internal/db"
	"github.com/hackgods/medication-adherence/internal/medication"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	DoseRatio    float64
	SnoozeRatio  float64
	UpdateRatio  float64
	ReadRatio    float64
	CommandLimit int
	PostgresDSN  string
	Auth         config.AuthConfig
}

// target is a medication the workers contend on, with a token for its patient.
type target struct {
	CommandID uuid.UUID
	PatientID uuid.UUID
	Token     string
}

type DataPool struct {
	Targets []target
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]
	return avg, min, max, p50, p95
}

type Metrics struct {
	TakeDose OperationMetrics
	Snooze   OperationMetrics
	Update   OperationMetrics
	ReadDay  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d dose=%.2f snooze=%.2f update=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.DoseRatio, cfg.SnoozeRatio, cfg.UpdateRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded: %d active medications", len(dataPool.Targets))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.PrintReport()

	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), time.Minute)
	defer cancelVerify()
	if err := verifyEventVersions(verifyCtx, pgPool, dataPool); err != nil {
		log.Fatalf("event log check failed: %v", err)
	}
	log.Println("event log check passed: every command has a gap-free eventVersion sequence")
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		DoseRatio:    getFloat("SIM_DOSE_RATIO", 0.4),
		SnoozeRatio:  getFloat("SIM_SNOOZE_RATIO", 0.15),
		UpdateRatio:  getFloat("SIM_UPDATE_RATIO", 0.15),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		CommandLimit: getInt("SIM_COMMAND_LIMIT", 20),
		PostgresDSN:  baseCfg.PostgresDSN,
		Auth:         baseCfg.Auth,
	}

	// Normalize ratios
	total := cfg.DoseRatio + cfg.SnoozeRatio + cfg.UpdateRatio + cfg.ReadRatio
	if total > 0 {
		cfg.DoseRatio /= total
		cfg.SnoozeRatio /= total
		cfg.UpdateRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

// loadDataPool picks a few active medications so that workers collide on
// the same commands.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, patient_id FROM medication_commands
		WHERE status = 'active'
		LIMIT $1
	`, cfg.CommandLimit)
	if err != nil {
		return nil, fmt.Errorf("load medications: %w", err)
	}
	defer rows.Close()

	verifier := auth.NewVerifier(cfg.Auth, clock.Real())
	dataPool := &DataPool{}
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.CommandID, &t.PatientID); err != nil {
			return nil, err
		}
		tok, err := verifier.Issue(t.PatientID, 2*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		t.Token = tok
		dataPool.Targets = append(dataPool.Targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dataPool.Targets) == 0 {
		return nil, fmt.Errorf("no active medications loaded; run the seed command first")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			t := s.pool.Targets[rng.Intn(len(s.pool.Targets))]
			r := rng.Float64()
			switch {
			case r < s.config.DoseRatio:
				s.doTakeDose(ctx, rng, t)
			case r < s.config.DoseRatio+s.config.SnoozeRatio:
				s.doSnooze(ctx, rng, t)
			case r < s.config.DoseRatio+s.config.SnoozeRatio+s.config.UpdateRatio:
				s.doUpdate(ctx, rng, t)
			default:
				s.doReadDay(ctx, t)
			}
		}
	}
}

// call performs one authenticated request and decodes a 2xx body into out.
func (s *Simulator) call(ctx context.Context, t target, method, path string, body, out any) (int, time.Duration, error) {
	var rd *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, rd)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.Token)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, latency, nil
}

// pickSlot returns a scheduled slot from today's dose list.
func (s *Simulator) pickSlot(ctx context.Context, rng *rand.Rand, t target) (*medication.DoseSlot, bool) {
	var day struct {
		Items []medication.DoseSlot `json:"items"`
	}
	code, _, err := s.call(ctx, t, http.MethodGet, "/medications/"+t.CommandID.String()+"/day", nil, &day)
	if err != nil || code != http.StatusOK || len(day.Items) == 0 {
		return nil, false
	}
	slot := day.Items[rng.Intn(len(day.Items))]
	return &slot, true
}

func (s *Simulator) doTakeDose(ctx context.Context, rng *rand.Rand, t target) {
	slot, ok := s.pickSlot(ctx, rng, t)
	if !ok {
		return
	}
	code, latency, err := s.call(ctx, t, http.MethodPost, "/medications/"+t.CommandID.String()+"/events", map[string]any{
		"eventType":    medication.EventDoseTaken,
		"scheduledFor": slot.ScheduledFor,
	}, nil)
	s.metrics.TakeDose.Record(latency, err == nil && code == http.StatusCreated, code == http.StatusConflict)
}

func (s *Simulator) doSnooze(ctx context.Context, rng *rand.Rand, t target) {
	slot, ok := s.pickSlot(ctx, rng, t)
	if !ok {
		return
	}
	code, latency, err := s.call(ctx, t, http.MethodPost, "/medications/"+t.CommandID.String()+"/events", map[string]any{
		"eventType":    medication.EventDoseSnoozed,
		"scheduledFor": slot.ScheduledFor,
		"eventData":    map[string]any{"snoozeMinutes": 5 + rng.Intn(25)},
	}, nil)
	s.metrics.Snooze.Record(latency, err == nil && code == http.StatusCreated, code == http.StatusConflict)
}

// doUpdate patches without expectedVersion, so concurrent updates go through
// the server's conflict retry.
func (s *Simulator) doUpdate(ctx context.Context, rng *rand.Rand, t target) {
	code, latency, err := s.call(ctx, t, http.MethodPatch, "/medications/"+t.CommandID.String(), map[string]any{
		"instructions": fmt.Sprintf("take with water (sim %d)", rng.Intn(1000)),
	}, nil)
	s.metrics.Update.Record(latency, err == nil && code == http.StatusOK, code == http.StatusConflict)
}

func (s *Simulator) doReadDay(ctx context.Context, t target) {
	code, latency, err := s.call(ctx, t, http.MethodGet, "/patients/"+t.PatientID.String()+"/day", nil, nil)
	s.metrics.ReadDay.Record(latency, err == nil && code == http.StatusOK, false)
}

// verifyEventVersions checks every contended command's log: versions run
// 1..n without gaps or duplicates and n matches the command's sequence.
func verifyEventVersions(ctx context.Context, pool *pgxpool.Pool, dp *DataPool) error {
	var problems []string
	for _, t := range dp.Targets {
		var seq int64
		if err := pool.QueryRow(ctx, `SELECT event_seq FROM medication_commands WHERE id = $1`, t.CommandID).Scan(&seq); err != nil {
			return fmt.Errorf("load command %s: %w", t.CommandID, err)
		}
		rows, err := pool.Query(ctx, `
			SELECT event_version FROM medication_events
			WHERE command_id = $1
			ORDER BY event_version
		`, t.CommandID)
		if err != nil {
			return fmt.Errorf("load events %s: %w", t.CommandID, err)
		}
		var want int64 = 1
		for rows.Next() {
			var v int64
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return err
			}
			if v != want {
				problems = append(problems, fmt.Sprintf("command %s: expected version %d, found %d", t.CommandID, want, v))
				want = v
			}
			want++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if want-1 != seq {
			problems = append(problems, fmt.Sprintf("command %s: event_seq %d but %d events", t.CommandID, seq, want-1))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%d problems:\n  %s", len(problems), strings.Join(problems, "\n  "))
	}
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Medications: %d\n", len(s.pool.Targets))
	fmt.Println()

	printOperationReport("Take dose", &s.metrics.TakeDose)
	printOperationReport("Snooze", &s.metrics.Snooze)
	printOperationReport("Update medication", &s.metrics.Update)
	printOperationReport("Read patient day", &s.metrics.ReadDay)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}
