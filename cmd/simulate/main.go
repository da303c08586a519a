package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-agenda/internal/config"
	"github.com/hackgods/clinic-agenda/internal/db"
	"github.com/hackgods/clinic-agenda/internal/logging"
)

// SimConfig drives a contention probe: many workers try to book the same slot
// of one specialty and the report shows how many got through.
type SimConfig struct {
	APIBaseURL   string
	ClinicID     uuid.UUID
	Date         string
	Time         string
	Workers      int
	Attempts     int
	PatientLimit int
	PostgresDSN  string
}

type target struct {
	SpecialtyID uuid.UUID
	Name        string
	Capacity    int
	Patients    []uuid.UUID
}

type OperationMetrics struct {
	Total      int64
	Accepted   int64
	Full       int64
	InProgress int64
	Error      int64
	Latencies  []time.Duration
	mu         sync.Mutex
}

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeFull
	outcomeInProgress
	outcomeError
)

func (om *OperationMetrics) Record(latency time.Duration, o outcome) {
	atomic.AddInt64(&om.Total, 1)
	switch o {
	case outcomeAccepted:
		atomic.AddInt64(&om.Accepted, 1)
	case outcomeFull:
		atomic.AddInt64(&om.Full, 1)
	case outcomeInProgress:
		atomic.AddInt64(&om.InProgress, 1)
	default:
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
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Simulator struct {
	config  SimConfig
	target  target
	client  *http.Client
	log     zerolog.Logger
	metrics OperationMetrics
}

func main() {
	base, err := config.Load()
	if err != nil {
		boot := logging.New("dev", "info")
		boot.Fatal().Err(err).Msg("failed to load base config")
	}
	log := logging.New(base.Env, base.LogLevel).With().Str("service", "simulate").Logger()

	cfg, err := loadConfig(base)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{AppName: "agenda-simulate", MaxConns: 2})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	tgt, err := loadTarget(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load target")
	}

	log.Info().
		Str("clinic_id", cfg.ClinicID.String()).
		Str("specialty", tgt.Name).
		Int("capacity", tgt.Capacity).
		Str("slot", cfg.Date+" "+cfg.Time).
		Int("workers", cfg.Workers).
		Int("attempts", cfg.Attempts).
		Msg("simulation starting")

	sim := &Simulator{
		config: cfg,
		target: tgt,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run(context.Background())
	sim.PrintReport()
}

func loadConfig(base config.Config) (SimConfig, error) {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Date:         getEnv("SIM_DATE", time.Now().In(base.Timezone).AddDate(0, 0, 1).Format("2006-01-02")),
		Time:         getEnv("SIM_TIME", firstOr(base.SlotTimes, "08:00")),
		Workers:      getInt("SIM_WORKERS", 20),
		Attempts:     getInt("SIM_ATTEMPTS", 200),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 500),
		PostgresDSN:  base.PostgresDSN,
	}

	raw := os.Getenv("SIM_CLINIC_ID")
	if raw == "" {
		return cfg, fmt.Errorf("SIM_CLINIC_ID is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return cfg, fmt.Errorf("SIM_CLINIC_ID: %w", err)
	}
	cfg.ClinicID = id

	if cfg.Workers <= 0 {
		return cfg, fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Attempts <= 0 {
		return cfg, fmt.Errorf("SIM_ATTEMPTS must be > 0")
	}
	return cfg, nil
}

// loadTarget picks the clinic's bookable specialty with the smallest capacity,
// which makes overbooking easiest to spot.
func loadTarget(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (target, error) {
	var t target
	err := pool.QueryRow(ctx, `
		SELECT cs.specialty_id, COALESCE(cs.custom_name, sc.name), cs.capacity
		FROM clinic_specialties cs
		JOIN specialty_catalog sc ON sc.id = cs.specialty_id
		WHERE cs.clinic_id = $1 AND cs.capacity > 0
		ORDER BY cs.capacity, sc.name
		LIMIT 1
	`, cfg.ClinicID).Scan(&t.SpecialtyID, &t.Name, &t.Capacity)
	if err != nil {
		return t, fmt.Errorf("load bookable specialty: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT id FROM patients WHERE clinic_id = $1 LIMIT $2`, cfg.ClinicID, cfg.PatientLimit)
	if err != nil {
		return t, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return t, err
		}
		t.Patients = append(t.Patients, id)
	}
	if err := rows.Err(); err != nil {
		return t, err
	}
	if len(t.Patients) == 0 {
		return t, fmt.Errorf("no patients loaded")
	}
	return t, nil
}

func (s *Simulator) Run(ctx context.Context) {
	jobs := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for range jobs {
				s.doBooking(ctx, rng)
			}
		}(i)
	}

	for i := 0; i < s.config.Attempts; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	patientID := s.target.Patients[rng.Intn(len(s.target.Patients))]

	body, _ := json.Marshal(map[string]any{
		"patient_id":   patientID.String(),
		"specialty_id": s.target.SpecialtyID.String(),
		"slots":        []map[string]string{{"date": s.config.Date, "time": s.config.Time}},
	})

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Clinic-ID", s.config.ClinicID.String())

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.metrics.Record(latency, outcomeError)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		s.metrics.Record(latency, outcomeAccepted)
	case http.StatusConflict:
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		switch errResp.Error {
		case "slot_full":
			s.metrics.Record(latency, outcomeFull)
		case "booking_in_progress":
			s.metrics.Record(latency, outcomeInProgress)
		default:
			s.metrics.Record(latency, outcomeError)
		}
	default:
		s.metrics.Record(latency, outcomeError)
	}
}

func (s *Simulator) PrintReport() {
	om := &s.metrics
	total := atomic.LoadInt64(&om.Total)
	accepted := atomic.LoadInt64(&om.Accepted)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Specialty: %s (capacity %d)\n", s.target.Name, s.target.Capacity)
	fmt.Printf("Slot: %s %s\n", s.config.Date, s.config.Time)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	if total == 0 {
		return
	}

	avg, min, max, p50, p95 := om.Stats()
	fmt.Printf("  Attempts: %d\n", total)
	fmt.Printf("  Accepted: %d\n", accepted)
	fmt.Printf("  Refused (full): %d\n", atomic.LoadInt64(&om.Full))
	fmt.Printf("  Refused (in progress): %d\n", atomic.LoadInt64(&om.InProgress))
	if errs := atomic.LoadInt64(&om.Error); errs > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errs, float64(errs)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()

	// Earlier runs may already hold part of the slot, so accepted can be
	// lower than capacity. It must never be higher.
	if accepted > int64(s.target.Capacity) {
		fmt.Printf("OVERBOOKED: %d accepted for capacity %d\n", accepted, s.target.Capacity)
		os.Exit(1)
	}
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func firstOr(list []string, def string) string {
	if len(list) > 0 {
		return list[0]
	}
	return def
}
