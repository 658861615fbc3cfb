package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	tokensFile  string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Sent
	fail422       uint64 // Insufficient balance and other business rejections
	failOther     uint64
)

type seedUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Token string `json:"token"`
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&tokensFile, "tokens", "tokens.json", "Users file written by the seeder")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
}

func main() {
	flag.Parse()

	users, err := loadUsers(tokensFile)
	if err != nil {
		log.Fatal(err)
	}
	if len(users) < 2 {
		log.Fatal("benchmark needs at least two seeded users")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	before, err := totalBalance(client, users)
	if err != nil {
		log.Fatalf("reading balances: %v", err)
	}

	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Users: %d", workload, concurrency, duration, len(users))

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, users)
	}

	wg.Wait()
	elapsed := time.Since(start)

	after, err := totalBalance(client, users)
	if err != nil {
		log.Fatalf("reading balances: %v", err)
	}
	printResults(elapsed, before, after)
	if before != after {
		os.Exit(1)
	}
}

func loadUsers(path string) ([]seedUser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var users []seedUser
	if err := json.NewDecoder(f).Decode(&users); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return users, nil
}

func worker(wg *sync.WaitGroup, start time.Time, users []seedUser) {
	defer wg.Done()
	client := &http.Client{Timeout: 10 * time.Second}

	for time.Since(start) < duration {
		from, to := pickUsers(users)
		// Vary the amount so unrelated sends between the same pair do not
		// collapse into one in-flight transaction.
		amount := int64(100 + rand.Intn(900))

		payload := map[string]interface{}{
			"to_user_identifier": to.Email,
			"amount":             amount,
			"description":        "benchmark",
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/transactions/send", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+from.Token)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickUsers(users []seedUser) (seedUser, seedUser) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic moves money between the first two users
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return users[0], users[1]
			}
			return users[1], users[0]
		}
	}

	// Uniform Random
	a := rand.Intn(len(users))
	b := rand.Intn(len(users))
	for a == b {
		b = rand.Intn(len(users))
	}
	return users[a], users[b]
}

// totalBalance sums every seeded user's balance through the API.
func totalBalance(client *http.Client, users []seedUser) (int64, error) {
	var sum int64
	for _, u := range users {
		req, _ := http.NewRequest("GET", targetURL+"/api/v1/user/balance", nil)
		req.Header.Set("Authorization", "Bearer "+u.Token)
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		var out struct {
			Success bool `json:"success"`
			Data    struct {
				CurrentBalance int64 `json:"current_balance"`
			} `json:"data"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return 0, err
		}
		if !out.Success {
			return 0, fmt.Errorf("balance for %s: status %d", u.Email, resp.StatusCode)
		}
		sum += out.Data.CurrentBalance
	}
	return sum, nil
}

func printResults(d time.Duration, before, after int64) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	rejectRate := 0.0
	if total > 0 {
		rejectRate = float64(f422) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": tps,
		"success_sent":   s201,
		"rejected":       f422,
		"reject_rate":    rejectRate,
		"errors":         fErr,
		"balance_before": before,
		"balance_after":  after,
		"conserved":      before == after,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
