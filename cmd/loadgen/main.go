// Load generator for exercising the kasan billing API.
//
// Usage:
//   go run cmd/loadgen/main.go -url http://localhost:8080 -tenant station-001 -n 1000 -c 8
//
// This tool:
//   1. Seeds a patient and a service code for the tenant
//   2. Posts synthetic visit records at the requested concurrency
//   3. Reports throughput, latency, and how many saves came back with
//      alerts or degraded billing
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type vitalSigns struct {
	TemperatureC float64 `json:"temperatureC"`
	Pulse        int     `json:"pulse"`
	SystolicBP   int     `json:"systolicBp"`
	DiastolicBP  int     `json:"diastolicBp"`
	SpO2         int     `json:"spo2"`
}

type recordRequest struct {
	PatientID            string     `json:"patientId"`
	VisitDate            string     `json:"visitDate"`
	StartTime            time.Time  `json:"startTime"`
	EndTime              time.Time  `json:"endTime"`
	Status               string     `json:"status"`
	ServiceCodeID        string     `json:"serviceCodeId"`
	Vitals               vitalSigns `json:"vitals"`
	CareProvided         string     `json:"careProvided"`
	IsSecondVisit        bool       `json:"isSecondVisit"`
	HasEmergencyVisit    bool       `json:"hasEmergencyVisit"`
	MultipleVisitReason  string     `json:"multipleVisitReason,omitempty"`
	EmergencyVisitReason string     `json:"emergencyVisitReason,omitempty"`
	LongVisitReason      string     `json:"longVisitReason,omitempty"`
}

type saveResponse struct {
	Record struct {
		ID                        string `json:"id"`
		CalculatedPoints          int    `json:"calculatedPoints"`
		HasAdditionalPaymentAlert bool   `json:"hasAdditionalPaymentAlert"`
	} `json:"record"`
	Degraded bool `json:"degraded"`
}

type metrics struct {
	total    int64
	failed   int64
	alerted  int64
	degraded int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *metrics) record(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func (m *metrics) percentile(p float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latencies) == 0 {
		return 0
	}
	// Insertion sort is fine at these sizes
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func main() {
	url := flag.String("url", "http://localhost:8080", "kasan base URL")
	tenant := flag.String("tenant", "station-001", "tenant ID")
	count := flag.Int("n", 1000, "number of records to post")
	concurrency := flag.Int("c", 8, "concurrent workers")
	patients := flag.Int("patients", 20, "distinct patients to spread visits over")
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}

	if err := seed(client, *url, *tenant, *patients); err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	var m metrics
	jobs := make(chan int)
	var wg sync.WaitGroup

	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := range jobs {
				postRecord(client, *url, *tenant, rng, i%*patients, &m)
			}
		}(time.Now().UnixNano() + int64(w))
	}

	for i := 0; i < *count; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	total := atomic.LoadInt64(&m.total)
	fmt.Println()
	fmt.Printf("Records posted:   %d (%d failed)\n", total, atomic.LoadInt64(&m.failed))
	fmt.Printf("Elapsed:          %s (%.1f req/s)\n", elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	fmt.Printf("Latency p50/p95:  %s / %s\n", m.percentile(0.50).Round(time.Millisecond), m.percentile(0.95).Round(time.Millisecond))
	fmt.Printf("Alerted saves:    %d\n", atomic.LoadInt64(&m.alerted))
	fmt.Printf("Degraded saves:   %d\n", atomic.LoadInt64(&m.degraded))
}

// seed creates the patients and the service code the generated visits use.
func seed(client *http.Client, url, tenant string, patients int) error {
	for i := 0; i < patients; i++ {
		patient := map[string]any{
			"name":                   fmt.Sprintf("Load Patient %03d", i),
			"insuranceType":          "medical",
			"specialManagementTypes": []string{},
		}
		if err := put(client, fmt.Sprintf("%s/api/patients/load-patient-%03d", url, i), tenant, patient); err != nil {
			return err
		}
	}

	serviceCode := map[string]any{
		"code":          "LG-1111",
		"name":          "Standard home nursing visit",
		"insuranceType": "medical",
		"basePoints":    580,
		"enabled":       true,
	}
	return put(client, url+"/api/service-codes/load-sc-001", tenant, serviceCode)
}

func put(client *http.Client, url, tenant string, body any) error {
	data, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenant)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("PUT %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func postRecord(client *http.Client, url, tenant string, rng *rand.Rand, patientIdx int, m *metrics) {
	day := rng.Intn(28) + 1
	visitDate := fmt.Sprintf("2026-08-%02d", day)
	startTime := time.Date(2026, 8, day, 9+rng.Intn(8), 0, 0, 0, time.UTC)
	duration := time.Duration(30+rng.Intn(90)) * time.Minute

	rec := recordRequest{
		PatientID:     fmt.Sprintf("load-patient-%03d", patientIdx),
		VisitDate:     visitDate,
		StartTime:     startTime,
		EndTime:       startTime.Add(duration),
		ServiceCodeID: "load-sc-001",
		Vitals: vitalSigns{
			TemperatureC: 36.0 + rng.Float64()*1.5,
			Pulse:        60 + rng.Intn(40),
			SystolicBP:   100 + rng.Intn(50),
			DiastolicBP:  60 + rng.Intn(30),
			SpO2:         94 + rng.Intn(6),
		},
		CareProvided: "Routine care and condition check",
	}

	if duration >= 90*time.Minute {
		rec.LongVisitReason = "Extended monitoring and family guidance"
	}

	// A slice of visits carry manual flags, some without justification
	// texts. Those stay in draft (completion would reject them) so the
	// soft-alert path gets exercised too.
	rec.Status = "completed"
	if rng.Intn(10) == 0 {
		rec.IsSecondVisit = true
		if rng.Intn(2) == 0 {
			rec.MultipleVisitReason = "Afternoon wound care follow-up"
		} else {
			rec.Status = "draft"
		}
	}
	if rng.Intn(20) == 0 {
		rec.HasEmergencyVisit = true
		if rng.Intn(2) == 0 {
			rec.EmergencyVisitReason = "Family called about sudden fever"
		} else {
			rec.Status = "draft"
		}
	}

	data, _ := json.Marshal(rec)
	req, err := http.NewRequest(http.MethodPost, url+"/api/nursing-records", bytes.NewReader(data))
	if err != nil {
		atomic.AddInt64(&m.failed, 1)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenant)

	reqStart := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		atomic.AddInt64(&m.failed, 1)
		return
	}
	defer resp.Body.Close()
	m.record(time.Since(reqStart))

	if resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		atomic.AddInt64(&m.failed, 1)
		return
	}

	var saved saveResponse
	if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
		atomic.AddInt64(&m.failed, 1)
		return
	}

	atomic.AddInt64(&m.total, 1)
	if saved.Record.HasAdditionalPaymentAlert {
		atomic.AddInt64(&m.alerted, 1)
	}
	if saved.Degraded {
		atomic.AddInt64(&m.degraded, 1)
	}
}
