package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const actor = "stress-test"

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "stock ledger HTTP base URL")
	initialStock := flag.Int("stock", 20, "units restocked before the run")
	totalRequests := flag.Int("requests", 50, "concurrent 1-unit pulls")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	itemID := "stress-" + uuid.NewString()[:8]
	jobID := "job-" + uuid.NewString()[:8]

	// Setup
	mustCall(client, http.MethodPut, *baseURL+"/v1/items/"+itemID, map[string]any{
		"part_number":   "STRESS-1",
		"description":   "stress test part",
		"unit_cost":     "4.25",
		"reorder_point": 2,
	}, http.StatusOK, nil)
	mustCall(client, http.MethodPost, *baseURL+"/v1/items/"+itemID+"/restocks", map[string]any{
		"quantity": *initialStock,
		"note":     "stress test seed",
	}, http.StatusCreated, nil)

	var (
		successCount      atomic.Int32
		insufficientCount atomic.Int32
		busyCount         atomic.Int32
		otherCount        atomic.Int32
		wg                sync.WaitGroup
	)
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			status, err := call(client, http.MethodPost, *baseURL+"/v1/jobs/"+jobID+"/pulls", map[string]any{
				"item_id":  itemID,
				"quantity": 1,
			}, nil)
			switch {
			case err != nil:
				otherCount.Add(1)
			case status == http.StatusCreated:
				successCount.Add(1)
			case status == http.StatusConflict:
				insufficientCount.Add(1)
			case status == http.StatusServiceUnavailable:
				busyCount.Add(1)
			default:
				otherCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	var qty struct {
		QuantityOnHand int  `json:"quantity_on_hand"`
		IsLow          bool `json:"is_low"`
	}
	mustCall(client, http.MethodGet, *baseURL+"/v1/items/"+itemID+"/quantity", nil, http.StatusOK, &qty)

	var rec struct {
		Consistent    bool     `json:"consistent"`
		Discrepancies []string `json:"discrepancies"`
	}
	mustCall(client, http.MethodGet, *baseURL+"/v1/items/"+itemID+"/reconcile", nil, http.StatusOK, &rec)

	success := int(successCount.Load())

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Insufficient:     %d\n", insufficientCount.Load())
	fmt.Printf("Busy (retryable): %d\n", busyCount.Load())
	fmt.Printf("Other errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Printf("Final On Hand:    %d (low=%v)\n", qty.QuantityOnHand, qty.IsLow)
	fmt.Println("==========================================")

	failed := false
	if success > *initialStock {
		fmt.Printf("FAIL: oversold, %d pulls succeeded against %d units\n", success, *initialStock)
		failed = true
	}
	if qty.QuantityOnHand != *initialStock-success {
		fmt.Printf("FAIL: expected on hand %d, got %d\n", *initialStock-success, qty.QuantityOnHand)
		failed = true
	}
	if !rec.Consistent {
		fmt.Printf("FAIL: ledger does not reconcile: %v\n", rec.Discrepancies)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
	fmt.Println("PASS: no oversell and the ledger reconciles")
}

func call(client *http.Client, method, url string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", actor)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func mustCall(client *http.Client, method, url string, body any, want int, out any) {
	status, err := call(client, method, url, body, out)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	if status != want {
		log.Fatalf("%s %s: expected status %d, got %d", method, url, want, status)
	}
}
