package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// Processor handles one claim by id
type Processor interface {
	Process(ctx context.Context, claimID string) error
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, claimID string) error

// Process calls f
func (f ProcessorFunc) Process(ctx context.Context, claimID string) error {
	return f(ctx, claimID)
}

// ClaimJob represents processing of a single claim
type ClaimJob struct {
	ClaimID   string
	Processor Processor
}

// Execute executes the claim job
func (j *ClaimJob) Execute(ctx context.Context) Result {
	return &ClaimResult{
		ClaimID: j.ClaimID,
		Error:   j.Processor.Process(ctx, j.ClaimID),
	}
}

// ClaimResult represents the result of a claim job
type ClaimResult struct {
	ClaimID string
	Error   error
}

// GetError returns the error from the claim result
func (r *ClaimResult) GetError() error {
	return r.Error
}

// BatchProcessor processes multiple claims concurrently
type BatchProcessor struct {
	processor   Processor
	concurrency int
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(processor Processor, concurrency int) *BatchProcessor {
	return &BatchProcessor{
		processor:   processor,
		concurrency: concurrency,
	}
}

// ProcessIDs processes multiple claims concurrently
func (b *BatchProcessor) ProcessIDs(ctx context.Context, ids []string) []*ClaimResult {
	if len(ids) == 0 {
		return []*ClaimResult{}
	}

	pool := NewPool(b.concurrency, 0)
	pool.Start()

	// Collect while submitting so a full result buffer never stalls workers
	collected := make(chan []Result, 1)
	go func() {
		var out []Result
		for r := range pool.Results() {
			out = append(out, r)
		}
		collected <- out
	}()

	submitted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := pool.Submit(&ClaimJob{ClaimID: id, Processor: b.processor}); err != nil {
			break
		}
		submitted++
	}
	pool.closeQueue()
	results := <-collected

	claimResults := make([]*ClaimResult, 0, len(ids))
	for _, result := range results {
		claimResults = append(claimResults, result.(*ClaimResult))
	}
	// Claims never submitted because ctx ended are reported, not dropped
	for _, id := range ids[submitted:] {
		claimResults = append(claimResults, &ClaimResult{ClaimID: id, Error: ctx.Err()})
	}

	return claimResults
}

// ProcessFile reads claim ids from a file and processes them concurrently
func (b *BatchProcessor) ProcessFile(ctx context.Context, filePath string) ([]*ClaimResult, error) {
	ids, err := ReadIDsFromFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read claim ids: %w", err)
	}

	return b.ProcessIDs(ctx, ids), nil
}

// ReadIDsFromFile reads claim ids from a file (one per line)
func ReadIDsFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var ids []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !seen[line] {
			seen[line] = true
			ids = append(ids, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	return ids, nil
}
