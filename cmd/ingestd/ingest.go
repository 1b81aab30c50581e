package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ingestd/pkg/ingest"
)

var (
	ingestCollection string
	ingestUpsert     bool
	ingestJSON       bool
)

// ingestCmd ingests a JSONL batch from a file or stdin.
var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a JSONL document batch into a collection",
	Long: `Ingest documents into a collection, one JSON object per line.

Each line is a document: {"id": "...", "content": "...", "metadata": {...}}.
The id is optional unless the identity policy is external. Resubmitting
the same batch is safe: already-ingested documents are skipped.

Examples:
  # Ingest a file
  ingestd ingest --collection docs batch.jsonl

  # Ingest from stdin
  cat batch.jsonl | ingestd ingest --collection docs -

  # Overwrite conflicting rows instead of rejecting them
  ingestd ingest --collection docs --upsert batch.jsonl`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestCollection, "collection", "c", "", "target collection (required)")
	ingestCmd.Flags().BoolVar(&ingestUpsert, "upsert", false, "overwrite rows whose identifier is bound to different content")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "print the full report as JSON")
	_ = ingestCmd.MarkFlagRequired("collection")
}

func runIngest(cmd *cobra.Command, args []string) error {
	docs, err := readBatch(args)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no documents to ingest")
	}

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	opts := ingest.Options{}
	if ingestUpsert {
		opts.OnConflict = ingest.ConflictUpsert
	}

	report, err := app.service.Submit(cmd.Context(), ingestCollection, docs, opts)
	if err != nil {
		return err
	}

	if ingestJSON {
		return printReportJSON(report)
	}
	printReport(report)
	if !report.Ok() {
		return fmt.Errorf("%d document(s) not ingested", report.Conflicts+report.Failed)
	}
	return nil
}

func readBatch(args []string) ([]ingest.Document, error) {
	var reader io.Reader
	if len(args) == 0 || args[0] == "-" {
		reader = os.Stdin
	} else {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()
		reader = f
	}

	var docs []ingest.Document
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var doc ingest.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("line %d: invalid document: %w", line, err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	return docs, nil
}

func printReport(report *ingest.Report) {
	fmt.Printf("Collection: %s\n", report.Collection)
	fmt.Printf("Inserted:   %d\n", report.Inserted)
	fmt.Printf("Upserted:   %d\n", report.Upserted)
	fmt.Printf("Skipped:    %d\n", report.Skipped)
	fmt.Printf("Conflicts:  %d\n", report.Conflicts)
	fmt.Printf("Failed:     %d\n", report.Failed)
	fmt.Printf("Elapsed:    %s\n", report.Elapsed)

	for _, item := range report.Items {
		if item.Err == nil {
			continue
		}
		fmt.Fprintf(os.Stderr, "  %s: %s (%v)\n", item.Status, item.Identifier, item.Err)
	}
}

func printReportJSON(report *ingest.Report) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
