/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command archivectl operates the audit archive store from the command line:
// retention sweeps, retrievals, secure deletion, integrity validation, and
// archive cleanup. It talks straight to postgres; the HTTP service does not
// need to be running.
//
// Exit codes: 0 on success, 1 on an operational failure, 2 on
// misconfiguration.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/jordigilh/audittrail/pkg/archival"
	applog "github.com/jordigilh/audittrail/pkg/log"
	"github.com/jordigilh/audittrail/pkg/repository"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: archivectl <command> [flags]

commands:
  archive    run retention policies: archive aged records, delete expired ones
  retrieve   fetch archived records, decoded per each archive's recorded config
  delete     securely delete live records matching the criteria
  stats      summarize stored archives
  validate   recompute checksums for every stored archive
  cleanup    delete archives past their policy's delete age

The database is taken from POSTGRES_URL or DATABASE_URL.
`)
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	logger := applog.NewLogger(applog.Options{
		ServiceName: "archivectl",
		Development: os.Getenv("APP_ENV") != "production",
	})
	defer applog.Sync(logger)

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "archivectl: POSTGRES_URL or DATABASE_URL must be set")
		return exitUsage
	}

	ctx := context.Background()
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archivectl: open database: %v\n", err)
		return exitFailed
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "archivectl: ping database: %v\n", err)
		return exitFailed
	}

	sqlxDB := sqlx.NewDb(db, "pgx")
	engine := archival.NewEngine(
		repository.NewAuditLogRepository(sqlxDB),
		repository.NewArchiveRepository(sqlxDB),
		repository.NewPolicyRepository(sqlxDB),
		archival.DefaultConfig(),
		nil, nil, logger,
	)

	cmd, args := args[0], args[1:]
	switch cmd {
	case "archive":
		return cmdArchive(ctx, engine, args)
	case "retrieve":
		return cmdRetrieve(ctx, engine, args)
	case "delete":
		return cmdDelete(ctx, engine, args)
	case "stats":
		return cmdStats(ctx, sqlxDB, args)
	case "validate":
		return cmdValidate(ctx, engine)
	case "cleanup":
		return cmdCleanup(ctx, engine, args)
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "archivectl: unknown command %q\n", cmd)
		usage()
		return exitUsage
	}
}

func cmdArchive(ctx context.Context, engine *archival.Engine, args []string) int {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report what would happen without mutating anything")
	policy := fs.String("policy", "", "only report results for this policy")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	results, err := engine.ArchiveByRetentionPolicies(ctx, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archivectl: retention run: %v\n", err)
		return exitFailed
	}

	code := exitOK
	for _, result := range results {
		if *policy != "" && result.PolicyName != *policy {
			continue
		}
		if result.Err != nil {
			fmt.Fprintf(os.Stderr, "policy %s: %v\n", result.PolicyName, result.Err)
			code = exitFailed
			continue
		}
		printJSON(result)
	}
	return code
}

func cmdRetrieve(ctx context.Context, engine *archival.Engine, args []string) int {
	fs := flag.NewFlagSet("retrieve", flag.ContinueOnError)
	archiveID := fs.String("archive-id", "", "retrieve one archive by ID")
	principal := fs.String("principal-id", "", "filter records by principal")
	classifications := fs.String("classification", "", "comma-separated data classifications")
	policies := fs.String("policy", "", "comma-separated retention policies")
	actions := fs.String("actions", "", "comma-separated action filters")
	dateRange := fs.String("date-range", "", "start,end as RFC3339 timestamps")
	limit := fs.Int("limit", 100, "maximum archives to scan")
	output := fs.String("output", "", "write the result to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	req := archival.RetrievalRequest{
		ArchiveID:           *archiveID,
		PrincipalID:         *principal,
		DataClassifications: splitCSV(*classifications),
		RetentionPolicies:   splitCSV(*policies),
		Actions:             splitCSV(*actions),
		Limit:               *limit,
	}
	if *dateRange != "" {
		dr, err := parseDateRange(*dateRange)
		if err != nil {
			fmt.Fprintf(os.Stderr, "archivectl: %v\n", err)
			return exitUsage
		}
		req.DateRange = dr
	}

	result, err := engine.RetrieveArchivedData(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archivectl: retrieve: %v\n", err)
		return exitFailed
	}

	if *output != "" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "archivectl: encode result: %v\n", err)
			return exitFailed
		}
		if err := os.WriteFile(*output, data, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "archivectl: write %s: %v\n", *output, err)
			return exitFailed
		}
		fmt.Printf("wrote %d records from %d archives to %s\n",
			result.RecordCount, len(result.Archives), *output)
		return exitOK
	}
	printJSON(result)
	return exitOK
}

func cmdDelete(ctx context.Context, engine *archival.Engine, args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	principal := fs.String("principal-id", "", "delete records for this principal")
	orgID := fs.String("org-id", "", "delete records for this organization")
	classifications := fs.String("classification", "", "comma-separated data classifications")
	policies := fs.String("policy", "", "comma-separated retention policies")
	dateRange := fs.String("date-range", "", "start,end as RFC3339 timestamps")
	verify := fs.Bool("verify", false, "re-count after deletion and fail if records remain")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	criteria := archival.DeletionCriteria{
		PrincipalID:         *principal,
		OrganizationID:      *orgID,
		DataClassifications: splitCSV(*classifications),
		RetentionPolicies:   splitCSV(*policies),
		VerifyDeletion:      *verify,
	}
	if criteria.PrincipalID == "" && criteria.OrganizationID == "" &&
		len(criteria.DataClassifications) == 0 && len(criteria.RetentionPolicies) == 0 &&
		*dateRange == "" {
		fmt.Fprintln(os.Stderr, "archivectl: delete requires at least one criterion")
		return exitUsage
	}
	if *dateRange != "" {
		dr, err := parseDateRange(*dateRange)
		if err != nil {
			fmt.Fprintf(os.Stderr, "archivectl: %v\n", err)
			return exitUsage
		}
		criteria.DateRange = dr
	}

	result, err := engine.SecureDelete(ctx, criteria)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archivectl: secure delete: %v\n", err)
		return exitFailed
	}
	printJSON(result)
	if result.Status == archival.DeletionFailed {
		return exitFailed
	}
	return exitOK
}

// archiveStats is the stats command's output shape.
type archiveStats struct {
	TotalArchives   int        `json:"totalArchives"`
	TotalRecords    int64      `json:"totalRecords"`
	CompressedBytes int64      `json:"compressedBytes"`
	OriginalBytes   int64      `json:"originalBytes"`
	OldestArchive   *time.Time `json:"oldestArchive,omitempty"`
	NewestArchive   *time.Time `json:"newestArchive,omitempty"`
}

func cmdStats(ctx context.Context, db *sqlx.DB, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "archivectl: stats takes no flags")
		return exitUsage
	}

	archives, err := repository.NewArchiveRepository(db).List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archivectl: list archives: %v\n", err)
		return exitFailed
	}

	stats := archiveStats{TotalArchives: len(archives)}
	for _, archive := range archives {
		stats.TotalRecords += int64(archive.Metadata.RecordCount)
		stats.CompressedBytes += archive.Metadata.CompressedSize
		stats.OriginalBytes += archive.Metadata.OriginalSize
		created := archive.CreatedAt
		if stats.OldestArchive == nil || created.Before(*stats.OldestArchive) {
			t := created
			stats.OldestArchive = &t
		}
		if stats.NewestArchive == nil || created.After(*stats.NewestArchive) {
			t := created
			stats.NewestArchive = &t
		}
	}
	printJSON(stats)
	return exitOK
}

func cmdValidate(ctx context.Context, engine *archival.Engine) int {
	result, err := engine.ValidateAllArchives(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archivectl: validate: %v\n", err)
		return exitFailed
	}
	printJSON(result)
	if result.CorruptedArchives > 0 {
		return exitFailed
	}
	return exitOK
}

func cmdCleanup(ctx context.Context, engine *archival.Engine, args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report what would be deleted without deleting")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	result, err := engine.CleanupOldArchives(ctx, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archivectl: cleanup: %v\n", err)
		return exitFailed
	}
	printJSON(result)
	return exitOK
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseDateRange(value string) (*archival.DateRange, error) {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("date-range must be start,end")
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("parse date-range start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("parse date-range end: %w", err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("date-range end precedes start")
	}
	return &archival.DateRange{Start: start, End: end}, nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "archivectl: encode output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
