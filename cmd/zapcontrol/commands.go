package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/zapcontrol/pkg/compare"
	"github.com/exploopio/zapcontrol/pkg/engine"
	"github.com/exploopio/zapcontrol/pkg/metrics"
)

func runMigrate(ctx context.Context, a *app, args []string) error {
	// Opening the store applied the schema.
	if err := a.store.Ping(ctx); err != nil {
		return err
	}
	fmt.Printf("Schema is up to date in %s\n", a.cfg.Store.DatabasePath)
	return nil
}

func runSeed(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	file := fs.String("file", "", "Catalog YAML file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("-file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	catalog, err := ParseCatalog(data)
	if err != nil {
		return err
	}
	res, err := catalog.Seed(ctx, a.store)
	if err != nil {
		return err
	}
	fmt.Printf("Created %d projects, %d targets, %d profiles, %d nodes, %d jobs\n",
		res.Projects, res.Targets, res.Profiles, res.Nodes, res.Jobs)
	return nil
}

func runSchedule(ctx context.Context, a *app, args []string) error {
	sched, err := a.newScheduler(&metrics.NopCollector{})
	if err != nil {
		return err
	}
	n, err := sched.ScheduleDueJobs(ctx, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Scheduled %d runs\n", n)
	return nil
}

func runEnqueue(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	jobID := fs.Int64("job", 0, "Scan job ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID <= 0 {
		return errors.New("-job is required")
	}

	run, err := a.newEngine(&metrics.NopCollector{}).Enqueue(ctx, *jobID)
	if err != nil {
		return err
	}
	fmt.Printf("Enqueued run #%d\n", run.ID)
	return nil
}

func runClaimOnce(ctx context.Context, a *app, args []string) error {
	eng := a.newEngine(&metrics.NopCollector{})
	holder := "cli-" + uuid.NewString()

	rc, err := eng.Claim(ctx, holder)
	if err != nil {
		return err
	}
	if rc == nil {
		fmt.Println("No queued runs.")
		return nil
	}

	fmt.Printf("Processing run #%d on %s\n", rc.Run.ID, rc.Node.Name)
	run, err := eng.Execute(ctx, rc)
	var runErr *engine.RunError
	if err != nil && !errors.As(err, &runErr) {
		return err
	}
	fmt.Printf("Run #%d %s", run.ID, run.Status)
	if run.ErrorMessage != "" {
		fmt.Printf(": %s", run.ErrorMessage)
	}
	fmt.Println()
	return nil
}

func runHealthcheck(ctx context.Context, a *app, args []string) error {
	results, err := a.newHealthChecker(&metrics.NopCollector{}).CheckAll(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATUS\tVERSION\tLATENCY\tERROR")
	for _, r := range results {
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Status, r.Version, r.Latency.Round(time.Millisecond), errMsg)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Println("Node health check completed")
	return nil
}

func runIngest(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	jobID := fs.Int64("job", 0, "Scan job ID the alerts belong to")
	file := fs.String("file", "", "ZAP JSON alert file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID <= 0 || *file == "" {
		return errors.New("-job and -file are required")
	}

	run, err := a.newEngine(&metrics.NopCollector{}).IngestFile(ctx, *jobID, *file)
	if err != nil {
		return err
	}
	fmt.Printf("Ingested %s as run #%d\n", *file, run.ID)
	return nil
}

func runCompare(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("compare", flag.ExitOnError)
	from := fs.Int64("from", 0, "Older run ID")
	to := fs.Int64("to", 0, "Newer run ID")
	asset := fs.Int64("asset", 0, "Restrict the comparison to one asset ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from <= 0 || *to <= 0 {
		return errors.New("-from and -to are required")
	}

	var assetID *int64
	if *asset > 0 {
		assetID = asset
	}
	cmp, err := compare.New(a.store, a.componentLogger("compare")).Compare(ctx, *from, *to, assetID)
	if err != nil {
		return err
	}
	return printJSON(cmp)
}

func runRaw(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("raw", flag.ExitOnError)
	runID := fs.Int64("run", 0, "Run ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID <= 0 {
		return errors.New("-run is required")
	}

	alerts, err := a.newEngine(&metrics.NopCollector{}).RawAlerts(ctx, *runID)
	if err != nil {
		return err
	}
	return printJSON(alerts)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
