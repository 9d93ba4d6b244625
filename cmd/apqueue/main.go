package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"apqueue/internal"
	"apqueue/internal/bootstrap"
	"apqueue/internal/config"
	"apqueue/internal/export"
	"apqueue/internal/mailparse"
	"apqueue/internal/queue"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	app, err := bootstrap.New(cfg, "apqueue")
	must(err)
	defer app.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	switch cmd {
	case "scan":
		must(app.EnableScanner(ctx))
		result, err := app.Scanner.Scan(ctx)
		must(err)
		app.Sync.Wait()
		fmt.Printf("scan %s fetched=%d processed=%d queued=%d discarded=%d skipped=%d failed=%d\n",
			result.ScanID, result.Fetched, result.Processed, result.Queued, result.Discarded, result.Skipped, result.Failed)
	case "triage:file":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		path := fs.String("path", "", "raw .eml file")
		retriage := fs.Bool("force", false, "classify again even if already processed")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*path) == "" {
			must(fmt.Errorf("--path is required"))
		}
		raw, err := os.ReadFile(*path)
		must(err)
		email, err := mailparse.Parse(raw, internal.MessageRow{Provider: "file"})
		must(err)
		triageFn := app.Triage.Triage
		if *retriage {
			triageFn = app.Triage.Retriage
		}
		outcome, err := triageFn(email)
		must(err)
		if outcome.Skipped {
			fmt.Printf("already processed: %s\n", email.ItemID())
			return
		}
		if outcome.Queued {
			app.Sync.Push(outcome.Item)
			app.Sync.Wait()
		}
		fmt.Printf("triaged id=%s tier=%s confidence=%.2f queued=%t\n",
			email.ItemID(), outcome.Result.Tier, outcome.Result.Confidence, outcome.Queued)
		if outcome.Anomaly != nil {
			fmt.Printf("amount anomaly: %.1fx the vendor average %.2f\n", outcome.Anomaly.Ratio, outcome.Anomaly.Average)
		}
	case "queue:list":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		status := fs.String("status", "", "filter by status")
		_ = fs.Parse(os.Args[2:])
		count := 0
		for _, item := range app.Store.List() {
			if *status != "" && string(item.Status) != *status {
				continue
			}
			count++
			amount := ""
			if item.Detected.Amount != nil {
				amount = fmt.Sprintf("%s %.2f", item.Detected.Currency, *item.Detected.Amount)
			}
			synced := "-"
			if item.SyncedAt != nil {
				synced = "synced"
			}
			fmt.Printf("%-24s %-13s %-6s %4.2f %-24s %14s %s\n",
				item.ID, item.Status, item.Tier, item.Confidence, item.Detected.Vendor, amount, synced)
		}
		fmt.Printf("%d items\n", count)
	case "queue:status":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.String("id", "", "item id")
		status := fs.String("status", "", "target status")
		note := fs.String("note", "", "note recorded in the activity log")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*id) == "" || strings.TrimSpace(*status) == "" {
			must(fmt.Errorf("--id and --status are required"))
		}
		target := internal.Status(*status)
		if !target.Valid() {
			must(fmt.Errorf("unknown status %q", *status))
		}
		changed, err := app.Store.UpdateStatus(*id, target, &queue.Extra{Note: *note, Actor: app.Settings.Current().Actor()})
		must(err)
		if !changed {
			fmt.Printf("no change for %s\n", *id)
			return
		}
		if item, ok := app.Store.Get(*id); ok {
			app.Sync.Push(item)
			app.Sync.Wait()
		}
		fmt.Printf("%s moved to %s\n", *id, target)
	case "queue:remove":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.String("id", "", "item id")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*id) == "" {
			must(fmt.Errorf("--id is required"))
		}
		removed, err := app.Store.Remove(*id)
		must(err)
		fmt.Printf("removed=%t id=%s\n", removed, *id)
	case "export:csv", "export:xlsx":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		out := fs.String("out", "", "output path")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*out) == "" {
			must(fmt.Errorf("--out is required"))
		}
		items := app.Store.List()
		must(os.MkdirAll(filepath.Dir(*out), 0o755))
		f, err := os.Create(*out)
		must(err)
		if cmd == "export:csv" {
			err = export.WriteCSV(f, items)
		} else {
			err = export.WriteXLSX(f, items)
		}
		must(errors.Join(err, f.Close()))
		fmt.Printf("exported %d items to %s\n", len(items), *out)
	case "sync:pull":
		changed, err := app.Sync.Pull(ctx)
		must(err)
		pushed := app.Sync.PushUnsynced()
		app.Sync.Wait()
		fmt.Printf("pull complete changed=%d repushed=%d\n", changed, pushed)
	case "erp:status":
		status, err := app.Backend.ERPStatus(ctx)
		must(err)
		printJSON(status)
	case "erp:connect":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		erp := fs.String("erp", "", "ERP name")
		wait := fs.Bool("wait", false, "wait until the connection completes")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*erp) == "" {
			must(fmt.Errorf("--erp is required"))
		}
		authURL, err := app.Backend.ConnectERP(ctx, *erp)
		must(err)
		fmt.Printf("open to authorize: %s\n", authURL)
		if *wait {
			waitCtx, stop := context.WithTimeout(ctx, cfg.ERPConnectTimeout())
			defer stop()
			status, err := app.Backend.WaitForERPConnection(waitCtx, *erp, 0)
			must(err)
			printJSON(status)
		}
	case "aging":
		summary, err := app.Backend.AgingSummary(ctx)
		must(err)
		printJSON(summary)
	case "settings:validate":
		result := app.Settings.Validate()
		printJSON(result)
		if !result.Valid {
			os.Exit(1)
		}
	case "settings:set":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		raw := app.Settings.Raw()
		fs.StringVar(&raw.BackendURL, "backend-url", raw.BackendURL, "backend base URL")
		fs.StringVar(&raw.OrganizationID, "org", raw.OrganizationID, "organization id")
		fs.StringVar(&raw.UserEmail, "user", raw.UserEmail, "user email")
		fs.StringVar(&raw.SlackChannel, "slack-channel", raw.SlackChannel, "slack channel for approvals")
		confidence := fs.Float64("confidence", -1, "auto-queue confidence threshold (0-1)")
		anomaly := fs.Float64("anomaly", -1, "amount anomaly ratio (0-5)")
		_ = fs.Parse(os.Args[2:])
		if *confidence >= 0 {
			raw.ConfidenceThreshold = confidence
		}
		if *anomaly >= 0 {
			raw.AmountAnomalyThreshold = anomaly
		}
		result, err := app.Settings.Save(raw)
		printJSON(result)
		must(err)
	case "vendors:import":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		file := fs.String("file", "", "vendors YAML file")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*file) == "" {
			must(fmt.Errorf("--file is required"))
		}
		n, err := app.Vendors.Import(*file, app.DB)
		must(err)
		fmt.Printf("imported %d vendors (%d known)\n", n, len(app.Vendors.List()))
	case "clear-data":
		must(app.Store.Clear())
		fmt.Println("queue data cleared")
	default:
		usage()
		os.Exit(1)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	must(err)
	fmt.Println(string(out))
}

func usage() {
	fmt.Println("usage:")
	fmt.Println("  apqueue scan")
	fmt.Println("  apqueue triage:file --path <file.eml> [--force]")
	fmt.Println("  apqueue queue:list [--status <status>]")
	fmt.Println("  apqueue queue:status --id <id> --status <status> [--note <text>]")
	fmt.Println("  apqueue queue:remove --id <id>")
	fmt.Println("  apqueue export:csv --out <file.csv>")
	fmt.Println("  apqueue export:xlsx --out <file.xlsx>")
	fmt.Println("  apqueue sync:pull")
	fmt.Println("  apqueue erp:status")
	fmt.Println("  apqueue erp:connect --erp <name> [--wait]")
	fmt.Println("  apqueue aging")
	fmt.Println("  apqueue settings:validate")
	fmt.Println("  apqueue settings:set [--backend-url ..] [--org ..] [--user ..] [--slack-channel ..] [--confidence ..] [--anomaly ..]")
	fmt.Println("  apqueue vendors:import --file <vendors.yaml>")
	fmt.Println("  apqueue clear-data")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
