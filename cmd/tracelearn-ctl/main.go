// Package main provides the tracelearn-ctl CLI against a running daemon.
//
// Usage:
//
//	tracelearn-ctl status [--addr 127.0.0.1:8750]
//	tracelearn-ctl events [--kind file_op] [--from <rfc3339>] [--to <rfc3339>] [--limit 100]
//	tracelearn-ctl features [--name activity] [--latest]
//	tracelearn-ctl models [--name <model>]
//	tracelearn-ctl recommend --features cpu_percent_mean=42,focus_duration_s=1800
//	tracelearn-ctl feedback --id <recommendation-id> --decision accepted|rejected|ignored
//	tracelearn-ctl extract|train|purge
//	tracelearn-ctl promote --name <model> --artifact <artifact-id>
//	tracelearn-ctl export --collection events|features|models|feedback [--out <file>]
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultAddr = "127.0.0.1:8750"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "status":
		runStatus(os.Args[2:])
	case "events":
		runEvents(os.Args[2:])
	case "features":
		runFeatures(os.Args[2:])
	case "models":
		runModels(os.Args[2:])
	case "recommend":
		runRecommend(os.Args[2:])
	case "feedback":
		runFeedback(os.Args[2:])
	case "extract", "train", "purge":
		runTrigger(os.Args[1], os.Args[2:])
	case "promote":
		runPromote(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, "tracelearn-ctl — TraceLearn daemon CLI\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  tracelearn-ctl <command> [flags]\n\n")
	fmt.Fprint(os.Stderr, "Commands:\n")
	fmt.Fprint(os.Stderr, "  status     Show daemon status\n")
	fmt.Fprint(os.Stderr, "  events     Query stored events\n")
	fmt.Fprint(os.Stderr, "  features   Show extracted feature sets\n")
	fmt.Fprint(os.Stderr, "  models     Show model artifacts\n")
	fmt.Fprint(os.Stderr, "  recommend  Request recommendations for a context\n")
	fmt.Fprint(os.Stderr, "  feedback   Record a decision on a recommendation\n")
	fmt.Fprint(os.Stderr, "  extract    Trigger a feature extraction run\n")
	fmt.Fprint(os.Stderr, "  train      Trigger a training run\n")
	fmt.Fprint(os.Stderr, "  promote    Promote a trained candidate\n")
	fmt.Fprint(os.Stderr, "  purge      Trigger a retention purge\n")
	fmt.Fprint(os.Stderr, "  export     Export a collection as JSONL\n\n")
	fmt.Fprint(os.Stderr, "Use \"tracelearn-ctl <command> --help\" for more information about a command.\n")
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Daemon control address")
	parseFlags(fs, args)

	getAndPrint(*addr, "/api/v1/status", nil)
}

func runEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Daemon control address")
	kind := fs.String("kind", "", "Filter by event kind")
	from := fs.String("from", "", "Start of range (RFC3339)")
	to := fs.String("to", "", "End of range (RFC3339)")
	limit := fs.Int("limit", 100, "Maximum events to return")
	parseFlags(fs, args)

	q := url.Values{}
	if *kind != "" {
		q.Set("kind", *kind)
	}
	if *from != "" {
		q.Set("from", *from)
	}
	if *to != "" {
		q.Set("to", *to)
	}
	q.Set("limit", strconv.Itoa(*limit))
	getAndPrint(*addr, "/api/v1/events", q)
}

func runFeatures(args []string) {
	fs := flag.NewFlagSet("features", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Daemon control address")
	name := fs.String("name", "activity", "Feature spec name")
	latest := fs.Bool("latest", false, "Only the newest generation")
	parseFlags(fs, args)

	q := url.Values{}
	if *latest {
		q.Set("latest", "true")
	}
	getAndPrint(*addr, "/api/v1/features/"+url.PathEscape(*name), q)
}

func runModels(args []string) {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Daemon control address")
	name := fs.String("name", "", "Model name (all models when empty)")
	parseFlags(fs, args)

	path := "/api/v1/models"
	if *name != "" {
		path += "/" + url.PathEscape(*name)
	}
	getAndPrint(*addr, path, nil)
}

func runRecommend(args []string) {
	fs := flag.NewFlagSet("recommend", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Daemon control address")
	featureList := fs.String("features", "", "Comma-separated name=value context features")
	parseFlags(fs, args)

	features := map[string]float64{}
	if *featureList != "" {
		for _, pair := range strings.Split(*featureList, ",") {
			name, raw, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				fatalf("invalid feature %q, want name=value", pair)
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				fatalf("invalid feature value %q: %v", raw, err)
			}
			features[name] = v
		}
	}
	postAndPrint(*addr, "/api/v1/recommend", map[string]any{"features": features})
}

func runFeedback(args []string) {
	fs := flag.NewFlagSet("feedback", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Daemon control address")
	id := fs.String("id", "", "Recommendation ID (required)")
	decision := fs.String("decision", "", "accepted, rejected or ignored (required)")
	parseFlags(fs, args)

	if *id == "" || *decision == "" {
		fmt.Fprintln(os.Stderr, "Error: --id and --decision are required")
		fs.Usage()
		os.Exit(1)
	}
	postAndPrint(*addr, "/api/v1/feedback", map[string]any{
		"recommendation_id": *id,
		"decision":          *decision,
	})
}

func runTrigger(job string, args []string) {
	fs := flag.NewFlagSet(job, flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Daemon control address")
	parseFlags(fs, args)

	postAndPrint(*addr, "/api/v1/"+job, nil)
}

func runPromote(args []string) {
	fs := flag.NewFlagSet("promote", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Daemon control address")
	name := fs.String("name", "", "Model name (required)")
	artifact := fs.String("artifact", "", "Artifact ID (required)")
	parseFlags(fs, args)

	if *name == "" || *artifact == "" {
		fmt.Fprintln(os.Stderr, "Error: --name and --artifact are required")
		fs.Usage()
		os.Exit(1)
	}
	postAndPrint(*addr, "/api/v1/promote", map[string]any{
		"name":        *name,
		"artifact_id": *artifact,
	})
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Daemon control address")
	collection := fs.String("collection", "events", "events, features, models or feedback")
	out := fs.String("out", "", "Output file (stdout when empty)")
	parseFlags(fs, args)

	resp, err := httpClient().Get("http://" + *addr + "/api/v1/export/" + url.PathEscape(*collection))
	if err != nil {
		fatalf("daemon unreachable at %s: %v", *addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fatalf("export failed: %s", readError(resp))
	}

	dst := io.Writer(os.Stdout)
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fatalf("cannot create %s: %v", *out, err)
		}
		defer f.Close()
		dst = f
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		fatalf("export interrupted: %v", err)
	}
	if *out != "" {
		fmt.Printf("exported %d bytes to %s\n", n, *out)
	}
}

// ─── Helpers ──────────────────────────────────────────────────

func parseFlags(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func getAndPrint(addr, path string, q url.Values) {
	u := "http://" + addr + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := httpClient().Get(u)
	if err != nil {
		fatalf("daemon unreachable at %s: %v", addr, err)
	}
	printResponse(resp)
}

func postAndPrint(addr, path string, body any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			fatalf("encode request: %v", err)
		}
	}
	resp, err := httpClient().Post("http://"+addr+path, "application/json", &buf)
	if err != nil {
		fatalf("daemon unreachable at %s: %v", addr, err)
	}
	printResponse(resp)
}

func printResponse(resp *http.Response) {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		fatalf("%s: %s", resp.Status, readError(resp))
	}
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		fatalf("decode response: %v", err)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("format response: %v", err)
	}
	fmt.Println(string(pretty))
}

func readError(resp *http.Response) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return e.Error
	}
	return resp.Status
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
