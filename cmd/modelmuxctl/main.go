package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var version = "dev"

// loadEnvFile reads ~/.modelmux/env and sets any key=value pairs not already
// present in the process environment, so modelmuxctl works out of the box
// without shell profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.modelmux/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("modelmuxctl %s\n", version)
	case "status":
		doStatus()
	case "deployment", "deployments":
		doDeployments(args)
	case "summary":
		doSummary()
	case "policy", "policies":
		doPolicies()
	case "budget":
		doBudget(args)
	case "route":
		doRoute(args)
	case "decisions":
		doDecisions(args)
	case "stats":
		doStats()
	case "reload":
		doReload()
	case "vault":
		doVault(args)
	case "events":
		doEvents()
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `modelmuxctl — CLI for the modelmux admin API

Usage: modelmuxctl <command> [arguments]

Environment:
  MODELMUX_URL     Base URL (default: http://localhost:8080)
  MODELMUX_TENANT  Tenant ID sent as X-Tenant-ID (default: default)

  ~/.modelmux/env  Auto-sourced on startup. Explicit environment
                   variables take precedence.

Commands:
  status                      Show server health and catalog counts
  summary                     Show aggregate catalog counts

  deployments                 List deployments
  deployments --capability X  List deployments with a capability
  deployments --tag X         List deployments with a tag
  deployments --healthy       List healthy deployments only
  deployment <name>           Show one deployment

  policies                    List routing policies
  budget <tenant>             Show a tenant's current-month budget status

  route <json>                Ask the router for a decision without invoking
  decisions [--limit N]       Show the persisted decision audit log
  stats                       Show rolling-window routing stats
  reload                      Re-read catalog and policy files

  vault unlock <password>     Unlock the credential vault
  vault lock                  Lock the credential vault

  events                      Stream real-time SSE events

  version                     Show version
  help                        Show this help

Examples:
  modelmuxctl status
  modelmuxctl deployments --capability embeddings
  modelmuxctl route '{"feature":"qa","required_capabilities":["chat"]}'
  modelmuxctl budget acme
  modelmuxctl vault unlock "my-secret-password"
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("MODELMUX_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func tenantID() string {
	if t := os.Getenv("MODELMUX_TENANT"); t != "" {
		return t
	}
	return "default"
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tenant-ID", tenantID())
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	var body io.Reader
	if bodyJSON != "" {
		body = strings.NewReader(bodyJSON)
	}
	resp, err := doRequest("POST", path, body)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		// Might be an array; wrap it.
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}
		}
		fatal(err)
	}
	return result
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	fatal(err)
	fmt.Println(string(out))
}

// --- Commands ---

func doStatus() {
	printJSON(doGet("/healthz"))
}

func doSummary() {
	printJSON(doGet("/admin/v1/catalog/summary"))
}

func doDeployments(args []string) {
	// A bare name argument shows a single deployment.
	if len(args) == 1 && !strings.HasPrefix(args[0], "--") {
		printJSON(doGet("/admin/v1/deployments/" + args[0]))
		return
	}

	path := "/admin/v1/deployments"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--capability":
			i++
			path += "?capability=" + args[i]
		case "--tag":
			i++
			path += "?tag=" + args[i]
		case "--healthy":
			path += "?healthy=true"
		}
	}

	items := doGet(path)["items"].([]any)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tHEALTH\tLATENCY\tCONTEXT\tCAPABILITIES")
	for _, it := range items {
		d := it.(map[string]any)
		perf, _ := d["performance"].(map[string]any)
		caps := joinAny(d["capabilities"])
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%s\n",
			d["name"], d["health_status"], perf["latency"], perf["context_length"], caps)
	}
	_ = tw.Flush()
}

func doPolicies() {
	items := doGet("/admin/v1/policies")["items"].([]any)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TENANT\tFEATURE\tPRIMARY\tFALLBACK\tBUDGET_FALLBACK\tCEILING")
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].(map[string]any), items[j].(map[string]any)
		return fmt.Sprint(a["tenant_id"], a["feature"]) < fmt.Sprint(b["tenant_id"], b["feature"])
	})
	for _, it := range items {
		p := it.(map[string]any)
		chain, _ := p["selection_chain"].(map[string]any)
		budget, _ := p["budget"].(map[string]any)
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\n",
			p["tenant_id"], p["feature"], chain["primary"], chain["fallback"],
			chain["budget_fallback"], budget["monthly_ceiling"])
	}
	_ = tw.Flush()
}

func doBudget(args []string) {
	if len(args) < 1 {
		fatal(fmt.Errorf("usage: modelmuxctl budget <tenant>"))
	}
	printJSON(doGet("/v1/budget/" + args[0]))
}

func doRoute(args []string) {
	if len(args) < 1 {
		fatal(fmt.Errorf("usage: modelmuxctl route <json>"))
	}
	printJSON(doPost("/v1/route", args[0]))
}

func doDecisions(args []string) {
	limit := "50"
	for i := 0; i < len(args); i++ {
		if args[i] == "--limit" && i+1 < len(args) {
			limit = args[i+1]
		}
	}
	items := doGet("/admin/v1/decisions?limit=" + limit)["items"].([]any)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTENANT\tFEATURE\tDEPLOYMENT\tREASON\tCOST")
	for _, it := range items {
		d := it.(map[string]any)
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\n",
			d["timestamp"], d["tenant_id"], d["feature"], d["deployment"],
			d["reason"], d["estimated_cost"])
	}
	_ = tw.Flush()
}

func doStats() {
	printJSON(doGet("/admin/v1/stats"))
}

func doReload() {
	printJSON(doPost("/admin/v1/reload", ""))
}

func doVault(args []string) {
	if len(args) < 1 {
		fatal(fmt.Errorf("usage: modelmuxctl vault unlock <password> | vault lock"))
	}
	switch args[0] {
	case "unlock":
		if len(args) < 2 {
			fatal(fmt.Errorf("usage: modelmuxctl vault unlock <password>"))
		}
		body, _ := json.Marshal(map[string]string{"password": args[1]})
		printJSON(doPost("/admin/v1/vault/unlock", string(body)))
	case "lock":
		printJSON(doPost("/admin/v1/vault/lock", ""))
	default:
		fatal(fmt.Errorf("unknown vault subcommand: %s", args[0]))
	}
}

func doEvents() {
	resp, err := doRequest("GET", "/admin/v1/events", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}

	fmt.Println("streaming events (Ctrl-C to stop)...")
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			fmt.Println(line)
		}
	}
}

func joinAny(v any) string {
	arr, ok := v.([]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(arr))
	for _, a := range arr {
		parts = append(parts, fmt.Sprint(a))
	}
	return strings.Join(parts, ",")
}
