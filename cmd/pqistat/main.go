// Command pqistat connects to a running pqiemu instance's control socket
// and reports its current state, grounded on the corpus's own inventory
// tool (cmd/tcgdiskstat) -- same three output modes, same tabwriter table.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

var (
	socketPath = flag.String("socket", "", "Path to a running pqiemu instance's control socket")
	outputFmt  = flag.String("output", "table", "Output format; one of [table, json, openmetrics]")
)

// status is the subset of a device's runtime state this tool renders in
// table/json mode, parsed out of the METRICS exposition text.
type status struct {
	Instance       string `json:"instance"`
	State          string `json:"state"`
	DoorbellWrites uint64 `json:"doorbell_writes_total"`
	Interrupts     uint64 `json:"interrupts_total"`
	AdminErrors    uint64 `json:"admin_errors_total"`
	QueueDepths    map[string]uint64 `json:"queue_depths"`
}

func main() {
	flag.Parse()
	if *socketPath == "" {
		fmt.Fprintln(os.Stderr, "pqistat: -socket is required")
		os.Exit(2)
	}

	raw, err := fetchMetrics(*socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pqistat: %v\n", err)
		os.Exit(1)
	}
	s := parseMetrics(raw)

	switch *outputFmt {
	case "json":
		outputJSON(s)
	case "openmetrics":
		fmt.Print(raw)
	case "table":
		outputTable(s)
	default:
		fmt.Printf("Unsupported output format %q\n", *outputFmt)
		flag.Usage()
		os.Exit(2)
	}
}

func fetchMetrics(socketPath string) (string, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("METRICS\n")); err != nil {
		return "", fmt.Errorf("send METRICS: %w", err)
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "END" {
			break
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read metrics: %w", err)
	}
	return sb.String(), nil
}

// parseMetrics pulls the handful of fields this tool displays out of the
// Prometheus text exposition, rather than carrying a second Prometheus
// client-side parser dependency for a short CLI summary.
func parseMetrics(text string) status {
	s := status{State: "-", QueueDepths: map[string]uint64{}}
	for _, line := range strings.Split(text, "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, labels, value := splitSample(line)
		switch name {
		case "pqiemu_device_state":
			s.Instance = labels["instance"]
			s.State = labels["state"]
		case "pqiemu_doorbell_writes_total":
			s.DoorbellWrites = uint64(value)
		case "pqiemu_interrupts_total":
			s.Interrupts = uint64(value)
		case "pqiemu_admin_errors_total":
			s.AdminErrors = uint64(value)
		case "pqiemu_queue_depth":
			key := labels["direction"] + ":" + labels["queue_id"]
			s.QueueDepths[key] = uint64(value)
		}
	}
	return s
}

func splitSample(line string) (name string, labels map[string]string, value float64) {
	labels = map[string]string{}
	open := strings.IndexByte(line, '{')
	if open < 0 {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			v, _ := strconv.ParseFloat(fields[1], 64)
			return fields[0], labels, v
		}
		return "", labels, 0
	}
	name = line[:open]
	closeIdx := strings.IndexByte(line, '}')
	if closeIdx < 0 {
		return name, labels, 0
	}
	for _, pair := range strings.Split(line[open+1:closeIdx], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		labels[kv[0]] = strings.Trim(kv[1], `"`)
	}
	rest := strings.Fields(strings.TrimSpace(line[closeIdx+1:]))
	if len(rest) == 1 {
		value, _ = strconv.ParseFloat(rest[0], 64)
	}
	return name, labels, value
}

func outputJSON(s status) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pqistat: marshal JSON: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(b)
	fmt.Println()
}

func outputTable(s status) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "INSTANCE\tSTATE\tDOORBELLS\tINTERRUPTS\tADMIN_ERRORS\n")
	fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", s.Instance, s.State, s.DoorbellWrites, s.Interrupts, s.AdminErrors)
	w.Flush()

	if len(s.QueueDepths) == 0 {
		return
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "DIRECTION\tQUEUE_ID\tDEPTH\n")
	for k, depth := range s.QueueDepths {
		parts := strings.SplitN(k, ":", 2)
		fmt.Fprintf(w, "%s\t%s\t%d\n", parts[0], parts[1], depth)
	}
	w.Flush()
}
