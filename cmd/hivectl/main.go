package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/swarm"
)

const requestTimeout = 10 * time.Second

type requester interface {
	RequestJSON(topic string, req, resp any, timeout time.Duration) error
}

func sendIPC(c requester, cmdType string, payload any) (*swarm.IPCResponse, error) {
	cmd := swarm.IPCCommand{Type: cmdType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		cmd.Payload = data
	}

	var resp swarm.IPCResponse
	if err := c.RequestJSON(natsbus.TopicIPC, cmd, &resp, requestTimeout); err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  hivectl add --type analysis --description "..." [--priority 2]`)
	fmt.Fprintln(os.Stderr, "  hivectl status")
	fmt.Fprintln(os.Stderr, "  hivectl top [--n 5]")
	fmt.Fprintln(os.Stderr, "  hivectl stop")
	os.Exit(1)
}

func run(c requester, w io.Writer, command string, rest []string) error {
	args := parseArgs(rest)

	switch command {
	case "add":
		if args["type"] == "" || args["description"] == "" {
			return errors.New("--type and --description are required")
		}
		req := swarm.AddTaskRequest{Type: args["type"], Description: args["description"]}
		if p := args["priority"]; p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return fmt.Errorf("invalid priority %q", p)
			}
			req.Priority = n
		}
		resp, err := sendIPC(c, "add_task", req)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Task added: %s\n", resp.ID)

	case "status":
		resp, err := sendIPC(c, "status", nil)
		if err != nil {
			return err
		}
		if resp.Status == nil {
			return errors.New("empty status")
		}
		printStatus(w, resp.Status)

	case "top":
		req := swarm.TopResultsRequest{}
		if v := args["n"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return fmt.Errorf("invalid --n %q", v)
			}
			req.N = n
		}
		resp, err := sendIPC(c, "top_results", req)
		if err != nil {
			return err
		}
		if len(resp.Results) == 0 {
			fmt.Fprintln(w, "No results yet.")
			return nil
		}
		for i, e := range resp.Results {
			fmt.Fprintf(w, "#%d  %.2f  %s  cycle %d\n%s\n\n", i+1, e.Score, e.Producer, e.Cycle, e.Content)
		}

	case "stop":
		if _, err := sendIPC(c, "stop", nil); err != nil {
			return err
		}
		fmt.Fprintln(w, "Stop requested.")

	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	return nil
}

func printStatus(w io.Writer, st *swarm.StatusReport) {
	state := "finished"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(w, "Run:     %s (%s, %s)\n", st.RunID, st.Mode, state)
	if st.Uptime != "" {
		fmt.Fprintf(w, "Uptime:  %s\n", st.Uptime)
	}
	fmt.Fprintf(w, "Results: %d", st.Results)
	if st.Best != nil {
		fmt.Fprintf(w, " (best %.2f by %s)", st.Best.Score, st.Best.Producer)
	}
	fmt.Fprintln(w)
	for status, n := range st.Tasks {
		fmt.Fprintf(w, "Tasks %s: %d\n", status, n)
	}
	if len(st.Stalled) > 0 {
		fmt.Fprintf(w, "Stalled: %s\n", strings.Join(st.Stalled, ", "))
	}

	if len(st.Agents) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tROLE\tSTATE\tCYCLE\tOK\tFAILED\tTIMEOUTS")
	for _, a := range st.Agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n", a.ID, a.Role, a.State, a.Cycle, a.Successes, a.Failures, a.Timeouts)
	}
	tw.Flush()
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connect to nats: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := run(client, os.Stdout, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		client.Close()
		os.Exit(1)
	}
}
