package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/queue"
	"github.com/mtzanidakis/hive/internal/swarm"
)

const maxMessageLen = 4096

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Try to split at a newline
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}

func formatSummary(sum swarm.Summary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Swarm run %s finished (%s) after %s\n", shortID(sum.RunID), sum.Reason, sum.Duration.Round(time.Second))
	fmt.Fprintf(&sb, "Results: %d, tasks completed: %d, failed: %d\n",
		sum.Results, sum.Tasks[queue.StatusCompleted], sum.Tasks[queue.StatusFailed])
	if sum.Best == nil {
		sb.WriteString("\nNo result was produced.")
		return sb.String()
	}
	fmt.Fprintf(&sb, "\nBest result (score %.2f, %s):\n\n%s", sum.Best.Score, sum.Best.Producer, sum.Best.Content)
	return sb.String()
}

func formatStatus(st swarm.StatusReport) string {
	var sb strings.Builder
	state := "finished"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(&sb, "Run %s (%s, %s)", shortID(st.RunID), st.Mode, state)
	if st.Uptime != "" {
		fmt.Fprintf(&sb, ", up %s", st.Uptime)
	}
	fmt.Fprintf(&sb, "\nTasks: %d pending, %d claimed, %d completed, %d failed\n",
		st.Tasks[queue.StatusPending], st.Tasks[queue.StatusClaimed], st.Tasks[queue.StatusCompleted], st.Tasks[queue.StatusFailed])
	fmt.Fprintf(&sb, "Results: %d", st.Results)
	if st.Best != nil {
		fmt.Fprintf(&sb, ", best %.2f by %s", st.Best.Score, st.Best.Producer)
	}
	for _, a := range st.Agents {
		fmt.Fprintf(&sb, "\n%s %s %s cycle %d", a.ID, a.Role, a.State, a.Cycle)
	}
	if len(st.Stalled) > 0 {
		fmt.Fprintf(&sb, "\nStalled: %s", strings.Join(st.Stalled, ", "))
	}
	return sb.String()
}

func formatEntries(entries []memory.Entry) string {
	if len(entries) == 0 {
		return "No results yet."
	}
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%d. %.2f by %s (cycle %d)\n%s", i+1, e.Score, e.Producer, e.Cycle, e.Content)
	}
	return sb.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
