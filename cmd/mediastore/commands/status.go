package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ltessier/mediastore/internal/bytesize"
	"github.com/ltessier/mediastore/internal/cli/output"
	"github.com/ltessier/mediastore/pkg/client"
)

// statusTimeout bounds the whole status call.
const statusTimeout = 10 * time.Second

var (
	statusHost   string
	statusPort   int
	statusOutput string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a storage server's status",
	Long: `Fetch and display a storage server's process/system snapshot.

Examples:
  # Check the local server
  mediastore status

  # Check a remote server, as JSON
  mediastore status --host stor1.example.com --port 1234 --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusHost, "host", "127.0.0.1", "Storage server host")
	statusCmd.Flags().IntVar(&statusPort, "port", 1234, "Storage server port")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	cl := client.New(statusHost, statusPort)
	status, err := cl.Status(ctx)
	if err != nil {
		return fmt.Errorf("unable to reach storage server at %s:%d: %w", statusHost, statusPort, err)
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, status)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, status)
	default:
		return printStatusTable(statusHost, statusPort, status)
	}
}

func printStatusTable(host string, port int, status map[string]any) error {
	fmt.Printf("\nStorage server %s:%d\n\n", host, port)

	pairs := [][2]string{
		{"CPU", fmt.Sprintf("%.1f%%", digFloat(status, "process", "cpu", "percent")*100)},
		{"Memory", fmt.Sprintf("%.1f%% (%s)",
			digFloat(status, "process", "memory", "percent"),
			bytesize.ByteSize(digFloat(status, "process", "memory", "rss")).String())},
		{"Threads", fmt.Sprintf("%.0f", digFloat(status, "process", "threads"))},
		{"Load", fmt.Sprintf("%.2f / %.2f / %.2f",
			digFloat(status, "system", "load", "t1"),
			digFloat(status, "system", "load", "t5"),
			digFloat(status, "system", "load", "t15"))},
		{"Families", strings.Join(digStrings(status, "families"), ", ")},
	}
	if err := output.SimpleTable(os.Stdout, pairs); err != nil {
		return err
	}
	fmt.Println()
	return nil
}

// digFloat walks nested JSON objects down to a numeric leaf. Missing or
// mistyped fields degrade to zero.
func digFloat(m map[string]any, path ...string) float64 {
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			return 0
		}
		m = next
	}
	f, _ := m[path[len(path)-1]].(float64)
	return f
}

// digStrings reads a string array leaf. The generic family shows up as the
// empty string; it renders as "generic".
func digStrings(m map[string]any, key string) []string {
	raw, _ := m[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, _ := v.(string)
		if s == "" {
			s = "generic"
		}
		out = append(out, s)
	}
	return out
}
