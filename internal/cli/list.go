package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active kernels",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := http.Get(apiURL + "/v1/kernels")
		if err != nil {
			fmt.Printf("Error connecting to server: %v\nIs the server running?\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Printf("Server returned error: %s\n", resp.Status)
			os.Exit(1)
		}

		var result struct {
			Kernels []struct {
				FullID       string    `json:"id"`
				Mode         string    `json:"mode"`
				Language     string    `json:"language"`
				Status       string    `json:"status"`
				Created      time.Time `json:"created"`
				LastActivity time.Time `json:"last_activity"`
			} `json:"kernels"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			fmt.Printf("Error parsing response: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tMODE\tLANGUAGE\tSTATUS\tCREATED")
		for _, k := range result.Kernels {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", k.FullID, k.Mode, k.Language, k.Status, k.Created.Format(time.RFC3339))
		}
		w.Flush()
	},
}

func init() {
	RootCmd.AddCommand(listCmd)
}
