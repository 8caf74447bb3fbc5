package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	runMode     string
	runLanguage string
	runTimeout  int
)

var runCmd = &cobra.Command{
	Use:   "run [code]",
	Short: "Run code in an ephemeral kernel",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		code := args[0]
		id := uuid.NewString()

		createPayload := map[string]any{
			"id":                      id,
			"mode":                    runMode,
			"language":                runLanguage,
			"inactivity_timeout_sec":  runTimeout,
		}
		body, _ := json.Marshal(createPayload)

		resp, err := http.Post(apiURL+"/v1/kernels", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("Failed to connect: %v\nIs the server running?\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			fmt.Printf("Create failed: %s\n", resp.Status)
			io.Copy(os.Stderr, resp.Body)
			os.Exit(1)
		}
		fmt.Printf("kernel default:%s created\n", id)

		execPayload := map[string]string{"code": code}
		body, _ = json.Marshal(execPayload)
		resp, err = http.Post(fmt.Sprintf("%s/v1/kernels/%s/execute", apiURL, id), "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("Execute failed: %v\n", err)
			cleanupKernel(id)
			os.Exit(1)
		}
		defer resp.Body.Close()

		var result struct {
			Status    string   `json:"status"`
			EName     string   `json:"ename"`
			EValue    string   `json:"evalue"`
			Traceback []string `json:"traceback"`
		}
		json.NewDecoder(resp.Body).Decode(&result)

		if result.Status == "error" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", result.EName, result.EValue)
			for _, line := range result.Traceback {
				fmt.Fprintln(os.Stderr, line)
			}
		}

		cleanupKernel(id)
		fmt.Println("kernel destroyed")
	},
}

func cleanupKernel(id string) {
	req, _ := http.NewRequest("DELETE", fmt.Sprintf("%s/v1/kernels/%s", apiURL, id), nil)
	http.DefaultClient.Do(req)
}

func init() {
	runCmd.Flags().StringVarP(&runMode, "mode", "m", "in-process", "Kernel mode: in-process or sandboxed")
	runCmd.Flags().StringVarP(&runLanguage, "language", "l", "python", "Kernel language: python or javascript")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 30, "Inactivity timeout in seconds")
	RootCmd.AddCommand(runCmd)
}
