package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [kernel-id]",
	Short: "Destroy a kernel",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		doDelete(fmt.Sprintf("%s/v1/kernels/%s", apiURL, args[0]))
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart [kernel-id]",
	Short: "Restart a kernel, preserving its configuration",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		doPost(fmt.Sprintf("%s/v1/kernels/%s/restart", apiURL, args[0]))
	},
}

var interruptCmd = &cobra.Command{
	Use:   "interrupt [kernel-id]",
	Short: "Raise the cooperative interrupt signal on a running execution",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := http.Post(fmt.Sprintf("%s/v1/kernels/%s/interrupt", apiURL, args[0]), "application/json", nil)
		if err != nil {
			fmt.Printf("request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			fmt.Printf("server returned %s\n", resp.Status)
			os.Exit(1)
		}
		var result struct {
			Interrupted bool `json:"interrupted"`
		}
		json.NewDecoder(resp.Body).Decode(&result)
		if result.Interrupted {
			fmt.Println("interrupted")
		} else {
			fmt.Println("not interruptible (no interrupt channel for this kernel)")
		}
	},
}

func doDelete(url string) {
	req, _ := http.NewRequest(http.MethodDelete, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		fmt.Printf("server returned %s\n", resp.Status)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func doPost(url string) {
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		fmt.Printf("request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		fmt.Printf("server returned %s\n", resp.Status)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func init() {
	RootCmd.AddCommand(destroyCmd)
	RootCmd.AddCommand(restartCmd)
	RootCmd.AddCommand(interruptCmd)
}
