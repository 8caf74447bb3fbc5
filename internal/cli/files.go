package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var filesCmd = &cobra.Command{
	Use:   "fs",
	Short: "Manage files in a kernel's filesystem",
}

var lsCmd = &cobra.Command{
	Use:   "ls [kernel-id] [path]",
	Short: "List files in directory",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		path := "/"
		if parts := splitRemote(id); parts != nil {
			id, path = parts[0], parts[1]
		} else if len(args) > 1 {
			path = args[1]
		}

		resp, err := http.Get(fmt.Sprintf("%s/v1/kernels/%s/files?path=%s", apiURL, id, path))
		if err != nil {
			fmt.Printf("Failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Printf("Error: %s\n", resp.Status)
			io.Copy(os.Stderr, resp.Body)
			os.Exit(1)
		}

		var result struct {
			Files []struct {
				Name         string    `json:"name"`
				Size         int64     `json:"size"`
				IsDir        bool      `json:"is_dir"`
				LastModified time.Time `json:"last_modified"`
			} `json:"files"`
		}
		json.NewDecoder(resp.Body).Decode(&result)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "MODE\tSIZE\tUPDATED\tNAME")
		for _, f := range result.Files {
			mode := "-rw-r--r--"
			if f.IsDir {
				mode = "drwxr-xr-x"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", mode, f.Size, f.LastModified.Format(time.RFC822), f.Name)
		}
		w.Flush()
	},
}

var putCmd = &cobra.Command{
	Use:   "cp [local-path] [kernel-id]:[remote-dir]",
	Short: "Upload a file into a kernel",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		localPath := args[0]
		parts := splitRemote(args[1])
		if parts == nil {
			fmt.Println("Invalid remote format. Use id:/path/to/dest")
			os.Exit(1)
		}
		id, remotePath := parts[0], parts[1]

		file, err := os.Open(localPath)
		if err != nil {
			fmt.Printf("Failed to open local file: %v\n", err)
			os.Exit(1)
		}
		defer file.Close()

		r, w := io.Pipe()
		m := multipart.NewWriter(w)
		go func() {
			defer w.Close()
			defer m.Close()
			m.WriteField("path", remotePath)
			part, err := m.CreateFormFile("file", filepath.Base(localPath))
			if err != nil {
				return
			}
			io.Copy(part, file)
		}()

		req, _ := http.NewRequest("POST", fmt.Sprintf("%s/v1/kernels/%s/files", apiURL, id), r)
		req.Header.Set("Content-Type", m.FormDataContentType())

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("Upload failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Printf("Error: %s\n", resp.Status)
			io.Copy(os.Stderr, resp.Body)
			os.Exit(1)
		}
		fmt.Printf("Uploaded to %s:%s\n", id, remotePath)
	},
}

var getCmd = &cobra.Command{
	Use:   "cat [kernel-id] [path]",
	Short: "Print a file from a kernel's filesystem",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		path := ""
		if parts := splitRemote(id); parts != nil {
			id, path = parts[0], parts[1]
		} else if len(args) > 1 {
			path = args[1]
		}
		if path == "" {
			fmt.Println("Path is required. Use id:path or pass path as second argument")
			os.Exit(1)
		}

		resp, err := http.Get(fmt.Sprintf("%s/v1/kernels/%s/files/content?path=%s", apiURL, id, path))
		if err != nil {
			fmt.Printf("Failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Printf("Error: %s\n", resp.Status)
			io.Copy(os.Stderr, resp.Body)
			os.Exit(1)
		}
		io.Copy(os.Stdout, resp.Body)
	},
}

func init() {
	filesCmd.AddCommand(lsCmd)
	filesCmd.AddCommand(putCmd)
	filesCmd.AddCommand(getCmd)
	RootCmd.AddCommand(filesCmd)
}

func splitRemote(s string) []string {
	for i, c := range s {
		if c == ':' {
			return []string{s[:i], s[i+1:]}
		}
	}
	return nil
}
