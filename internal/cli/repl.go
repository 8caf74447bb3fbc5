package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl [kernel-id]",
	Short: "Drive a kernel's executeStream interactively over WebSocket",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		u, err := url.Parse(apiURL)
		if err != nil {
			fmt.Printf("bad --url: %v\n", err)
			os.Exit(1)
		}
		scheme := "ws"
		if u.Scheme == "https" {
			scheme = "wss"
		}
		wsURL := url.URL{Scheme: scheme, Host: u.Host, Path: fmt.Sprintf("/v1/kernels/%s/stream", id)}

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)

		reader := bufio.NewReader(os.Stdin)
		fmt.Println("Connected! Type code, Enter submits each line. CTRL+C to exit.")
		for {
			fmt.Print(">>> ")
			code, err := readSnippet(reader)
			if err != nil {
				return
			}
			if strings.TrimSpace(code) == "" {
				continue
			}

			q := wsURL
			q.RawQuery = "code=" + url.QueryEscape(code)
			c, _, err := websocket.DefaultDialer.Dial(q.String(), nil)
			if err != nil {
				fmt.Printf("dial failed: %v\n", err)
				return
			}

			done := make(chan struct{})
			go func() {
				defer close(done)
				for {
					_, message, err := c.ReadMessage()
					if err != nil {
						return
					}
					printEvent(message)
				}
			}()

			select {
			case <-done:
			case <-interrupt:
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				select {
				case <-done:
				case <-time.After(time.Second):
				}
				c.Close()
				return
			}
			c.Close()
		}
	},
}

func readSnippet(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line, nil
}

func printEvent(message []byte) {
	var evt struct {
		Kind   string `json:"kind"`
		Stream *struct {
			Text string `json:"text"`
		} `json:"stream"`
		ExecuteError *struct {
			EName  string `json:"ename"`
			EValue string `json:"evalue"`
		} `json:"execute_error"`
	}
	if err := json.Unmarshal(message, &evt); err != nil {
		fmt.Print(string(message))
		return
	}
	switch evt.Kind {
	case "stream":
		if evt.Stream != nil {
			fmt.Print(evt.Stream.Text)
		}
	case "execute_error":
		if evt.ExecuteError != nil {
			fmt.Printf("\n[%s] %s\n", evt.ExecuteError.EName, evt.ExecuteError.EValue)
		}
	case "execute_result":
		fmt.Println()
	}
}

func init() {
	RootCmd.AddCommand(replCmd)
}
