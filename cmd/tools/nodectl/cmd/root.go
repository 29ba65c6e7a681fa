package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"
)

var adminAddr string

var rootCmd = &cobra.Command{
	Use:           "nodectl",
	Short:         "Operator CLI for a cluster node's management surface",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&adminAddr, "admin-addr", "a", "http://127.0.0.1:7071",
		"Base URL of the node's admin server")

	rootCmd.AddCommand(scoresCmd)
	rootCmd.AddCommand(timingsCmd)
	rootCmd.AddCommand(intervalsCmd)
	rootCmd.AddCommand(downtimeCmd)
	rootCmd.AddCommand(generationCmd)
	rootCmd.AddCommand(statesCmd)
	rootCmd.AddCommand(simpleStatesCmd)
	rootCmd.AddCommand(phiThresholdCmd)
	rootCmd.AddCommand(severityCmd)
	rootCmd.AddCommand(assassinateCmd)
	rootCmd.AddCommand(replicasCmd)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// call performs one admin request with a few retries, since an operator box
// may race a node restart.
func call(method, path string, body any) ([]byte, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	var out []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequest(method, adminAddr+path, bytes.NewReader(reqBody))
			if err != nil {
				return err
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode >= 400 {
				return retry.Unrecoverable(fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data)))
			}
			out = data
			return nil
		},
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
	)
	return out, err
}

func printBody(cmd *cobra.Command, data []byte) {
	cmd.Println(string(bytes.TrimSpace(data)))
}
