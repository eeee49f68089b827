package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/offlinekit"
)

var (
	requestMethod  string
	requestData    string
	requestCache   bool
	requestRetry   bool
	requestTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.Flags().StringVarP(&requestMethod, "method", "X", "GET", "HTTP method")
	requestCmd.Flags().StringVarP(&requestData, "data", "d", "", "JSON request body")
	requestCmd.Flags().BoolVar(&requestCache, "cache", true, "serve GET responses from and store them into the cache")
	requestCmd.Flags().BoolVar(&requestRetry, "retry", true, "retry transient failures")
	requestCmd.Flags().DurationVar(&requestTimeout, "timeout", 30*time.Second, "overall timeout")
}

var requestCmd = &cobra.Command{
	Use:   "request <service> <endpoint>",
	Short: "Call a configured service through the gateway",
	Long:  "Send a request to a [[services]] entry with its rate limit, retry and cache policy.\nExample: offlinekit request maps /geocode?address=Lisbon",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := mustRuntime()
		defer rt.Close()

		opts := &offlinekit.RequestOptions{
			Method:   strings.ToUpper(requestMethod),
			UseCache: requestCache,
			Retry:    requestRetry,
		}
		if requestData != "" {
			if !json.Valid([]byte(requestData)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			opts.Body = json.RawMessage(requestData)
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		res := rt.layer.Read(ctx, args[0], args[1], opts)
		if !res.OK {
			return fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
		}
		return printJSON(res.Data)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
