package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dove-platform/dgw/controlplane/internal/api"
	"github.com/dove-platform/dgw/controlplane/internal/version"
)

var rootArgs struct {
	Endpoint string
	Timeout  time.Duration
}

var rootCmd = &cobra.Command{
	Use:          "dgwctl",
	Short:        "DOVE gateway management client",
	Version:      version.Version(),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootArgs.Endpoint, "endpoint", "e", api.DefaultConfig().Endpoint, "Management API endpoint of the gateway")
	rootCmd.PersistentFlags().DurationVar(&rootArgs.Timeout, "timeout", 10*time.Second, "Request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// call invokes the gateway method and prints the reply when it carries data.
func call(method string, req any, resp any) error {
	client, err := api.Dial(rootArgs.Endpoint)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), rootArgs.Timeout)
	defer cancel()

	if resp == nil {
		resp = &api.Empty{}
	}
	if err := client.Call(ctx, method, req, resp); err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	if _, ok := resp.(*api.Empty); ok {
		return nil
	}
	return printYAML(resp)
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}
