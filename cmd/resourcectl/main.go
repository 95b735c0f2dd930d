// Command resourcectl is an operator CLI for talking to a running
// resourced instance over its ResourceAccess socket: issue a one-shot
// query, or watch the live revision/notification stream.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loomkit/loomkit/pkg/log"
	"github.com/loomkit/loomkit/pkg/query"
	"github.com/loomkit/loomkit/pkg/resourceaccess"
	"github.com/loomkit/loomkit/pkg/types"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "resourcectl",
	Short: "Operator CLI for a loomkit resourced instance",
}

func init() {
	rootCmd.PersistentFlags().String("socket-path", "./loomkit-data/resourced.sock", "Unix-domain socket to connect to")
	rootCmd.PersistentFlags().Duration("timeout", 5*time.Second, "Time to wait for a response")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	log.Init(log.Config{Level: log.InfoLevel})
}

func connect(cmd *cobra.Command) (*resourceaccess.Client, error) {
	socketPath, _ := cmd.Flags().GetString("socket-path")
	client := resourceaccess.NewClient("resourcectl", socketPath, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Open(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	return client, nil
}

var syncCmd = &cobra.Command{
	Use:   "sync <type>",
	Short: "Run a one-shot query for every entity of the given type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		payload, err := json.Marshal(struct {
			Query query.Query `json:"query"`
		}{Query: query.Query{Type: args[0]}})
		if err != nil {
			return err
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		resultCh := make(chan struct {
			success bool
			body    []byte
		}, 1)
		client.Enqueue(resourceaccess.CommandSynchronize, payload, func(success bool, body []byte) {
			resultCh <- struct {
				success bool
				body    []byte
			}{success, body}
		})

		select {
		case res := <-resultCh:
			if !res.success {
				return fmt.Errorf("synchronize failed")
			}
			return printResultSet(res.body)
		case <-time.After(timeout):
			return fmt.Errorf("timed out waiting for response")
		}
	},
}

func printResultSet(body []byte) error {
	var resp struct {
		Entities [][]byte `json:"entities"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode result set: %w", err)
	}
	for _, raw := range resp.Entities {
		entity, err := types.DecodeEntity(raw)
		if err != nil {
			return fmt.Errorf("decode entity: %w", err)
		}
		fmt.Printf("%s/%s  rev=%d\n", entity.Type, entity.UID, entity.Metadata.Revision)
	}
	fmt.Printf("%d entities\n", len(resp.Entities))
	return nil
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print revision updates and notifications as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		revisions := client.Revisions().Subscribe()
		defer client.Revisions().Unsubscribe(revisions)
		notifications := client.Notifications().Subscribe()
		defer client.Notifications().Unsubscribe(notifications)

		fmt.Println("watching (ctrl-c to stop)...")
		for {
			select {
			case revision := <-revisions:
				fmt.Printf("revision %d\n", revision)
			case n := <-notifications:
				fmt.Printf("notification: resource=%s status=%s message=%q\n", n.ResourceID, n.Status, n.Message)
			}
		}
	},
}
