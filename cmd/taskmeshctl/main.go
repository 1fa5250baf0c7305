// Command taskmeshctl is the operator admin CLI (spec §1 Non-goals
// excludes a *user* task-submission CLI; this is the distinct,
// in-scope operator surface SPEC_FULL.md adds): it attaches directly
// to a running profile's control channel and reports status or
// requests a cancel, the two RPCs internal/dispatcher.Client exposes.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"icc.tech/taskmesh/internal/dispatcher"
	"icc.tech/taskmesh/internal/transport"
)

var outputYAML bool

// statusView is the YAML-marshalled shape of a status reply, grounded
// on the teacher's config/task.go direct yaml.v3 use (rather than
// reaching only through viper, which never touches RPC responses).
type statusView struct {
	Connections int64   `yaml:"connections"`
	Awaiting    int64   `yaml:"awaiting"`
	Executing   int64   `yaml:"executing"`
	Events      []int64 `yaml:"events"`
}

var log = logrus.New()

var controlURL string

var rootCmd = &cobra.Command{
	Use:   "taskmeshctl",
	Short: "Operator CLI for a running taskmesh profile's control channel",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a profile's connection/queue counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		reply, err := client.Status()
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}

		if outputYAML {
			out, err := yaml.Marshal(statusView{
				Connections: reply.Connections,
				Awaiting:    reply.Awaiting,
				Executing:   reply.Executing,
				Events:      reply.Events,
			})
			if err != nil {
				return fmt.Errorf("marshal status: %w", err)
			}
			fmt.Print(string(out))
			return nil
		}

		log.WithFields(logrus.Fields{
			"connections": reply.Connections,
			"awaiting":    reply.Awaiting,
			"executing":   reply.Executing,
			"events":      reply.Events,
		}).Info("status")
		return nil
	},
}

var (
	cancelTaskID uint32
	cancelForce  bool
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel (or force-cancel) an outstanding task by id",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		cancelled, err := client.Cancel(cancelTaskID, cancelForce)
		if err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		if cancelled {
			log.WithField("task_id", cancelTaskID).Info("task cancelled")
		} else {
			log.WithField("task_id", cancelTaskID).Warn("task was not in the queue (already dispatched, completed, or unknown)")
		}
		return nil
	},
}

func dial() (*dispatcher.Client, error) {
	if controlURL == "" {
		return nil, fmt.Errorf("--control-url is required")
	}
	u, err := transport.Parse(controlURL)
	if err != nil {
		return nil, fmt.Errorf("parse control url: %w", err)
	}
	conn, err := transport.Dial(context.Background(), u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", controlURL, err)
	}
	return dispatcher.NewClient(conn), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&controlURL, "control-url", "", "dial-in url for the profile's control channel")
	statusCmd.Flags().BoolVar(&outputYAML, "yaml", false, "print status as yaml instead of a log line")
	cancelCmd.Flags().Uint32Var(&cancelTaskID, "task-id", 0, "task id to cancel")
	cancelCmd.Flags().BoolVar(&cancelForce, "force", false, "force-cancel even if the daemon is already executing the task")
	rootCmd.AddCommand(statusCmd, cancelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
