package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"ml-scheduler/core/spec"
)

func newSubmitCmd() *cobra.Command {
	var specFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job from a YAML spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(specFile)
			if err != nil {
				return errors.Wrap(err, "reading spec file")
			}
			sub, err := spec.ParseJobSpec(string(data))
			if err != nil {
				return err
			}

			body := map[string]interface{}{
				"owner_id": sub.OwnerID,
				"name":     sub.Name,
				"priority": string(sub.Priority),
				"config": map[string]interface{}{
					"model_type":        sub.Config.ModelType,
					"dataset_size":      sub.Config.DatasetSize,
					"batch_size":        sub.Config.BatchSize,
					"epochs":            sub.Config.Epochs,
					"memory_ceiling_gb": sub.Config.MemoryCeilingGB,
				},
			}
			return postJSON("/v1/jobs", body)
		},
	}

	cmd.Flags().StringVarP(&specFile, "file", "f", "", "YAML job spec (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/v1/jobs/" + args[0])
		},
	}
}

func newCancelCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/v1/jobs/"+args[0]+"/cancel", map[string]string{"reason": reason})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled via jobctl", "cancellation reason")
	return cmd
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Enqueue a fresh retry for a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/v1/jobs/"+args[0]+"/retry", nil)
		},
	}
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show queue status and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/v1/queue/status")
		},
	}
}

func newOwnerHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "owner-health <owner-id>",
		Short: "Show owner health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/v1/owners/" + args[0] + "/health")
		},
	}
}

func getJSON(path string) error {
	resp, err := http.Get(serverAddr + path)
	if err != nil {
		return errors.Wrap(err, "calling scheduler API")
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}

	resp, err := http.Post(serverAddr+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "calling scheduler API")
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response")
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
