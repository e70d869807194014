package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/api"
	"github.com/openbuilders/payout-orchestrator/internal/scheduler"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// batchFile is the YAML layout accepted by submit. Amounts are strings so
// no precision is lost in YAML float parsing.
type batchFile struct {
	ID          string    `yaml:"id"`
	RequestedBy string    `yaml:"requested_by"`
	RunAt       time.Time `yaml:"run_at"`
	Entries     []struct {
		BeneficiaryID string `yaml:"beneficiary_id"`
		Amount        string `yaml:"amount"`
		Currency      string `yaml:"currency"`
		Memo          string `yaml:"memo"`
	} `yaml:"entries"`
}

func readBatchFile(r io.Reader) (api.SubmitRequest, error) {
	var file batchFile

	err := yaml.NewDecoder(r).Decode(&file)
	if err != nil {
		return api.SubmitRequest{}, fmt.Errorf("parse batch file: %w", err)
	}

	request := api.SubmitRequest{
		RequestedBy: file.RequestedBy,
		RunAt:       file.RunAt,
		Entries:     make([]types.BatchEntry, len(file.Entries)),
	}

	if file.ID != "" {
		request.ID, err = uuid.Parse(file.ID)
		if err != nil {
			return api.SubmitRequest{}, fmt.Errorf("batch id: %w", err)
		}
	}

	for i, entry := range file.Entries {
		amount, err := decimal.NewFromString(entry.Amount)
		if err != nil {
			return api.SubmitRequest{}, fmt.Errorf("entry %d: amount %q: %w",
				i, entry.Amount, err)
		}

		request.Entries[i] = types.BatchEntry{
			BeneficiaryID: entry.BeneficiaryID,
			Amount:        amount,
			Currency:      entry.Currency,
			Memo:          entry.Memo,
		}
	}

	return request, nil
}

func submitCmd(client func() *Client) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			request, err := readBatchFile(f)
			if err != nil {
				return err
			}

			var resp api.SubmitResponse

			err = client().Do(cmd.Context(), http.MethodPost, "/batches", request, &resp)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Batch %s accepted with %d transfers\n",
				resp.BatchID, len(request.Entries))
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "file", "f", "", "Batch definition (YAML)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func statusCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status [batch-id]",
		Short: "Show the state of every transfer of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.BatchStatusResponse

			err := client().Do(cmd.Context(), http.MethodGet, "/batches/"+args[0], nil, &resp)
			if err != nil {
				return err
			}

			printStatus(cmd.OutOrStdout(), resp)
			return nil
		},
	}
}

func printStatus(out io.Writer, resp api.BatchStatusResponse) {
	fmt.Fprintf(out, "Batch %s\n", resp.BatchID)

	states := make([]string, 0, len(resp.Summary))
	for state := range resp.Summary {
		states = append(states, string(state))
	}
	sort.Strings(states)

	for _, state := range states {
		fmt.Fprintf(out, "  %-13s %d\n", state+":", resp.Summary[types.JobState(state)])
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nJOB\tBENEFICIARY\tSTATE\tATTEMPTS\tREFERENCE\tLAST ERROR")

	for _, job := range resp.Jobs {
		lastError := ""
		if job.LastError != nil {
			lastError = job.LastError.Code
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", job.JobID, job.BeneficiaryID,
			job.State, job.Attempts, job.Reference, lastError)
	}

	w.Flush()
}

func historyCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "history [batch-id]",
		Short: "Export the full job records of a batch as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var history types.BatchHistory

			err := client().Do(cmd.Context(), http.MethodGet,
				"/batches/"+args[0]+"/history", nil, &history)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(history)
		},
	}
}

func cancelCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [batch-id]",
		Short: "Cancel the transfers of a batch that haven't started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result scheduler.CancelResult

			err := client().Do(cmd.Context(), http.MethodPost,
				"/batches/"+args[0]+"/cancel", nil, &result)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"Cancelled %d transfers, %d still running, %d already finished\n",
				result.Cancelled, result.Running, result.Finished)
			return nil
		},
	}
}
