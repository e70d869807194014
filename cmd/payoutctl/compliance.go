package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/api"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const (
	formatJSON = "json"
	formatCSV  = "csv"
)

func errorsCmd(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect the compliance error ledger",
	}

	cmd.AddCommand(errorsListCmd(client))
	cmd.AddCommand(errorsReportCmd(client))

	return cmd
}

func errorsListCmd(client func() *Client) *cobra.Command {
	var severity, category string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List compliance errors, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if severity != "" {
				query.Set("severity", severity)
			}
			if category != "" {
				query.Set("category", category)
			}

			path := "/compliance/errors"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			var records []types.ComplianceError

			err := client().Do(cmd.Context(), http.MethodGet, path, nil, &records)
			if err != nil {
				return err
			}

			printErrors(cmd.OutOrStdout(), records)
			return nil
		},
	}

	cmd.Flags().StringVar(&severity, "severity", "", "critical, high, medium or low")
	cmd.Flags().StringVar(&category, "category", "", "database, compliance, api or regulatory")

	return cmd
}

func printErrors(out io.Writer, records []types.ComplianceError) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No compliance errors")
		return
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCODE\tSEVERITY\tCATEGORY\tAFFECTED\tLAST OCCURRED")

	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.ErrorCode, r.Severity,
			r.Category, r.AffectedTransfers, r.LastOccurred.Format(time.RFC3339))
	}

	w.Flush()
}

func errorsReportCmd(client func() *Client) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "report [error-id...]",
		Short: "Export the selected compliance errors for a regulatory report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != formatJSON && format != formatCSV {
				return fmt.Errorf("unknown format %q: must be json or csv", format)
			}

			ids := make([]uuid.UUID, len(args))
			for i, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("error id %q: %w", arg, err)
				}
				ids[i] = id
			}

			var records []types.ComplianceError

			err := client().Do(cmd.Context(), http.MethodPost, "/compliance/report",
				api.ReportRequest{IDs: ids}, &records)
			if err != nil {
				return err
			}

			if format == formatCSV {
				return writeCSV(cmd.OutOrStdout(), records)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}

	cmd.Flags().StringVar(&format, "format", formatJSON, "Output format: json or csv")

	return cmd
}

var csvHeader = []string{
	"id", "error_code", "message", "severity", "category", "description",
	"resolution", "baas_request_id", "timeout_code", "last_occurred",
	"affected_transfers", "created_at",
}

func writeCSV(out io.Writer, records []types.ComplianceError) error {
	w := csv.NewWriter(out)

	err := w.Write(csvHeader)
	if err != nil {
		return err
	}

	for _, r := range records {
		err = w.Write([]string{
			r.ID.String(),
			r.ErrorCode,
			r.Message,
			string(r.Severity),
			string(r.Category),
			r.Description,
			r.Resolution,
			deref(r.BaaSRequestID),
			deref(r.TimeoutCode),
			r.LastOccurred.Format(time.RFC3339),
			strconv.FormatInt(r.AffectedTransfers, 10),
			r.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
