package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/docketd/internal/config"
	"github.com/kalambet/docketd/internal/storage"
)

// --- submit ---

type caseEntry struct {
	storage.CaseInput
	Reprocess bool `json:"reprocess,omitempty"`
}

type submitResult struct {
	CaseNumber string `json:"case_number"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

var submitCmd = &cobra.Command{
	Use:   "submit [case-number]",
	Short: "Queue one case, or a batch from a JSON file",
	Long: `Queue cases for processing.

Examples:
  docketd submit 2023-CC-001234 --name "John Doe vs ABC Corp" --creditor "ABC Corp" --business
  docketd submit 2023-CC-001234 --name "John Doe vs ABC Corp" --reprocess
  docketd submit --file cases.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		reprocess, _ := cmd.Flags().GetBool("reprocess")

		var entries []caseEntry
		switch {
		case file != "" && len(args) > 0:
			return fmt.Errorf("give either a case number or --file, not both")
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			if err := json.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("parsing %s: expected a JSON array of cases: %w", file, err)
			}
			if reprocess {
				for i := range entries {
					entries[i].Reprocess = true
				}
			}
		case len(args) == 1:
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			creditor, _ := cmd.Flags().GetString("creditor")
			business, _ := cmd.Flags().GetBool("business")
			creditorType, _ := cmd.Flags().GetString("creditor-type")
			entries = []caseEntry{{
				CaseInput: storage.CaseInput{
					CaseNumber:   args[0],
					SearchName:   name,
					CreditorName: creditor,
					IsBusiness:   business,
					CreditorType: creditorType,
				},
				Reprocess: reprocess,
			}}
		default:
			return fmt.Errorf("a case number or --file is required")
		}
		if len(entries) == 0 {
			return fmt.Errorf("no cases to submit")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/cases", map[string]any{"cases": entries})
		if err != nil {
			return err
		}
		var out struct {
			Results []submitResult `json:"results"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		rejected := 0
		for _, r := range out.Results {
			switch r.Status {
			case "queued":
				printSuccess("%s queued", r.CaseNumber)
			case "duplicate":
				printWarning("%s already queued or in flight", r.CaseNumber)
			default:
				rejected++
				printError("%s rejected: %s", r.CaseNumber, r.Error)
			}
		}
		if rejected > 0 {
			return fmt.Errorf("%d of %d cases rejected", rejected, len(out.Results))
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().String("name", "", "case name to search the portal for")
	submitCmd.Flags().String("creditor", "", "declared creditor name")
	submitCmd.Flags().Bool("business", false, "the creditor is a business")
	submitCmd.Flags().String("creditor-type", "plaintiff", "party role of the creditor")
	submitCmd.Flags().Bool("reprocess", false, "download and extract again even if done before")
	submitCmd.Flags().String("file", "", "JSON file with an array of cases")
}

// --- case ---

var caseCmd = &cobra.Command{
	Use:   "case <case-number>",
	Short: "Show a case with its documents and findings as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/cases/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var agg any
		if err := decodeJSON(resp, &agg); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(agg)
	},
}

// --- cases ---

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "List cases, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, _ := cmd.Flags().GetString("stage")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		if stage != "" {
			q.Set("stage", strings.ToUpper(stage))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/cases?"+q.Encode())
		if err != nil {
			return err
		}
		var out struct {
			Cases []storage.Case `json:"cases"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if len(out.Cases) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No cases found.")
			return nil
		}
		for _, c := range out.Cases {
			printCaseLine(cmd.OutOrStdout(), c)
		}
		return nil
	},
}

func init() {
	casesCmd.Flags().String("stage", "", "only cases in this stage")
	casesCmd.Flags().Int("limit", 50, "maximum number of cases to list")
	casesCmd.Flags().Int("offset", 0, "number of cases to skip")
}

func printCaseLine(w io.Writer, c storage.Case) {
	detail := c.Outcome
	if c.Stage == storage.StageFailed {
		detail = fmt.Sprintf("%s at %s: %s", c.ErrorKind, c.FailedStage, c.LastError)
	}
	if len(detail) > 80 {
		detail = detail[:80] + "..."
	}
	fmt.Fprintf(w, "%-20s  %-14s  %s  %s\n",
		colorize(colorCyan, c.CaseNumber),
		stageLabel(c.Stage),
		c.UpdatedAt.Local().Format("2006-01-02 15:04"),
		detail,
	)
}

// --- health ---

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the pipeline health signal",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/health")
		if err != nil {
			return err
		}
		var h struct {
			Status   string `json:"status"`
			Pipeline struct {
				SessionValid  bool `json:"session_valid"`
				QueueDepth    int  `json:"queue_depth"`
				ActiveWorkers int  `json:"active_workers"`
				MaxWorkers    int  `json:"max_workers"`
			} `json:"pipeline"`
		}
		if err := decodeJSON(resp, &h); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "status=%s session_valid=%t queue_depth=%d active_workers=%d/%d\n",
			h.Status, h.Pipeline.SessionValid, h.Pipeline.QueueDepth, h.Pipeline.ActiveWorkers, h.Pipeline.MaxWorkers)
		return nil
	},
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download case findings as an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		stage, _ := cmd.Flags().GetString("stage")

		path := "/cases/export.xlsx"
		if stage != "" {
			path += "?stage=" + url.QueryEscape(strings.ToUpper(stage))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return err
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		n, err := io.Copy(f, resp.Body)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}
		printSuccess("Exported %d bytes to %s", n, output)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "cases.xlsx", "output file path")
	exportCmd.Flags().String("stage", "", "only cases in this stage")
}

// --- restart ---

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Ask the server to drain and exit so its supervisor restarts it",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := "/service/restart"
		if force {
			path += "?force=true"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}
		var out struct {
			Message string `json:"message"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("%s", out.Message)
		return nil
	},
}

func init() {
	restartCmd.Flags().Bool("force", false, "restart even while cases are queued or in flight")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
			b, err := config.RenderYAML(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

A running server picks the change up on its next config reload
(PUT /service/config). Worker count and queue size apply after restart.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w\nvalid keys: %s", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("yaml", false, "print as YAML")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
