package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func loopPath(id string, rest ...string) string {
	p := "/api/v1/loops/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *cli) loopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Create, inspect and transition loops",
	}
	cmd.AddCommand(
		c.loopCreateCmd(),
		c.loopGetCmd(),
		c.loopListCmd(),
		c.loopMarkdownCmd(),
		c.loopStatusCmd(),
		c.loopVerifyCmd(),
		c.loopPromoteCmd(),
		c.loopArchiveCmd(),
		c.loopLinkCmd(),
		c.loopFeedbackCmd(),
	)
	return cmd
}

func (c *cli) loopCreateCmd() *cobra.Command {
	var (
		id, summary, source, workstream string
		tags                            []string
		draft                           bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a loop",
		Long: `Create a loop from a summary.

Examples:
  loopctl loop create --summary "retry storm on checkout" --tag payments
  loopctl loop create --summary "half-formed idea" --draft`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{"summary": summary}
			if id != "" {
				body["id"] = id
			}
			if len(tags) > 0 {
				body["tags"] = tags
			}
			if source != "" {
				body["source"] = source
			}
			if draft {
				body["draft"] = true
			}
			if workstream != "" {
				body["linked_workstream"] = workstream
			}
			return c.run(cmd, http.MethodPost, "/api/v1/loops", nil, body)
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "loop summary (required)")
	cmd.Flags().StringVar(&id, "id", "", "loop id (generated when empty)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag, repeatable")
	cmd.Flags().StringVar(&source, "source", "", "where the loop came from")
	cmd.Flags().BoolVar(&draft, "draft", false, "create in draft status")
	cmd.Flags().StringVar(&workstream, "workstream", "", "workstream to link")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func (c *cli) loopGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, http.MethodGet, loopPath(args[0]), nil, nil)
		},
	}
}

func (c *cli) loopListCmd() *cobra.Command {
	var status, tier, verified string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if tier != "" {
				q.Set("tier", tier)
			}
			if verified != "" {
				if _, err := strconv.ParseBool(verified); err != nil {
					return fmt.Errorf("--verified must be true or false")
				}
				q.Set("verified", verified)
			}
			return c.run(cmd, http.MethodGet, "/api/v1/loops", q, nil)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (draft, open, closed, promoted)")
	cmd.Flags().StringVar(&tier, "tier", "", "filter by tier (active, archive)")
	cmd.Flags().StringVar(&verified, "verified", "", "filter by verified flag (true or false)")
	return cmd
}

func (c *cli) loopMarkdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "markdown <id>",
		Short: "Render a loop as Markdown with YAML front matter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.call(cmd.Context(), http.MethodGet, loopPath(args[0], "markdown"), nil, nil)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func (c *cli) loopStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Transition a loop to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, http.MethodPut, loopPath(args[0], "status"), nil, map[string]any{"status": args[1]})
		},
	}
}

func (c *cli) loopVerifyCmd() *cobra.Command {
	var unset bool
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Mark a loop verified, or clear the flag with --unset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, http.MethodPut, loopPath(args[0], "verified"), nil, map[string]any{"verified": !unset})
		},
	}
	cmd.Flags().BoolVar(&unset, "unset", false, "clear the verified flag")
	return cmd
}

func (c *cli) loopPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <id>",
		Short: "Promote a loop into a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, http.MethodPost, loopPath(args[0], "promote"), nil, nil)
		},
	}
}

func (c *cli) loopArchiveCmd() *cobra.Command {
	var cutoff string
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Move a closed loop to the archive tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if cutoff != "" {
				ts, err := time.Parse(time.RFC3339, cutoff)
				if err != nil {
					return fmt.Errorf("--cutoff must be RFC3339: %w", err)
				}
				body = map[string]any{"cutoff": ts}
			}
			return c.run(cmd, http.MethodPost, loopPath(args[0], "archive"), nil, body)
		},
	}
	cmd.Flags().StringVar(&cutoff, "cutoff", "", "only archive if last updated at or before this RFC3339 time (default now)")
	return cmd
}

func (c *cli) loopLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <id> <workstream-id>",
		Short: "Link a loop to a project or program",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, http.MethodPost, loopPath(args[0], "link"), nil, map[string]any{"workstream_id": args[1]})
		},
	}
}

func (c *cli) loopFeedbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <id>",
		Short: "List feedback recorded against a loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, http.MethodGet, loopPath(args[0], "feedback"), nil, nil)
		},
	}
}
