package main

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func (c *cli) classifyCmd() *cobra.Command {
	var (
		kind string
		topK int
	)
	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Route a signal to its closest loops, projects or programs",
		Long: `Route a signal to its closest targets. An empty match list means nothing
cleared its threshold.

Examples:
  loopctl classify "checkout retries spiking again"
  loopctl classify --kind project --top-k 5 "latency budget"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"text": args[0]}
			if kind != "" {
				body["kind"] = kind
			}
			if topK > 0 {
				body["top_k"] = topK
			}
			return c.run(cmd, http.MethodPost, "/api/v1/classify", nil, body)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "restrict to loop, project or program")
	cmd.Flags().IntVar(&topK, "top-k", 0, "maximum matches (server default when 0)")
	return cmd
}

func (c *cli) feedbackCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "feedback <target-id> <useful|false_positive>",
		Short: "Record feedback against a loop, project or program",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"target_id": args[0], "polarity": args[1]}
			if source != "" {
				body["source"] = source
			}
			return c.run(cmd, http.MethodPost, "/api/v1/feedback", nil, body)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "who or what gave the feedback")
	return cmd
}

func (c *cli) recomputeCmd() *cobra.Command {
	var id, kind string
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Recompute weights for one entity, one kind, or everything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{}
			if id != "" {
				body["id"] = id
			}
			if kind != "" {
				body["kind"] = kind
			}
			return c.run(cmd, http.MethodPost, "/api/v1/weights/recompute", nil, body)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "single entity to recompute")
	cmd.Flags().StringVar(&kind, "kind", "", "recompute every loop, project or program")
	cmd.MarkFlagsMutuallyExclusive("id", "kind")
	return cmd
}

func (c *cli) workstreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workstream",
		Short: "Create and list projects and programs",
	}
	cmd.AddCommand(c.workstreamCreateCmd(), c.workstreamListCmd())
	return cmd
}

func (c *cli) workstreamCreateCmd() *cobra.Command {
	var (
		id, kind, title string
		goal            []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project or program",
		Long: `Create a project or program. Its goal is indexed for routing.

Examples:
  loopctl workstream create --kind program --id reliability --goal "fewer pages"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{"id": id, "kind": kind}
			if title != "" {
				body["title"] = title
			}
			if len(goal) > 0 {
				body["goal"] = goal
			}
			return c.run(cmd, http.MethodPost, "/api/v1/workstreams", nil, body)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workstream id (required)")
	cmd.Flags().StringVar(&kind, "kind", "project", "project or program")
	cmd.Flags().StringVar(&title, "title", "", "display title")
	cmd.Flags().StringArrayVar(&goal, "goal", nil, "goal line, repeatable")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func (c *cli) workstreamListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects and programs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if kind != "" {
				q.Set("kind", kind)
			}
			return c.run(cmd, http.MethodGet, "/api/v1/workstreams", q, nil)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by project or program")
	return cmd
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one weight sweep now",
		Long: `Run one weight sweep: recompute every weight, report promotion candidates
and archive stale closed loops. Requires sweeps to be enabled on the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, http.MethodPost, "/api/v1/sweep", nil, nil)
		},
	}
}
