package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaycal/internal/calsync"
	"github.com/agentworkforce/relaycal/internal/httpapi"
	"github.com/agentworkforce/relaycal/internal/watermark"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last published sync watermark",
	Long: `Read the shared watermark slot and print the sync status line.

This works without the owner running; it shows whatever the last owner
published.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		slot, err := watermark.NewFileSlot(cfg.WatermarkPath, nil)
		if err != nil {
			return err
		}
		w, ok, err := slot.Read()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(w)
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "no sync has been published yet")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), watermark.FormatStatusLine(w))
		return nil
	},
}

var recordCmd = &cobra.Command{
	Use:   "record <create|update|delete> <event-id>",
	Short: "Record a local event change on the running owner",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		op := calsync.Operation(strings.ToLower(args[0]))
		if !op.Valid() {
			return fmt.Errorf("unknown operation %q", args[0])
		}
		body := map[string]any{"operation": op, "eventId": args[1]}
		if op != calsync.OpDelete {
			payload, tags, err := payloadFromFlags(cmd)
			if err != nil {
				return err
			}
			body["payload"] = payload
			body["tags"] = tags
		}
		client, err := newAPIClient(cfg.Listen, cfg.JWTSecret, []string{httpapi.ScopeActionsWrite})
		if err != nil {
			return err
		}
		var resp struct {
			Coalesced bool                  `json:"coalesced"`
			Action    *calsync.ActionRecord `json:"action"`
		}
		if err := client.do(cmd.Context(), "POST", "/v1/actions", body, &resp); err != nil {
			return err
		}
		if resp.Coalesced || resp.Action == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s coalesced, nothing to send\n", op, args[1])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s as %s\n", resp.Action.Operation, args[1], resp.Action.ID)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <now|start|stop|foreground|signin>",
	Short: "Trigger or control the running owner's scheduler",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		client, err := newAPIClient(cfg.Listen, cfg.JWTSecret, []string{httpapi.ScopeSyncTrigger})
		if err != nil {
			return err
		}
		var resp struct {
			State watermark.State `json:"state"`
		}
		if err := client.do(cmd.Context(), "POST", "/v1/sync/"+args[0], nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sync %s accepted, scheduler %s\n", args[0], resp.State)
		return nil
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync <event-id>",
	Short: "Retry the failed actions of an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		client, err := newAPIClient(cfg.Listen, cfg.JWTSecret, []string{httpapi.ScopeSyncTrigger})
		if err != nil {
			return err
		}
		var resp struct {
			Requeued int `json:"requeued"`
		}
		if err := client.do(cmd.Context(), "POST", "/v1/actions/"+args[0]+"/resync", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %d actions for %s\n", resp.Requeued, args[0])
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a control API token for a UI or widget",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		subject, _ := cmd.Flags().GetString("subject")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		secret := cfg.JWTSecret
		if secret == "" {
			secret = "dev-secret"
			fmt.Fprintln(os.Stderr, "warning: jwt_secret is not configured, using the development secret")
		}
		token, err := httpapi.IssueToken(secret, subject, scopes, ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the raw watermark as JSON")

	recordCmd.Flags().String("subject", "", "event subject")
	recordCmd.Flags().String("body", "", "event body")
	recordCmd.Flags().String("start", "", "start time (RFC3339)")
	recordCmd.Flags().Duration("duration", time.Hour, "event duration")
	recordCmd.Flags().String("location", "", "event location")
	recordCmd.Flags().Bool("all-day", false, "all-day event")
	recordCmd.Flags().StringSlice("tag", nil, "tag in priority order (repeatable)")

	tokenCmd.Flags().String("subject", "relaycal-ui", "token subject")
	tokenCmd.Flags().StringSlice("scope", []string{httpapi.ScopeSyncRead}, "granted scope (repeatable)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(statusCmd, recordCmd, syncCmd, resyncCmd, tokenCmd)
}

func payloadFromFlags(cmd *cobra.Command) (calsync.EventPayload, []string, error) {
	subject, _ := cmd.Flags().GetString("subject")
	body, _ := cmd.Flags().GetString("body")
	startRaw, _ := cmd.Flags().GetString("start")
	duration, _ := cmd.Flags().GetDuration("duration")
	location, _ := cmd.Flags().GetString("location")
	allDay, _ := cmd.Flags().GetBool("all-day")
	tags, _ := cmd.Flags().GetStringSlice("tag")

	if strings.TrimSpace(subject) == "" {
		return calsync.EventPayload{}, nil, fmt.Errorf("--subject is required")
	}
	start := time.Now().UTC().Truncate(time.Minute)
	if strings.TrimSpace(startRaw) != "" {
		parsed, err := time.Parse(time.RFC3339, startRaw)
		if err != nil {
			return calsync.EventPayload{}, nil, fmt.Errorf("invalid --start: %w", err)
		}
		start = parsed
	}
	if duration <= 0 {
		duration = time.Hour
	}
	return calsync.EventPayload{
		Subject:  subject,
		Body:     body,
		Start:    start,
		End:      start.Add(duration),
		AllDay:   allDay,
		Location: location,
	}, tags, nil
}
