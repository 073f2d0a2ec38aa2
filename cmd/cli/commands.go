package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/thisisjab/logcast/entity"
	"github.com/thisisjab/logcast/source"
	"github.com/thisisjab/logcast/storage"
)

const (
	defaultServer = "http://localhost:8001"
	displayLayout = "2006-01-02 15:04:05.0000"
)

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "logcast",
		Short:         "Send, query and follow logcast messages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().String("server", defaultServer, "logcast server base URL")
	root.PersistentFlags().Bool("verbose", false, "log debug output to stderr")

	root.AddCommand(newSendCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newFollowCmd())
	root.AddCommand(newPartitionsCmd())

	return root
}

func clientFor(cmd *cobra.Command) *apiClient {
	server, _ := cmd.Flags().GetString("server")
	return newAPIClient(server)
}

func loggerFor(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(cmd.ErrOrStderr(), &tint.Options{Level: level, TimeFormat: time.Kitchen}))
}

// formatMessage renders msg as `timestamp - level: message`.
func formatMessage(msg entity.LogMessage) string {
	ts := msg.Timestamp.UTC().Format(displayLayout)

	level, ok := msg.Level()
	if !ok {
		return ts + " - " + msg.Message
	}

	return ts + " - " + level + ": " + msg.Message
}

// parseMeta turns key=value pairs into metadata. Values that look like JSON scalars keep their type.
func parseMeta(pairs []string) (map[string]any, error) {
	meta := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", pair)
		}

		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			switch decoded.(type) {
			case bool, float64, nil:
				meta[key] = json.RawMessage(value)
				continue
			}
		}
		meta[key] = value
	}

	return meta, nil
}

// --- send ---

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send TEXT...",
		Short: "Store and broadcast a message",
		Long: `Store and broadcast a message.

Examples:
  logcast send "disk almost full" --level warn
  logcast send payment failed --level error --meta user=42 --meta retry=true
  logcast send "deploy done" --emit-type deploy`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("level")
			emitType, _ := cmd.Flags().GetString("emit-type")
			pairs, _ := cmd.Flags().GetStringArray("meta")

			meta, err := parseMeta(pairs)
			if err != nil {
				return err
			}
			if level != "" {
				meta["level"] = level
			}

			req := map[string]any{
				"text":     strings.Join(args, " "),
				"metadata": meta,
			}
			if emitType != "" {
				req["emitType"] = emitType
			}

			resp, err := clientFor(cmd).post(cmd.Context(), "/broadcastMessage", req)
			if err != nil {
				return err
			}

			var result struct {
				Success bool              `json:"success"`
				Message string            `json:"message"`
				Data    entity.LogMessage `json:"data"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), formatMessage(result.Data))
			return nil
		},
	}

	cmd.Flags().String("level", "", "metadata level, e.g. info, warn, error")
	cmd.Flags().String("emit-type", "", "event name the message is broadcast under")
	cmd.Flags().StringArray("meta", nil, "metadata entry as key=value, repeatable")

	return cmd
}

// --- query ---

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print today's messages, oldest first",
		Long: `Print today's messages, oldest first.

--limit keeps the newest N stored messages, --level filters what is left.

Examples:
  logcast query --limit 100
  logcast query --level warn --level error --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			levels, _ := cmd.Flags().GetStringArray("level")
			asJSON, _ := cmd.Flags().GetBool("json")

			params := url.Values{}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			for _, l := range levels {
				params.Add("level", l)
			}

			path := "/getMessages"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			resp, err := clientFor(cmd).get(cmd.Context(), path)
			if err != nil {
				return err
			}

			var msgs []entity.LogMessage
			if err := decodeJSON(resp, &msgs); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetEscapeHTML(false)
				for _, m := range msgs {
					if err := enc.Encode(m); err != nil {
						return err
					}
				}
				return nil
			}

			for _, m := range msgs {
				fmt.Fprintln(out, formatMessage(m))
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 0, "only consider the newest N stored messages")
	cmd.Flags().StringArray("level", nil, "only print messages of this level, repeatable")
	cmd.Flags().Bool("json", false, "print one JSON object per line")

	return cmd
}

// --- follow ---

func newFollowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Print messages as they are stored, reading the storage directory directly",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			f, err := source.NewPartitionFollower(source.PartitionFollowerConfig{Dir: dir}, loggerFor(cmd))
			if err != nil {
				return err
			}

			return runFollow(cmd.Context(), f, cmd.OutOrStdout())
		},
	}

	cmd.Flags().String("dir", "./data", "storage directory of the server")

	return cmd
}

func runFollow(ctx context.Context, f source.Follower, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan entity.LogMessage)
	errc := make(chan error, 1)

	go func() {
		errc <- f.Follow(ctx, msgs)
	}()

	for {
		select {
		case msg := <-msgs:
			fmt.Fprintln(out, formatMessage(msg))
		case err := <-errc:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// --- partitions ---

func newPartitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "List the days that have stored messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			store, err := storage.NewPartitionStore(storage.PartitionStoreConfig{Dir: dir}, loggerFor(cmd))
			if err != nil {
				return err
			}

			days, err := store.Days(cmd.Context())
			if err != nil {
				return err
			}

			for _, day := range days {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", day.Format(time.DateOnly), store.PartitionPath(day))
			}
			return nil
		},
	}

	cmd.Flags().String("dir", "./data", "storage directory of the server")

	return cmd
}
