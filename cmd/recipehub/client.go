package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matthewbaird/recipehub/internal/backend"
	"github.com/matthewbaird/recipehub/internal/eventbus"
	"github.com/matthewbaird/recipehub/internal/ledger"
	"github.com/matthewbaird/recipehub/internal/ranking"
	"github.com/matthewbaird/recipehub/internal/types"
)

var (
	popularN      int
	outputJSON    bool
	loginID       types.Identity
	listLimit     int
	watchLimit    int
	pageNum       int
	pageSize      int
	pageRemote    bool
	streakNoToday bool
)

var popularCmd = &cobra.Command{
	Use:   "popular",
	Short: "Show the most popular posts from the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		if popularN < 0 {
			return fmt.Errorf("-n must be non-negative, got %d", popularN)
		}
		if cfg.BackendURL == "" {
			return errors.New("backend_url is not configured")
		}
		posts, err := backend.New(cfg.BackendURL, backend.WithLogger(logger)).FetchPosts(cmd.Context())
		if err != nil {
			return err
		}
		scored := ranking.Rank(posts, time.Now())
		if popularN < len(scored) {
			scored = scored[:popularN]
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), scored)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tSCORE\tLIKES\tCOMMENTS\tBOOKMARKS\tID\tTITLE")
		for i, s := range scored {
			fmt.Fprintf(tw, "%d\t%.2f\t%d\t%d\t%d\t%s\t%s\n",
				i+1, s.Score, s.Likes, s.Comments, s.Bookmarks, s.Post.ID, s.Post.Title)
		}
		return tw.Flush()
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the session identity used to namespace activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.sessions.Login(cmd.Context(), loginID); err != nil {
			return err
		}
		ns, ok := a.ledger.ResolveNamespace(cmd.Context())
		if !ok {
			return errors.New("login needs both --uid and --provider")
		}
		// Merge any pre-namespace history into the new account.
		a.ledger.Migrate(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", ns.Key())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the session identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.sessions.Logout(cmd.Context())
	},
}

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Record and inspect the local activity ledger",
}

var activityLogCmd = &cobra.Command{
	Use:   "log TYPE [key=value ...]",
	Short: "Append an activity entry",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseData(args[1:])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		entry, ok := a.ledger.Append(cmd.Context(), args[0], data)
		if !ok {
			return errNotStored(cmd.Context(), a)
		}
		fmt.Fprintln(cmd.OutOrStdout(), entry.ID)
		return nil
	},
}

var activityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		limit := listLimit
		if limit <= 0 {
			limit = math.MaxInt
		}
		return printEntries(cmd.OutOrStdout(), a.ledger.List(cmd.Context(), limit))
	},
}

var activityPageCmd = &cobra.Command{
	Use:   "page",
	Short: "Show one page of entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		var p types.Page
		if pageRemote {
			p = a.ledger.ListPagedRemote(cmd.Context(), pageNum, pageSize)
		} else {
			p = a.ledger.ListPaged(cmd.Context(), pageNum, pageSize)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), p)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "page %d, %d of %d entries\n", pageNum, len(p.Items), p.Total)
		return printEntries(cmd.OutOrStdout(), p.Items)
	},
}

var activityWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the most recent entries and re-print them on every change",
	Long: `Watches the signed-in account's ledger. Changes made by this process and,
with dir storage, by other recipehub processes trigger a refresh.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return watchActivity(ctx, a, cmd.OutOrStdout(), watchLimit)
	},
}

// watchActivity lists the latest entries, then re-lists them whenever the
// bus reports a change to the signed-in namespace or to storage made by
// another process. It returns when ctx is done or the bus stops.
func watchActivity(ctx context.Context, a *app, w io.Writer, limit int) error {
	events := a.bus.SubscribeChan(16)
	defer a.bus.Unsubscribe(events)

	if ns, ok := a.ledger.ResolveNamespace(ctx); ok {
		fmt.Fprintf(w, "watching %s\n", ns.Key())
	} else {
		fmt.Fprintln(w, "watching (signed out)")
	}
	if err := printEntries(w, a.ledger.List(ctx, limit)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			ns, signedIn := a.ledger.ResolveNamespace(ctx)
			if evt.Kind != eventbus.KindExternalChange && (!signedIn || evt.Namespace != ns.Key()) {
				continue
			}
			fmt.Fprintf(w, "-- %s %s\n", evt.At.Format(time.TimeOnly), evt.Kind)
			if err := printEntries(w, a.ledger.List(ctx, limit)); err != nil {
				return err
			}
		}
	}
}

var activityStreakCmd = &cobra.Command{
	Use:   "streak",
	Short: "Show the consecutive-day activity streak",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		n := a.ledger.ComputeStreak(cmd.Context(), ledger.StreakOptions{ExcludeToday: streakNoToday})
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

var activityClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the signed-in account's local activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		a.ledger.Clear(cmd.Context())
		return nil
	},
}

var bookmarkCmd = &cobra.Command{
	Use:   "bookmark",
	Short: "Manage bookmarked posts",
}

var bookmarkToggleCmd = &cobra.Command{
	Use:   "toggle POST_ID",
	Short: "Bookmark a post, or remove the bookmark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if _, ok := a.ledger.ResolveNamespace(cmd.Context()); !ok {
			return errNotStored(cmd.Context(), a)
		}
		state := "removed"
		if a.ledger.ToggleBookmark(cmd.Context(), args[0]) {
			state = "bookmarked"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], state)
		return nil
	},
}

var bookmarkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bookmarked post ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		ids := a.ledger.Bookmarks(cmd.Context())
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), ids)
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

func init() {
	popularCmd.Flags().IntVarP(&popularN, "n", "n", 10, "Number of posts")
	popularCmd.Flags().BoolVar(&outputJSON, "json", false, "JSON output")

	loginCmd.Flags().StringVar(&loginID.UID, "uid", "", "Account id (required)")
	loginCmd.Flags().StringVar(&loginID.Provider, "provider", "", "Identity provider, e.g. google or kakao (required)")
	loginCmd.Flags().StringVar(&loginID.Email, "email", "", "Email")
	loginCmd.Flags().StringVar(&loginID.Name, "name", "", "Display name")
	loginCmd.MarkFlagRequired("uid")
	loginCmd.MarkFlagRequired("provider")

	activityListCmd.Flags().IntVar(&listLimit, "limit", 20, "Max entries (0 = all)")
	activityListCmd.Flags().BoolVar(&outputJSON, "json", false, "JSON output")
	activityPageCmd.Flags().IntVar(&pageNum, "page", 0, "Zero-based page")
	activityPageCmd.Flags().IntVar(&pageSize, "size", 20, "Page size")
	activityPageCmd.Flags().BoolVar(&pageRemote, "remote", false, "Ask the collector service first")
	activityPageCmd.Flags().BoolVar(&outputJSON, "json", false, "JSON output")
	activityWatchCmd.Flags().IntVar(&watchLimit, "limit", 10, "Entries shown on each refresh")
	activityStreakCmd.Flags().BoolVar(&streakNoToday, "exclude-today", false, "Count from yesterday")
	bookmarkListCmd.Flags().BoolVar(&outputJSON, "json", false, "JSON output")

	activityCmd.AddCommand(activityLogCmd)
	activityCmd.AddCommand(activityListCmd)
	activityCmd.AddCommand(activityPageCmd)
	activityCmd.AddCommand(activityWatchCmd)
	activityCmd.AddCommand(activityStreakCmd)
	activityCmd.AddCommand(activityClearCmd)

	bookmarkCmd.AddCommand(bookmarkToggleCmd)
	bookmarkCmd.AddCommand(bookmarkListCmd)
}

func errNotStored(ctx context.Context, a *app) error {
	if _, ok := a.ledger.ResolveNamespace(ctx); !ok {
		return errors.New("not signed in; run recipehub login first")
	}
	return errors.New("activity was not stored (storage full?)")
}

// parseData turns key=value arguments into an entry payload. Values that
// parse as JSON keep their type; anything else is a string.
func parseData(args []string) (map[string]any, error) {
	data := make(map[string]any, len(args))
	for _, kv := range args {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", kv)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			data[k] = parsed
		} else {
			data[k] = v
		}
	}
	return data, nil
}

func printEntries(w io.Writer, entries []types.ActivityEntry) error {
	if outputJSON {
		return printJSON(w, entries)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		data, _ := json.Marshal(e.Data)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Time().Format(time.DateTime), e.Type, e.ID, data)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
