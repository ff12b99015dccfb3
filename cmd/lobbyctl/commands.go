package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/lobbykit/internal/app"
	"github.com/ent0n29/lobbykit/internal/lobby"
	"github.com/ent0n29/lobbykit/internal/protocol"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Create a session and stay in it until interrupted",
	RunE:  runHost,
}

var joinCmd = &cobra.Command{
	Use:   "join [code]",
	Short: "Join a session by join code (or --id) and stay until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJoin,
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search for joinable sessions",
	RunE:  runSearch,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream lobby events from a running lobbyd",
	RunE:  runWatch,
}

func init() {
	addHostFlags(hostCmd)
	addSearchFlags(searchCmd)

	joinCmd.Flags().String("id", "", "Join by session id instead of code")

	watchCmd.Flags().String("url", "http://127.0.0.1:8080", "lobbyd base URL")
	watchCmd.Flags().Duration("timeout", 0, "Stop after this long (0 waits for interrupt)")
}

func addHostFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("max", lobby.DefaultMaxMembers, "Maximum members")
	f.Bool("public", false, "List the session in searches")
	f.String("bucket", "", "Bucket id (defaults to LOBBY_BUCKET_ID)")
	f.String("code", "", "Explicit join code (generated when empty)")
	f.String("name", "", "Lobby name")
	f.String("mode", "", "Game mode")
	f.String("map", "", "Map")
	f.String("region", "", "Region")
	f.String("password", "", "Join password")
	f.Int("skill", -1, "Skill rating (negative to omit)")
	f.Bool("voice", false, "Enable voice")
	f.Bool("crossplay", false, "Allow crossplay")
	f.StringToString("attr", nil, "Extra attributes KEY=VALUE")
}

func addSearchFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("max", lobby.DefaultSearchResults, "Maximum results")
	f.String("bucket", "", "Bucket id (defaults to LOBBY_BUCKET_ID)")
	f.String("code", "", "Exact join code lookup")
	f.StringArray("filter", nil, "Filter KEY:op:VALUE (repeatable)")
	f.Int("skill-min", -1, "Minimum skill")
	f.Int("skill-max", -1, "Maximum skill")
	f.Bool("exclude-full", false, "Hide full sessions")
	f.Bool("exclude-passworded", false, "Hide password protected sessions")
	f.Bool("exclude-in-progress", false, "Hide sessions already in progress")
}

func createOptionsFromFlags(cmd *cobra.Command, defaultBucket string) lobby.CreateOptions {
	f := cmd.Flags()
	opts := lobby.CreateOptions{}
	opts.MaxMembers, _ = f.GetInt("max")
	opts.Public, _ = f.GetBool("public")
	opts.BucketID, _ = f.GetString("bucket")
	opts.JoinCode, _ = f.GetString("code")
	opts.Name, _ = f.GetString("name")
	opts.GameMode, _ = f.GetString("mode")
	opts.Map, _ = f.GetString("map")
	opts.Region, _ = f.GetString("region")
	opts.Password, _ = f.GetString("password")
	opts.EnableVoice, _ = f.GetBool("voice")
	opts.AllowCrossplay, _ = f.GetBool("crossplay")
	opts.Extra, _ = f.GetStringToString("attr")
	if skill, _ := f.GetInt("skill"); skill >= 0 {
		opts.Skill = &skill
	}
	if opts.BucketID == "" {
		opts.BucketID = defaultBucket
	}
	return opts
}

func searchOptionsFromFlags(cmd *cobra.Command, defaultBucket string) (lobby.SearchOptions, error) {
	f := cmd.Flags()
	n, _ := f.GetInt("max")
	opts := lobby.NewSearch().WithMaxResults(n)
	if code, _ := f.GetString("code"); code != "" {
		opts = opts.WithJoinCode(code)
	}
	bucket, _ := f.GetString("bucket")
	if bucket == "" {
		bucket = defaultBucket
	}
	if bucket != "" {
		opts = opts.InBucket(bucket)
	}
	raw, _ := f.GetStringArray("filter")
	for _, r := range raw {
		filter, err := lobby.ParseSearchFilter(r)
		if err != nil {
			return lobby.SearchOptions{}, err
		}
		opts = opts.Where(filter.Key, filter.Comparator, filter.Value)
	}
	lo, _ := f.GetInt("skill-min")
	hi, _ := f.GetInt("skill-max")
	if lo >= 0 && hi >= 0 {
		opts = opts.SkillRange(lo, hi)
	} else if lo >= 0 || hi >= 0 {
		return lobby.SearchOptions{}, errors.New("--skill-min and --skill-max must be set together")
	}
	if v, _ := f.GetBool("exclude-full"); v {
		opts = opts.ExcludingFull()
	}
	if v, _ := f.GetBool("exclude-passworded"); v {
		opts = opts.ExcludingPassworded()
	}
	if v, _ := f.GetBool("exclude-in-progress"); v {
		opts = opts.ExcludingInProgress()
	}
	return opts, nil
}

func runHost(cmd *cobra.Command, _ []string) error {
	return withCoordinator(cmd, func(ctx context.Context, built *app.BuildResult) error {
		sess, err := built.Coordinator.CreateSession(ctx, createOptionsFromFlags(cmd, built.Config.BucketID))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "hosting %s (join code %s, %d/%d)\n", sess.SessionID, sess.JoinCode, sess.MemberCount, sess.MaxMembers)
		return stayInSession(ctx, cmd.OutOrStdout(), built.Coordinator)
	})
}

func runJoin(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	if (len(args) == 0) == (id == "") {
		return errors.New("pass exactly one of a join code argument or --id")
	}
	return withCoordinator(cmd, func(ctx context.Context, built *app.BuildResult) error {
		var (
			sess lobby.SessionData
			err  error
		)
		if id != "" {
			sess, err = built.Coordinator.JoinSessionByID(ctx, id)
		} else {
			sess, err = built.Coordinator.JoinSessionByCode(ctx, args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "joined %s owned by %s (%d/%d)\n", sess.SessionID, sess.OwnerID, sess.MemberCount, sess.MaxMembers)
		return stayInSession(ctx, cmd.OutOrStdout(), built.Coordinator)
	})
}

func runSearch(cmd *cobra.Command, _ []string) error {
	return withCoordinator(cmd, func(ctx context.Context, built *app.BuildResult) error {
		opts, err := searchOptionsFromFlags(cmd, built.Config.BucketID)
		if err != nil {
			return err
		}
		sessions, err := built.Coordinator.SearchSessions(ctx, opts)
		if err != nil {
			return err
		}
		return printSessions(cmd.OutOrStdout(), sessions)
	})
}

// stayInSession prints events until ctx is canceled or the session is lost,
// then leaves.
func stayInSession(ctx context.Context, w io.Writer, c *lobby.Coordinator) error {
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.LeaveSession(leaveCtx); err != nil && !errors.Is(err, lobby.ErrNotFound) {
				return err
			}
			fmt.Fprintln(w, "left session")
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Fprintln(w, describeEvent(evt))
			if evt.Type == lobby.EventSessionLeft {
				return nil
			}
		}
	}
}

func describeEvent(evt lobby.Event) string {
	switch evt.Type {
	case lobby.EventMemberJoined, lobby.EventMemberLeft, lobby.EventOwnerChanged:
		if evt.Reason != "" {
			return fmt.Sprintf("%s %s (%s)", evt.Type, evt.UserID, evt.Reason)
		}
		return fmt.Sprintf("%s %s", evt.Type, evt.UserID)
	case lobby.EventMemberAttributeUpdated:
		return fmt.Sprintf("%s %s %s=%s", evt.Type, evt.UserID, evt.Key, evt.Value)
	case lobby.EventSessionLeft:
		return fmt.Sprintf("%s %s (%s)", evt.Type, evt.SessionID, evt.Reason)
	case lobby.EventSessionUpdated:
		if evt.Session != nil {
			return fmt.Sprintf("%s %s %d/%d", evt.Type, evt.SessionID, evt.Session.MemberCount, evt.Session.MaxMembers)
		}
	}
	return fmt.Sprintf("%s %s", evt.Type, evt.SessionID)
}

func printSessions(w io.Writer, sessions []lobby.SessionData) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "no sessions found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tCODE\tOWNER\tMEMBERS\tNAME\tMODE\tLOCKED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%t\n",
			s.SessionID, s.JoinCode, s.OwnerID, s.MemberCount, s.MaxMembers,
			s.Attributes.LobbyName(), s.Attributes.GameMode(), s.HasPassword())
	}
	return tw.Flush()
}

func runWatch(cmd *cobra.Command, _ []string) error {
	base, _ := cmd.Flags().GetString("url")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	wsURL, err := eventsURL(base)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	out := cmd.OutOrStdout()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == protocol.TypeErrorEvent {
			fmt.Fprintf(os.Stderr, "%s\n", data)
			continue
		}
		fmt.Fprintf(out, "%s\n", data)
	}
}

func eventsURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/lobby/events/ws"
	return u.String(), nil
}
