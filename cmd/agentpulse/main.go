// Command agentpulse is the CLI that drives an agentpulsed worker: it
// starts/stops the service, submits commands through the durable
// inbox, and reads the worker's on-disk state directly for read-only
// queries (messages, groups, queue, relay health).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-pulse/agent-pulse/internal/command"
	"github.com/agent-pulse/agent-pulse/internal/config"
	"github.com/agent-pulse/agent-pulse/internal/cryptutil"
	"github.com/agent-pulse/agent-pulse/internal/group"
	"github.com/agent-pulse/agent-pulse/internal/identity"
	"github.com/agent-pulse/agent-pulse/internal/relay"
	"github.com/agent-pulse/agent-pulse/internal/service"
	"github.com/agent-pulse/agent-pulse/internal/store"
	"github.com/agent-pulse/agent-pulse/internal/types"
)

// noopLogger silences components the CLI only touches for their
// read/write helpers, never their background goroutines.
func noopLogger() zerolog.Logger { return zerolog.Nop() }

func main() {
	configFlag := flag.String("config", "", "path to config file")
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Pull -config out regardless of position so subcommands can still
	// take their own positional args without flag package confusion.
	args := os.Args[1:]
	sub := args[0]
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == "-config" || rest[i] == "--config" {
			if i+1 < len(rest) {
				*configFlag = rest[i+1]
				rest = append(rest[:i], rest[i+2:]...)
			}
			break
		}
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		printJSON(map[string]any{"ok": false, "code": types.CodeFileError, "error": err.Error()})
		return
	}

	switch sub {
	case "start":
		cmdStart(cfg, rest)
	case "stop":
		cmdStop(cfg)
	case "status":
		cmdStatus(cfg)
	case "me":
		cmdMe(cfg, rest)
	case "send":
		cmdSend(cfg, rest)
	case "recv":
		cmdRecv(cfg, rest)
	case "peek":
		cmdPeek(cfg, rest)
	case "watch":
		cmdWatch(cfg, rest)
	case "result":
		cmdResult(cfg, rest)
	case "groups":
		cmdGroups(cfg)
	case "group-create":
		cmdGroupCreate(cfg, rest)
	case "group-join":
		cmdGroupJoin(cfg, rest)
	case "group-leave":
		cmdGroupLeave(cfg, rest)
	case "group-send":
		cmdGroupSend(cfg, rest)
	case "group-members":
		cmdGroupMembers(cfg, rest)
	case "group-kick":
		cmdGroupModerate(cfg, rest, "kick")
	case "group-ban":
		cmdGroupModerate(cfg, rest, "ban")
	case "group-unban":
		cmdGroupModerate(cfg, rest, "unban")
	case "group-mute":
		cmdGroupModerate(cfg, rest, "mute")
	case "group-unmute":
		cmdGroupModerate(cfg, rest, "unmute")
	case "group-admin":
		cmdGroupModerate(cfg, rest, "admin")
	case "group-transfer":
		cmdGroupModerate(cfg, rest, "transfer")
	case "group-history":
		cmdGroupHistory(cfg, rest)
	case "queue-status":
		cmdQueueStatus(cfg)
	case "relay-status":
		cmdRelayStatus(cfg, rest)
	case "relay-health":
		cmdRelayStatus(cfg, rest)
	case "relay-recover":
		cmdRelayRecover(cfg, rest)
	case "relay-blacklist":
		cmdRelayBlacklist(cfg)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agentpulse <command> [args]")
	fmt.Fprintln(os.Stderr, "commands: start stop status me send recv peek watch result groups")
	fmt.Fprintln(os.Stderr, "          group-create group-join group-leave group-send group-members")
	fmt.Fprintln(os.Stderr, "          group-kick group-ban group-unban group-mute group-unmute group-admin")
	fmt.Fprintln(os.Stderr, "          group-transfer group-history queue-status relay-status relay-health")
	fmt.Fprintln(os.Stderr, "          relay-recover relay-blacklist")
}

func printJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Println(`{"ok":false,"code":"INTERNAL_ERROR","error":"failed to encode result"}`)
		return
	}
	fmt.Println(string(b))
}

func printFault(f *types.Fault) {
	printJSON(map[string]any{
		"ok":         false,
		"code":       f.Code,
		"error":      f.Message,
		"suggestion": types.Suggestion(f.Code),
	})
}

func asFault(err error) *types.Fault {
	if f, ok := err.(*types.Fault); ok {
		return f
	}
	return types.NewFault(types.CodeInternalError, err.Error())
}

// --- service lifecycle -----------------------------------------------

func cmdStart(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	ephemeral := fs.Bool("ephemeral", false, "use an in-memory identity")
	fs.Parse(args)

	binary, err := os.Executable()
	if err != nil {
		printFault(types.NewFault(types.CodeServiceStartFailed, err.Error()))
		return
	}
	workerBinary := filepath.Join(filepath.Dir(binary), "agentpulsed")
	if _, err := os.Stat(workerBinary); err != nil {
		workerBinary = "agentpulsed"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	if err := service.Start(ctx, cfg.DataDir, workerBinary, "", *ephemeral); err != nil {
		printFault(asFault(err))
		return
	}
	printJSON(map[string]any{"ok": true})
}

func cmdStop(cfg config.Config) {
	if err := service.Stop(cfg.DataDir); err != nil {
		printFault(asFault(err))
		return
	}
	printJSON(map[string]any{"ok": true})
}

func cmdStatus(cfg config.Config) {
	st, err := service.GetStatus(cfg.DataDir)
	if err != nil {
		printFault(asFault(err))
		return
	}
	printJSON(map[string]any{"ok": true, "data": st})
}

func cmdMe(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("me", flag.ContinueOnError)
	exportFormat := fs.String("export", "", "export the secret key (hex|bech32), requires SECRET_KEY_EXPORT_AUTH")
	token := fs.String("token", "", "export authorization token")
	fs.Parse(args)

	id, err := identity.Load(cfg.DataDir, cfg.Ephemeral)
	if err != nil {
		printFault(asFault(err))
		return
	}
	npub, _ := identity.EncodePublic(id.PublicKeyHex)
	out := map[string]any{
		"pubkey":    id.PublicKeyHex,
		"npub":      npub,
		"ephemeral": id.Ephemeral,
	}
	if *exportFormat != "" {
		sk, err := id.Export(identity.ExportFormat(*exportFormat), *token)
		if err != nil {
			printFault(types.NewFault(types.CodeInvalidArgs, err.Error()))
			return
		}
		out["secretKey"] = sk
	}
	printJSON(map[string]any{"ok": true, "data": out})
}

// --- command/response channel -----------------------------------------

func newInbox(cfg config.Config) *command.Inbox {
	lock := store.New(cfg.DataDir + "/.lock.d")
	return command.New(noopLogger(), cfg.DataDir, lock, cfg.LockTimeout)
}

// submitAndWait submits cmd and polls results.jsonl until a matching
// result appears or timeout elapses. A timeout with the worker not
// running surfaces SERVICE_NOT_RUNNING instead of a generic timeout.
func submitAndWait(cfg config.Config, cmd command.Command, timeout time.Duration) (command.Result, error) {
	inbox := newInbox(cfg)
	id, err := inbox.Submit(cmd)
	if err != nil {
		return command.Result{}, err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r, ok, err := inbox.TakeResult(id); err == nil && ok {
			return r, nil
		}
		time.Sleep(150 * time.Millisecond)
	}

	if running, _, _ := service.IsRunning(cfg.DataDir); !running {
		return command.Result{}, types.NewFault(types.CodeServiceNotRunning, "worker is not running")
	}
	return command.Result{}, types.NewFault(types.CodeLockTimeout, "no result within timeout")
}

func resultToJSON(res command.Result) {
	if !res.OK {
		printJSON(map[string]any{
			"ok":         false,
			"code":       res.Code,
			"error":      res.Message,
			"suggestion": res.Suggestion,
		})
		return
	}
	out := map[string]any{"ok": true}
	if res.Data != nil {
		out["data"] = res.Data
	}
	printJSON(out)
}

func cmdResult(cfg config.Config, args []string) {
	inbox := newInbox(cfg)
	if len(args) > 0 {
		r, ok, err := inbox.TakeResult(args[0])
		if err != nil {
			printFault(asFault(err))
			return
		}
		if !ok {
			printJSON(map[string]any{"ok": true, "data": nil})
			return
		}
		resultToJSON(r)
		return
	}
	results, err := inbox.PollResults()
	if err != nil {
		printFault(asFault(err))
		return
	}
	printJSON(map[string]any{"ok": true, "data": results})
}

// --- send / groups (write commands) ------------------------------------

func cmdSend(cfg config.Config, args []string) {
	if len(args) < 2 {
		printFault(types.NewFault(types.CodeInvalidArgs, "usage: send <target> <message>"))
		return
	}
	res, err := submitAndWait(cfg, command.Command{
		Kind:    command.KindSend,
		Target:  args[0],
		Content: strings.Join(args[1:], " "),
	}, 8*time.Second)
	if err != nil {
		printFault(asFault(err))
		return
	}
	resultToJSON(res)
}

func cmdGroupSend(cfg config.Config, args []string) {
	if len(args) < 2 {
		printFault(types.NewFault(types.CodeInvalidArgs, "usage: group-send <groupId> <message>"))
		return
	}
	res, err := submitAndWait(cfg, command.Command{
		Kind:    command.KindGroupSend,
		Target:  args[0],
		Content: strings.Join(args[1:], " "),
	}, 8*time.Second)
	if err != nil {
		printFault(asFault(err))
		return
	}
	resultToJSON(res)
}

func cmdGroupCreate(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("group-create", flag.ContinueOnError)
	topic := fs.String("topic", "", "group topic (random if omitted)")
	fs.Parse(args)
	if fs.NArg() < 2 {
		printFault(types.NewFault(types.CodeInvalidArgs, "usage: group-create <id> <name> [--topic t]"))
		return
	}
	res, err := submitAndWait(cfg, command.Command{
		Kind:   command.KindCreateGroup,
		Target: fs.Arg(0),
		Name:   fs.Arg(1),
		Topic:  *topic,
	}, 5*time.Second)
	if err != nil {
		printFault(asFault(err))
		return
	}
	resultToJSON(res)
}

func cmdGroupJoin(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("group-join", flag.ContinueOnError)
	name := fs.String("name", "", "display name")
	fs.Parse(args)
	if fs.NArg() < 2 {
		printFault(types.NewFault(types.CodeInvalidArgs, "usage: group-join <id> <topic> [--name n]"))
		return
	}
	res, err := submitAndWait(cfg, command.Command{
		Kind:   command.KindJoinGroup,
		Target: fs.Arg(0),
		Topic:  fs.Arg(1),
		Name:   *name,
	}, 5*time.Second)
	if err != nil {
		printFault(asFault(err))
		return
	}
	resultToJSON(res)
}

func cmdGroupLeave(cfg config.Config, args []string) {
	if len(args) < 1 {
		printFault(types.NewFault(types.CodeInvalidArgs, "usage: group-leave <id>"))
		return
	}
	res, err := submitAndWait(cfg, command.Command{Kind: command.KindLeaveGroup, Target: args[0]}, 5*time.Second)
	if err != nil {
		printFault(asFault(err))
		return
	}
	resultToJSON(res)
}

// --- read-only group queries (no worker round-trip needed) -------------

func loadGroups(cfg config.Config) (*group.Manager, error) {
	return group.New(noopLogger(), cfg.DataDir)
}

func cmdGroups(cfg config.Config) {
	gm, err := loadGroups(cfg)
	if err != nil {
		printFault(asFault(err))
		return
	}
	printJSON(map[string]any{"ok": true, "data": gm.List()})
}

func cmdGroupMembers(cfg config.Config, args []string) {
	if len(args) < 1 {
		printFault(types.NewFault(types.CodeInvalidArgs, "usage: group-members <id>"))
		return
	}
	gm, err := loadGroups(cfg)
	if err != nil {
		printFault(asFault(err))
		return
	}
	g, ok := gm.Get(args[0])
	if !ok {
		printFault(types.NewFault(types.CodeGroupNotFound, "no such group: "+args[0]))
		return
	}
	printJSON(map[string]any{"ok": true, "data": g.Members})
}

func cmdGroupHistory(cfg config.Config, args []string) {
	if len(args) < 1 {
		printFault(types.NewFault(types.CodeInvalidArgs, "usage: group-history <id> [filters]"))
		return
	}
	gm, err := loadGroups(cfg)
	if err != nil {
		printFault(asFault(err))
		return
	}
	recs, err := gm.History(args[0])
	if err != nil {
		printFault(asFault(err))
		return
	}
	f := parseFilters(args[1:])
	var out []types.GroupHistoryRecord
	for _, r := range recs {
		if f.matches(r.StoredMessage) {
			out = append(out, r)
		}
	}
	out = applyLimitOffset(out, f)
	printJSON(map[string]any{"ok": true, "data": out})
}

// cmdGroupModerate dispatches the moderation commands that mutate
// group membership/roles in place (no dedicated worker round-trip:
// the CLI and worker share the same groups.json under the lock, so
// moderation acts directly rather than through the command inbox,
// matching how the worker itself calls the group manager).
func cmdGroupModerate(cfg config.Config, args []string, action string) {
	if len(args) < 2 {
		printFault(types.NewFault(types.CodeInvalidArgs, "usage: group-"+action+" <id> <target> [args]"))
		return
	}
	lock := store.New(cfg.DataDir + "/.lock.d")
	id, err := identity.Load(cfg.DataDir, cfg.Ephemeral)
	if err != nil {
		printFault(asFault(err))
		return
	}

	groupID, target := args[0], args[1]
	rest := args[2:]

	err = lock.WithLock(cfg.LockTimeout, func() error {
		gm, err := loadGroups(cfg)
		if err != nil {
			return err
		}
		switch action {
		case "kick":
			return gm.KickMember(groupID, id.PublicKeyHex, target)
		case "ban":
			return gm.Ban(groupID, id.PublicKeyHex, target)
		case "unban":
			return gm.Unban(groupID, id.PublicKeyHex, target)
		case "mute":
			durationMS := int64(0)
			if len(rest) > 0 {
				if ms, perr := strconv.ParseInt(rest[0], 10, 64); perr == nil {
					durationMS = ms
				}
			}
			return gm.Mute(groupID, id.PublicKeyHex, target, durationMS)
		case "unmute":
			return gm.Unmute(groupID, id.PublicKeyHex, target)
		case "admin":
			revoke := len(rest) > 0 && rest[0] == "--revoke"
			return gm.SetAdmin(groupID, id.PublicKeyHex, target, !revoke)
		case "transfer":
			return gm.TransferOwnership(groupID, id.PublicKeyHex, target)
		default:
			return types.NewFault(types.CodeUnknownCommand, "unknown moderation action: "+action)
		}
	})
	if err != nil {
		printFault(asFault(err))
		return
	}
	printJSON(map[string]any{"ok": true})
}

// --- messages (recv/peek/watch) -----------------------------------------

type filters struct {
	from   string
	since  int64
	until  int64
	search string
	limit  int
	offset int
	group  string
}

func parseFilters(args []string) filters {
	fs := flag.NewFlagSet("filters", flag.ContinueOnError)
	from := fs.String("from", "", "")
	since := fs.Int64("since", 0, "")
	until := fs.Int64("until", 0, "")
	search := fs.String("search", "", "")
	limit := fs.Int("limit", 50, "")
	offset := fs.Int("offset", 0, "")
	grp := fs.String("group", "", "")
	fs.Parse(args)
	return filters{from: *from, since: *since, until: *until, search: *search, limit: *limit, offset: *offset, group: *grp}
}

func (f filters) matches(msg types.StoredMessage) bool {
	if f.from != "" && msg.From != f.from {
		return false
	}
	if f.since != 0 && msg.Timestamp < f.since {
		return false
	}
	if f.until != 0 && msg.Timestamp > f.until {
		return false
	}
	if f.group != "" && msg.GroupID != f.group {
		return false
	}
	if f.search != "" {
		text, ok := msg.Content.(string)
		if !ok || !strings.Contains(strings.ToLower(text), strings.ToLower(f.search)) {
			return false
		}
	}
	return true
}

func applyLimitOffset[T any](items []T, f filters) []T {
	if f.offset > 0 {
		if f.offset >= len(items) {
			return nil
		}
		items = items[f.offset:]
	}
	if f.limit > 0 && f.limit < len(items) {
		items = items[:f.limit]
	}
	return items
}

// readMessages decrypts and decodes every line of messages.jsonl.
func readMessages(cfg config.Config) ([]types.StoredMessage, error) {
	key, err := cryptutil.LoadOrCreateKey(filepath.Join(cfg.DataDir, ".storage_key"))
	if err != nil {
		return nil, err
	}
	envelope, err := cryptutil.NewEnvelope(key)
	if err != nil {
		return nil, err
	}
	lines, err := store.ReadLines(filepath.Join(cfg.DataDir, "messages.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []types.StoredMessage
	for _, line := range lines {
		plain, err := envelope.Open(line)
		if err != nil {
			continue
		}
		var msg types.StoredMessage
		if err := json.Unmarshal(plain, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// cursorPath tracks how many messages.jsonl entries "recv" has already
// delivered, so repeated recv calls surface only new messages while
// peek always shows the full (filtered) backlog.
func cursorPath(cfg config.Config) string {
	return filepath.Join(cfg.DataDir, ".cli_cursor")
}

func readCursor(cfg config.Config) int {
	data, err := os.ReadFile(cursorPath(cfg))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return n
}

func writeCursor(cfg config.Config, n int) {
	_ = store.WriteFileAtomic(cursorPath(cfg), []byte(strconv.Itoa(n)), 0o600)
}

func cmdRecv(cfg config.Config, args []string) {
	all, err := readMessages(cfg)
	if err != nil {
		printFault(asFault(err))
		return
	}
	cursor := readCursor(cfg)
	if cursor > len(all) {
		cursor = len(all)
	}
	fresh := all[cursor:]
	writeCursor(cfg, len(all))

	f := parseFilters(args)
	var out []types.StoredMessage
	for _, m := range fresh {
		if f.matches(m) {
			out = append(out, m)
		}
	}
	out = applyLimitOffset(out, f)
	printJSON(map[string]any{"ok": true, "data": out})
}

func cmdPeek(cfg config.Config, args []string) {
	all, err := readMessages(cfg)
	if err != nil {
		printFault(asFault(err))
		return
	}
	f := parseFilters(args)
	var out []types.StoredMessage
	for _, m := range all {
		if f.matches(m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	out = applyLimitOffset(out, f)
	printJSON(map[string]any{"ok": true, "data": out})
}

// cmdWatch blocks, polling messages.jsonl for up to 30s, until count
// new messages (since the recv cursor) arrive or the wait expires —
// then reports whatever arrived, advancing the cursor the same way
// recv does.
func cmdWatch(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	count := fs.Int("count", 1, "number of new messages to wait for")
	fs.Parse(args)

	deadline := time.Now().Add(30 * time.Second)
	cursor := readCursor(cfg)

	for {
		all, err := readMessages(cfg)
		if err != nil {
			printFault(asFault(err))
			return
		}
		if cursor > len(all) {
			cursor = len(all)
		}
		fresh := all[cursor:]
		if len(fresh) >= *count || time.Now().After(deadline) {
			writeCursor(cfg, len(all))
			printJSON(map[string]any{"ok": true, "data": fresh})
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// --- queue / relay -------------------------------------------------------

func cmdQueueStatus(cfg config.Config) {
	lines, err := store.ReadLines(filepath.Join(cfg.DataDir, "offline_queue.jsonl"))
	if err != nil && !os.IsNotExist(err) {
		printFault(asFault(err))
		return
	}
	var msgs []types.QueuedMessage
	for _, line := range lines {
		var m types.QueuedMessage
		if json.Unmarshal([]byte(line), &m) == nil {
			msgs = append(msgs, m)
		}
	}
	printJSON(map[string]any{"ok": true, "data": map[string]any{"depth": len(msgs), "messages": msgs}})
}

func readRelayStats(cfg config.Config) ([]relay.Stats, error) {
	var stats []relay.Stats
	if err := store.ReadJSON(relay.DefaultStatsPath(cfg.DataDir), &stats); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return stats, nil
}

func cmdRelayStatus(cfg config.Config, args []string) {
	stats, err := readRelayStats(cfg)
	if err != nil {
		printFault(asFault(err))
		return
	}
	printJSON(map[string]any{"ok": true, "data": stats})
}

func cmdRelayBlacklist(cfg config.Config) {
	stats, err := readRelayStats(cfg)
	if err != nil {
		printFault(asFault(err))
		return
	}
	var blacklisted []string
	for _, s := range stats {
		if s.Blacklisted {
			blacklisted = append(blacklisted, s.URL)
		}
	}
	printJSON(map[string]any{"ok": true, "data": blacklisted})
}

// cmdRelayRecover routes through the command/result channel so the
// live worker clears its in-memory StatsTable directly instead of
// racing the worker's own debounced Flush() over relay_stats.json.
func cmdRelayRecover(cfg config.Config, args []string) {
	if len(args) < 1 {
		printFault(types.NewFault(types.CodeInvalidArgs, "usage: relay-recover <url>"))
		return
	}
	res, err := submitAndWait(cfg, command.Command{
		Kind:   command.KindRelayRecover,
		Target: args[0],
	}, 5*time.Second)
	if err != nil {
		printFault(asFault(err))
		return
	}
	resultToJSON(res)
}
