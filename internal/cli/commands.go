// Package cli implements the interactive console of a running peer.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/netsession/internal/config"
	"github.com/energizer-project/netsession/internal/connection"
	"github.com/energizer-project/netsession/internal/events"
	"github.com/energizer-project/netsession/internal/registry"
	"github.com/energizer-project/netsession/internal/session"
)

// Controller is the part of the connection manager the console drives.
type Controller interface {
	Snapshot() connection.Snapshot
	StartClientIP(playerName, address string, port int) error
	StartClientSession(playerName string) error
	StartHostIP(playerName, address string, port int) error
	StartHostSession(playerName string) error
	StartServerIP(address string, port int) error
	RequestShutdown()
}

// Sessions is the session facade as used by the console.
type Sessions interface {
	TryCreateSession(ctx context.Context, name string, maxPlayers int, isPrivate bool) (*session.Session, error)
	TryJoinSessionByCode(ctx context.Context, code string) (*session.Session, error)
	TryQuickJoinSession(ctx context.Context) (*session.Session, error)
	RetrieveAndPublishSessionList(ctx context.Context) ([]session.Session, error)
}

// Players lists registry entries.
type Players interface {
	Players() []registry.PlayerData
}

// CLI reads commands line by line and prints results.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	control  Controller
	sessions Sessions
	players  Players

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, control Controller, sessions Sessions, players Players, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		control:  control,
		sessions: sessions,
		players:  players,
		in:       in,
		out:      out,
	}
}

// Start runs the read loop until input ends or ctx is done. The scanner
// goroutine may outlive ctx while blocked on input.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nnetsession console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "netsession> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "players", "p":
		c.printPlayers()
	case "transitions":
		c.printTransitions()
	case "host":
		return c.cmdHost(args)
	case "join":
		return c.cmdJoin(args)
	case "server":
		return c.cmdServer(args)
	case "create":
		return c.cmdCreate(ctx, args)
	case "joincode":
		return c.cmdJoinCode(ctx, args)
	case "quickjoin":
		return c.cmdQuickJoin(ctx)
	case "sessions":
		return c.cmdSessions(ctx)
	case "leave", "disconnect":
		c.control.RequestShutdown()
		fmt.Fprintln(c.out, "Shutdown requested")
	case "setconfig":
		return c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down netsession...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	tw := c.table([]string{"Command", "Description"})
	for _, row := range [][]string{
		{"status", "Show the connection state"},
		{"players", "List known players"},
		{"transitions", "Show the state transition table"},
		{"host [addr:port]", "Host over a direct address"},
		{"join <addr:port>", "Join a host over a direct address"},
		{"server [addr:port]", "Run a dedicated server"},
		{"create [name]", "Create a session and host it"},
		{"joincode <code>", "Join a session by code and connect"},
		{"quickjoin", "Join any open session and connect"},
		{"sessions", "List open sessions"},
		{"leave", "Leave the current session"},
		{"setconfig <section> <key> <value>", "Update a configuration value"},
		{"quit", "Shut netsession down"},
	} {
		tw.Append(row)
	}
	tw.Render()
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	snap := c.control.Snapshot()

	tw := c.table([]string{"Field", "Value"})
	tw.Append([]string{"State", snap.State})
	tw.Append([]string{"Since", snap.Since.Format(time.RFC3339)})
	tw.Append([]string{"Transitions", strconv.Itoa(snap.Transitions)})
	tw.Append([]string{"Method", dash(snap.Method)})
	tw.Append([]string{"Transport", snap.Transport})
	tw.Append([]string{"Listening", dash(snap.ListenAddr)})
	tw.Append([]string{"Clients", strconv.Itoa(len(snap.ConnectedClients))})
	tw.Append([]string{"Session", dash(snap.SessionID)})
	tw.Append([]string{"Join code", dash(snap.JoinCode)})
	tw.Append([]string{"Last status", dash(snap.LastStatus)})
	tw.Append([]string{"Reconnect", fmt.Sprintf("%d/%d", snap.Reconnect.CurrentAttempt, snap.Reconnect.MaxAttempts)})
	tw.Render()
}

func (c *CLI) printPlayers() {
	players := c.players.Players()
	if len(players) == 0 {
		fmt.Fprintln(c.out, "No players")
		return
	}
	tw := c.table([]string{"Player", "Name", "Client", "Connected", "Updated"})
	for _, p := range players {
		tw.Append([]string{
			p.PlayerID,
			p.PlayerName,
			strconv.FormatUint(p.ClientID, 10),
			strconv.FormatBool(p.IsConnected),
			p.UpdatedAt.Format(time.TimeOnly),
		})
	}
	tw.Render()
}

func (c *CLI) printTransitions() {
	current := c.control.Snapshot().State
	tw := c.table([]string{"From", "To", "Event"})
	for _, t := range connection.Transitions {
		from := t.From.String()
		if from == current {
			from = "*" + from
		}
		tw.Append([]string{from, t.To.String(), t.Event})
	}
	tw.Render()
}

// endpoint parses an optional addr:port argument, falling back to the
// configured transport address.
func (c *CLI) endpoint(args []string, required bool) (string, int, error) {
	t := c.cfg.GetTransport()
	if len(args) == 0 {
		if required {
			return "", 0, fmt.Errorf("address required (addr:port)")
		}
		return t.Address, t.Port, nil
	}
	host, portStr, err := net.SplitHostPort(args[0])
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", args[0], err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port: %s", portStr)
	}
	if host == "" {
		host = t.Address
	}
	return host, port, nil
}

func (c *CLI) playerName() string {
	return c.cfg.GetConnection().PlayerName
}

func (c *CLI) cmdHost(args []string) error {
	addr, port, err := c.endpoint(args, false)
	if err != nil {
		return err
	}
	if err := c.control.StartHostIP(c.playerName(), addr, port); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Hosting on %s:%d\n", addr, port)
	return nil
}

func (c *CLI) cmdJoin(args []string) error {
	addr, port, err := c.endpoint(args, true)
	if err != nil {
		return err
	}
	if err := c.control.StartClientIP(c.playerName(), addr, port); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Connecting to %s:%d\n", addr, port)
	return nil
}

func (c *CLI) cmdServer(args []string) error {
	addr, port, err := c.endpoint(args, false)
	if err != nil {
		return err
	}
	if err := c.control.StartServerIP(addr, port); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Dedicated server on %s:%d\n", addr, port)
	return nil
}

func (c *CLI) cmdCreate(ctx context.Context, args []string) error {
	name := c.cfg.GetSession().SessionName
	if len(args) > 0 {
		name = strings.Join(args, " ")
	}
	s, err := c.sessions.TryCreateSession(ctx, name, c.cfg.GetConnection().MaxConnectedPlayers, false)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Created session %s (code %s)\n", s.ID, s.JoinCode)
	return c.control.StartHostSession(c.playerName())
}

func (c *CLI) cmdJoinCode(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: joincode <code>")
	}
	s, err := c.sessions.TryJoinSessionByCode(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Joined session %s\n", s.ID)
	return c.control.StartClientSession(c.playerName())
}

func (c *CLI) cmdQuickJoin(ctx context.Context) error {
	s, err := c.sessions.TryQuickJoinSession(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Joined session %s\n", s.ID)
	return c.control.StartClientSession(c.playerName())
}

func (c *CLI) cmdSessions(ctx context.Context) error {
	list, err := c.sessions.RetrieveAndPublishSessionList(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(c.out, "No open sessions")
		return nil
	}
	tw := c.table([]string{"ID", "Name", "Code", "Players"})
	for _, s := range list {
		tw.Append([]string{s.ID, s.Name, s.JoinCode, fmt.Sprintf("%d/%d", len(s.Players), s.MaxPlayers)})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: setconfig <section> <key> <value>")
	}
	section, key := args[0], args[1]
	raw := strings.Join(args[2:], " ")

	if err := c.cfg.UpdateField(section, key, parseValue(raw)); err != nil {
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Config updated: %s.%s = %s\n", section, key, raw)
	return nil
}

// parseValue turns console input into the JSON type a field most likely
// has.
func parseValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
