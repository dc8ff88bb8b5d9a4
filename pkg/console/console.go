// Package console implements an async, bounded-queue log fan-out
// (console/file/telnet sinks) plus a line-oriented telnet admin
// server with a registrable command table. It is grounded on
// original_source/otl_log.h's LogConfig/OutputTarget/TelnetCmdInfo
// design and on pkg/logger's use of the zerolog/go-isatty/go-colorable
// console-writer conventions.
package console

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors zerolog.Level so callers of this package don't need
// to import zerolog directly for log-level values.
type Level = zerolog.Level

// Target is a bitmask of sinks a record should be delivered to,
// matching original_source/otl_log.h's OutputTarget enum class.
type Target uint8

const (
	TargetNone    Target = 0
	TargetFile    Target = 1 << 0
	TargetConsole Target = 1 << 1
	TargetTelnet  Target = 1 << 2
)

// FileConfig configures optional file logging with lumberjack-based
// rolling.
type FileConfig struct {
	Path        string
	RollSizeMB  int
	MaxFiles    int
	MaxAgeDays  int
	Compress    bool
}

// TelnetConfig configures the admin console TCP listener.
type TelnetConfig struct {
	Enable         bool
	Port           int
	MaxConnections int
}

// Config aggregates logger and admin-console settings, matching
// original_source/otl_log.h's LogConfig.
type Config struct {
	Targets      Target
	Level        Level
	QueueSize    int
	EnableColor  bool
	File         FileConfig
	Telnet       TelnetConfig
}

// DefaultConfig matches the source's LogConfig field defaults.
func DefaultConfig() Config {
	return Config{
		Targets:     TargetConsole,
		Level:       zerolog.InfoLevel,
		QueueSize:   4096,
		EnableColor: true,
		File: FileConfig{
			RollSizeMB: 100,
			MaxFiles:   10,
		},
		Telnet: TelnetConfig{
			Port:           2323,
			MaxConnections: 5,
		},
	}
}

// record is one queued log line, formatted eagerly at push time so
// the consumer never touches caller state.
type record struct {
	level Level
	line  string
}

// CmdHandler processes a parsed command's argument tokens and
// returns the text to send back to the telnet client.
type CmdHandler func(args []string) string

// CmdInfo describes one registered admin-console command, matching
// original_source/otl_log.h's TelnetCmdInfo.
type CmdInfo struct {
	Name        string
	Format      string
	Description string
	Module      string
	Handler     CmdHandler
}

// Console owns the bounded log queue, its consumer goroutine, and
// the optional telnet admin server.
type Console struct {
	mu     sync.RWMutex
	config Config

	queue chan record

	fileWriter *lumberjack.Logger
	console    zerolog.ConsoleWriter
	useColor   bool

	commands map[string]CmdInfo

	listener net.Listener
	clients  map[net.Conn]struct{}
	clientMu sync.Mutex

	stop chan struct{}
	done chan struct{}

	enabled map[string]bool
}

// New builds a Console from cfg but does not start its consumer or
// telnet listener; call Start for that.
func New(cfg Config) *Console {
	out := colorable.NewColorable(os.Stdout)
	useColor := cfg.EnableColor && isatty.IsTerminal(os.Stdout.Fd())

	c := &Console{
		config:  cfg,
		queue:   make(chan record, cfg.QueueSize),
		console: zerolog.ConsoleWriter{Out: out, NoColor: !useColor, TimeFormat: time.RFC3339},
		useColor: useColor,
		commands: make(map[string]CmdInfo),
		clients:  make(map[net.Conn]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		enabled:  make(map[string]bool),
	}

	if cfg.File.Path != "" {
		c.fileWriter = &lumberjack.Logger{
			Filename: cfg.File.Path,
			MaxSize:  cfg.File.RollSizeMB,
			MaxAge:   cfg.File.MaxAgeDays,
			MaxBackups: cfg.File.MaxFiles,
			Compress: cfg.File.Compress,
		}
	}

	c.registerBuiltins()

	return c
}

// Start launches the consumer goroutine and, if configured, the
// telnet admin server.
func (c *Console) Start() error {
	go c.consume()

	c.mu.RLock()
	telnetCfg := c.config.Telnet
	c.mu.RUnlock()

	if telnetCfg.Enable {
		return c.startTelnet(telnetCfg)
	}

	return nil
}

// Stop drains and stops the consumer and closes the telnet listener,
// if any.
func (c *Console) Stop() {
	close(c.stop)

	if c.listener != nil {
		c.listener.Close() //nolint:errcheck // best-effort shutdown.
	}

	c.clientMu.Lock()
	for conn := range c.clients {
		conn.Close() //nolint:errcheck // best-effort shutdown.
	}
	c.clientMu.Unlock()

	<-c.done
}

// Log formats and enqueues one record. If the queue is full, it
// falls back to a synchronous write to configured sinks so no record
// is silently dropped without at least reaching a sink once.
func (c *Console) Log(level Level, module, text string) {
	c.mu.RLock()
	minLevel := c.config.Level
	c.mu.RUnlock()

	if level < minLevel {
		return
	}

	line := formatLine(level, module, text)

	select {
	case c.queue <- record{level: level, line: line}:
	default:
		c.deliver(record{level: level, line: line})
	}
}

func formatLine(level Level, module, text string) string {
	return fmt.Sprintf("%s [%s] %s: %s", time.Now().Format(time.RFC3339), level.String(), module, text)
}

func (c *Console) consume() {
	defer close(c.done)

	for {
		select {
		case rec := <-c.queue:
			c.deliver(rec)
		case <-c.stop:
			// Drain whatever is left before exiting.
			for {
				select {
				case rec := <-c.queue:
					c.deliver(rec)
				default:
					return
				}
			}
		}
	}
}

func (c *Console) deliver(rec record) {
	c.mu.RLock()
	targets := c.config.Targets
	c.mu.RUnlock()

	if targets&TargetConsole != 0 {
		c.writeConsole(rec)
	}

	if targets&TargetFile != 0 && c.fileWriter != nil {
		fmt.Fprintln(c.fileWriter, rec.line) //nolint:errcheck // best-effort log sink.
	}

	if targets&TargetTelnet != 0 {
		c.broadcastToClients(rec.line)
	}
}

func (c *Console) writeConsole(rec record) {
	if !c.useColor {
		fmt.Fprintln(os.Stdout, rec.line) //nolint:errcheck // best-effort log sink.

		return
	}

	fmt.Fprintln(colorable.NewColorable(os.Stdout), colorize(rec.level, rec.line)) //nolint:errcheck // best-effort log sink.
}

// colorize wraps line in an ANSI SGR code chosen by level, matching
// pkg/logger's console writer's per-level palette convention.
func colorize(level Level, line string) string {
	code := "37" // default: white

	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		code = "90"
	case zerolog.InfoLevel:
		code = "32"
	case zerolog.WarnLevel:
		code = "33"
	case zerolog.ErrorLevel:
		code = "31"
	case zerolog.FatalLevel, zerolog.PanicLevel:
		code = "35"
	}

	return "\x1b[" + code + "m" + line + "\x1b[0m"
}

// SetLevel updates the minimum level accepted by Log.
func (c *Console) SetLevel(level Level) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.config.Level = level
}

// GetLevel returns the current minimum level.
func (c *Console) GetLevel() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.config.Level
}

// UpdateConfig replaces the live configuration atomically.
func (c *Console) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.config = cfg
}

// GetConfig returns a snapshot of the current configuration.
func (c *Console) GetConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.config
}

// Enable/Disable toggle a named target (e.g. a module name or
// "console"/"file"/"telnet") for the `enable`/`disable` admin
// commands to query via IsEnabled.
func (c *Console) Enable(target string)  { c.setEnabled(target, true) }
func (c *Console) Disable(target string) { c.setEnabled(target, false) }

func (c *Console) setEnabled(target string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled[target] = v
}

// IsEnabled reports whether target has been explicitly enabled.
// Targets never toggled default to enabled.
func (c *Console) IsEnabled(target string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.enabled[target]
	if !ok {
		return true
	}

	return v
}

// RegisterCommand adds a custom admin-console command. Re-registering
// an existing name replaces it.
func (c *Console) RegisterCommand(cmd CmdInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commands[cmd.Name] = cmd
}

func (c *Console) registerBuiltins() {
	c.commands["help"] = CmdInfo{Name: "help", Format: "help", Description: "list commands", Handler: c.cmdHelp}
	c.commands["cmdshow"] = CmdInfo{Name: "cmdshow", Format: "cmdshow [module]", Description: "show commands, optionally by module", Handler: c.cmdShow}
	c.commands["status"] = CmdInfo{Name: "status", Format: "status", Description: "show console status", Handler: c.cmdStatus}
	c.commands["level"] = CmdInfo{Name: "level", Format: "level [lvl]", Description: "get or set log level", Handler: c.cmdLevel}
	c.commands["enable"] = CmdInfo{Name: "enable", Format: "enable <target>", Description: "enable a target", Handler: c.cmdEnable}
	c.commands["disable"] = CmdInfo{Name: "disable", Format: "disable <target>", Description: "disable a target", Handler: c.cmdDisable}
	c.commands["log"] = CmdInfo{Name: "log", Format: "log <msg> [lvl]", Description: "inject a log message", Handler: c.cmdLog}
}

func (c *Console) cmdHelp([]string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}

	slices.Sort(names)

	var b strings.Builder

	for _, name := range names {
		cmd := c.commands[name]
		fmt.Fprintf(&b, "%-20s %s\r\n", cmd.Format, cmd.Description)
	}

	b.WriteString("quit|exit|bye         close this connection")

	return b.String()
}

func (c *Console) cmdShow(args []string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var module string
	if len(args) > 0 {
		module = args[0]
	}

	var b strings.Builder

	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}

	slices.Sort(names)

	for _, name := range names {
		cmd := c.commands[name]
		if module != "" && cmd.Module != module {
			continue
		}

		fmt.Fprintf(&b, "%-12s %-24s %s\r\n", cmd.Name, cmd.Format, cmd.Description)
	}

	return strings.TrimRight(b.String(), "\r\n")
}

func (c *Console) cmdStatus([]string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.clientMu.Lock()
	nclients := len(c.clients)
	c.clientMu.Unlock()

	return fmt.Sprintf("level=%s targets=%08b queueLen=%d/%d telnetClients=%d",
		c.config.Level, c.config.Targets, len(c.queue), cap(c.queue), nclients)
}

func (c *Console) cmdLevel(args []string) string {
	if len(args) == 0 {
		return "level: " + c.GetLevel().String()
	}

	lvl, err := zerolog.ParseLevel(args[0])
	if err != nil {
		return "error: unknown level " + args[0]
	}

	c.SetLevel(lvl)

	return "level set to " + lvl.String()
}

func (c *Console) cmdEnable(args []string) string {
	if len(args) == 0 {
		return "error: enable requires a target"
	}

	c.Enable(args[0])

	return "enabled " + args[0]
}

func (c *Console) cmdDisable(args []string) string {
	if len(args) == 0 {
		return "error: disable requires a target"
	}

	c.Disable(args[0])

	return "disabled " + args[0]
}

func (c *Console) cmdLog(args []string) string {
	if len(args) == 0 {
		return "error: log requires a message"
	}

	lvl := zerolog.InfoLevel
	msg := strings.Join(args, " ")

	if len(args) > 1 {
		if parsed, err := zerolog.ParseLevel(args[len(args)-1]); err == nil {
			lvl = parsed
			msg = strings.Join(args[:len(args)-1], " ")
		}
	}

	c.Log(lvl, "telnet", msg)

	return "ok"
}

// ProcessCommand parses and executes one command line, for both
// telnet clients and direct programmatic testing (mirroring the
// source's processTelnetCommandForTest hook).
func (c *Console) ProcessCommand(line string) string {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return ""
	}

	name := strings.ToLower(tokens[0])
	args := tokens[1:]

	switch name {
	case "quit", "exit", "bye":
		return "Goodbye!"
	}

	c.mu.RLock()
	cmd, ok := c.commands[name]
	c.mu.RUnlock()

	if !ok {
		return "error: unknown command " + strconv.Quote(name)
	}

	return cmd.Handler(args)
}

func (c *Console) startTelnet(cfg TelnetConfig) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return err
	}

	c.listener = ln

	go c.acceptLoop(cfg.MaxConnections)

	return nil
}

func (c *Console) acceptLoop(maxConns int) {
	for {
		type deadliner interface {
			SetDeadline(time.Time) error
		}

		if tl, ok := c.listener.(deadliner); ok {
			tl.SetDeadline(time.Now().Add(time.Second)) //nolint:errcheck // best-effort shutdown responsiveness.
		}

		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}

			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			return
		}

		c.clientMu.Lock()
		n := len(c.clients)
		c.clientMu.Unlock()

		if n >= maxConns {
			conn.Write([]byte("too many connections\r\n")) //nolint:errcheck // best-effort refusal notice.
			conn.Close()                                   //nolint:errcheck // refusing connection.

			continue
		}

		c.clientMu.Lock()
		c.clients[conn] = struct{}{}
		c.clientMu.Unlock()

		go c.serveClient(conn)
	}
}

func (c *Console) serveClient(conn net.Conn) {
	defer func() {
		c.clientMu.Lock()
		delete(c.clients, conn)
		c.clientMu.Unlock()
		conn.Close() //nolint:errcheck // closing on disconnect.
	}()

	writer := bufio.NewWriter(conn)
	reader := bufio.NewScanner(conn)

	writer.WriteString("log> \r\n") //nolint:errcheck // best-effort prompt.
	writer.Flush()                  //nolint:errcheck // best-effort prompt.

	for reader.Scan() {
		line := strings.TrimRight(reader.Text(), "\r\n")

		resp := c.ProcessCommand(line)

		writer.WriteString(resp) //nolint:errcheck // best-effort response.
		writer.WriteString("\r\n")
		writer.WriteString("log> \r\n") //nolint:errcheck // best-effort prompt.
		writer.Flush()                  //nolint:errcheck // best-effort response flush.

		if resp == "Goodbye!" {
			return
		}
	}
}

// broadcastToClients writes line, CRLF-terminated, to every connected
// telnet client. It never blocks on a slow client past its own write
// buffer; a stuck client eventually gets dropped by the OS/read side.
func (c *Console) broadcastToClients(line string) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()

	for conn := range c.clients {
		conn.Write([]byte(line + "\r\n")) //nolint:errcheck // best-effort fan-out, dead clients get dropped elsewhere.
	}
}
