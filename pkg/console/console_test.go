package console_test

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otlvideo/otl/pkg/console"
)

func newTestConsole(t *testing.T, port int) *console.Console {
	t.Helper()

	cfg := console.DefaultConfig()
	cfg.Targets = console.TargetConsole | console.TargetTelnet
	cfg.EnableColor = false
	cfg.Telnet.Enable = true
	cfg.Telnet.Port = port
	cfg.Telnet.MaxConnections = 2

	c := console.New(cfg)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	return c
}

func dial(t *testing.T, port int) (net.Conn, *bufio.Reader) {
	t.Helper()

	var (
		conn net.Conn
		err  error
	)

	for i := 0; i < 20; i++ {
		conn, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, bufio.NewReader(conn)
}

func readUntilPrompt(t *testing.T, r *bufio.Reader) string {
	t.Helper()

	var out strings.Builder

	for {
		line, err := r.ReadString('\n')
		out.WriteString(line)

		if err != nil || strings.Contains(line, "log> ") {
			break
		}
	}

	return out.String()
}

func TestTelnetHelpAndStatus(t *testing.T) {
	c := newTestConsole(t, 23231)
	_ = c

	conn, r := dial(t, 23231)

	greeting := readUntilPrompt(t, r)
	assert.Contains(t, greeting, "log> ")

	conn.Write([]byte("status\r\n"))
	resp := readUntilPrompt(t, r)
	assert.Contains(t, resp, "level=")
}

func TestTelnetQuitClosesConnection(t *testing.T) {
	newTestConsole(t, 23232)

	conn, r := dial(t, 23232)
	readUntilPrompt(t, r)

	conn.Write([]byte("quit\r\n"))
	resp := readUntilPrompt(t, r)
	assert.Contains(t, resp, "Goodbye!")
}

func TestTelnetUnknownCommand(t *testing.T) {
	newTestConsole(t, 23233)

	conn, r := dial(t, 23233)
	readUntilPrompt(t, r)

	conn.Write([]byte("bogus\r\n"))
	resp := readUntilPrompt(t, r)
	assert.Contains(t, resp, "unknown command")
}

func TestTelnetLevelGetSet(t *testing.T) {
	c := newTestConsole(t, 23234)

	conn, r := dial(t, 23234)
	readUntilPrompt(t, r)

	conn.Write([]byte("level warn\r\n"))
	resp := readUntilPrompt(t, r)
	assert.Contains(t, resp, "level set to warn")
	assert.Equal(t, zerolog.WarnLevel, c.GetLevel())
}

func TestCustomCommandRegistration(t *testing.T) {
	c := newTestConsole(t, 23235)

	c.RegisterCommand(console.CmdInfo{
		Name:        "ping",
		Format:      "ping",
		Description: "responds pong",
		Handler:     func([]string) string { return "pong" },
	})

	conn, r := dial(t, 23235)
	readUntilPrompt(t, r)

	conn.Write([]byte("ping\r\n"))
	resp := readUntilPrompt(t, r)
	assert.Contains(t, resp, "pong")
}

func TestMaxConnectionsEnforced(t *testing.T) {
	newTestConsole(t, 23236)

	conn1, _ := dial(t, 23236)
	conn2, _ := dial(t, 23236)

	time.Sleep(50 * time.Millisecond)

	conn3, err := net.Dial("tcp", "127.0.0.1:23236")
	require.NoError(t, err)

	defer conn3.Close()

	buf := make([]byte, 128)
	conn3.SetReadDeadline(time.Now().Add(time.Second))
	n, _ := conn3.Read(buf)
	assert.Contains(t, string(buf[:n]), "too many connections")

	_ = conn1
	_ = conn2
}

func TestProcessCommandDirect(t *testing.T) {
	cfg := console.DefaultConfig()
	c := console.New(cfg)

	assert.Equal(t, "Goodbye!", c.ProcessCommand("quit"))
	assert.Contains(t, c.ProcessCommand("help"), "status")
}

func TestEnableDisableToggle(t *testing.T) {
	cfg := console.DefaultConfig()
	c := console.New(cfg)

	assert.True(t, c.IsEnabled("demuxer"))
	c.Disable("demuxer")
	assert.False(t, c.IsEnabled("demuxer"))
	c.Enable("demuxer")
	assert.True(t, c.IsEnabled("demuxer"))
}
