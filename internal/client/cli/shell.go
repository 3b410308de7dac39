package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"

	"miqo-core/internal/connection"
	corelog "miqo-core/internal/core/log"
	"miqo-core/internal/ingest"
	"miqo-core/internal/profile"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Shell - miqo 交互式命令行
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

const (
	prompt             = "\033[32mmiqo>\033[0m "
	defaultPacketCount = 20
)

// Shell 交互式控制台
//
// Execute 与 readline 无关，可以直接驱动；Run 负责终端交互。
type Shell struct {
	ctx       context.Context
	store     *profile.Store
	ctrl      *connection.Controller
	pipeline  *ingest.Pipeline
	out       *Output
	startTime time.Time
}

// NewShell 创建控制台，pipeline 需由调用方启动
func NewShell(ctx context.Context, store *profile.Store, ctrl *connection.Controller, pipeline *ingest.Pipeline, out *Output) *Shell {
	return &Shell{
		ctx:       ctx,
		store:     store,
		ctrl:      ctrl,
		pipeline:  pipeline,
		out:       out,
		startTime: time.Now(),
	}
}

// Run 启动交互循环，直到 exit、EOF 或 ctx 取消
func (s *Shell) Run() error {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return fmt.Errorf("stdin is not a terminal (TTY required for interactive shell)")
	}

	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".miqo_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		HistoryLimit:    500,
		AutoComplete:    BuildCompleter(s.store),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	// 后台事件通过 readline 的 stdout 输出，避免打乱输入行
	s.out.SetWriter(rl.Stdout())

	watch, err := s.ctrl.Watch(func(sess connection.Session) {
		PrintSession(s.out, sess)
	})
	if err != nil {
		return err
	}
	defer watch.Unsubscribe()

	// ctx 取消时打断阻塞的 Readline
	go func() {
		<-s.ctx.Done()
		rl.Close()
	}()

	s.printWelcome()
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				s.out.Info("Use 'exit' or 'quit' to exit")
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			corelog.Errorf("CLI: readline error: %v", err)
			return err
		}

		if !s.Execute(line) {
			return nil
		}
	}
}

func (s *Shell) printWelcome() {
	s.out.Header("miqo MQTT shell")
	s.out.Plain("  Type 'help' to see available commands")
	s.out.Plain("  Type 'exit' or 'quit' to quit")
	s.out.Plain("")
}

// Execute 执行一行命令，返回 false 表示退出
func (s *Shell) Execute(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "h", "?":
		s.cmdHelp()
	case "exit", "quit", "q":
		return false
	case "list", "ls":
		s.cmdList()
	case "connect", "conn":
		s.cmdConnect(args)
	case "disconnect", "dc":
		s.cmdDisconnect()
	case "status", "st":
		s.cmdStatus()
	case "packets", "p":
		s.cmdPackets(args)
	case "topics":
		s.cmdTopics()
	case "clear", "cls":
		s.pipeline.Clear()
		s.out.Success("Packet buffer cleared")
	default:
		s.out.Error("Unknown command: %s", cmd)
		s.out.Info("Type 'help' to see available commands")
	}
	return true
}

func (s *Shell) cmdHelp() {
	s.out.Header("Commands")
	t := NewTable("COMMAND", "DESCRIPTION")
	t.AddRow("list", "List saved broker profiles")
	t.AddRow("connect <profile|url>", "Connect to a broker")
	t.AddRow("disconnect", "Disconnect from the current broker")
	t.AddRow("status", "Show connection state and counters")
	t.AddRow("packets [n]", "Show the newest n packets (default 20)")
	t.AddRow("topics", "Show the latest packet per topic")
	t.AddRow("clear", "Drop all buffered packets")
	t.AddRow("exit", "Quit the shell")
	s.out.Table(t)
}

func (s *Shell) cmdList() {
	t, err := ProfileTable(s.ctx, s.store)
	if err != nil {
		s.out.Error("Failed to list profiles: %v", err)
		return
	}
	if t.Len() == 0 {
		s.out.Info("No profiles in %s", s.store.Dir())
		return
	}
	s.out.Table(t)
}

func (s *Shell) cmdConnect(args []string) {
	if len(args) != 1 {
		s.out.Error("Usage: connect <profile|url>")
		return
	}

	target, err := ResolveTarget(s.ctx, s.store, args[0])
	if err != nil {
		s.out.Error("%v", err)
		return
	}
	if err := s.ctrl.Connect(s.ctx, target); err != nil {
		s.out.Error("Connect failed: %v", err)
		return
	}
	s.out.Info("Connecting to %s (%s)...", target.Label(), target.URL())
}

func (s *Shell) cmdDisconnect() {
	if err := s.ctrl.Disconnect(s.ctx); err != nil {
		s.out.Error("Disconnect failed: %v", err)
		return
	}
	s.out.Info("Disconnecting...")
}

func (s *Shell) cmdStatus() {
	sess := s.ctrl.Session()
	stats := s.pipeline.Stats()

	s.out.Header("Status")
	s.out.KeyValue("State", sess.State.String())
	if sess.Target.URL() != "" {
		s.out.KeyValue("Target", sess.Target.Label())
		s.out.KeyValue("Broker", sess.Target.URL())
	}
	if reason := sess.Reason(); reason != "" {
		s.out.KeyValue("Reason", reason)
	}
	s.out.KeyValue("Buffered", strconv.Itoa(s.pipeline.Len()))
	s.out.KeyValue("Received", strconv.Itoa(stats.Received))
	s.out.KeyValue("Malformed", strconv.Itoa(stats.Malformed))
	s.out.KeyValue("Evicted", strconv.Itoa(stats.Evicted))
	s.out.KeyValue("Uptime", FormatDuration(time.Since(s.startTime)))
}

func (s *Shell) cmdPackets(args []string) {
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	n, err := ParseIntWithDefault(arg, defaultPacketCount)
	if err != nil || n <= 0 {
		s.out.Error("Usage: packets [n]  (n > 0)")
		return
	}

	packets := s.pipeline.Snapshot()
	if len(packets) == 0 {
		s.out.Info("No packets received yet")
		return
	}
	if n < len(packets) {
		packets = packets[:n]
	}
	for _, p := range packets {
		s.out.Packet(p)
	}
}

func (s *Shell) cmdTopics() {
	topics := s.pipeline.Topics()
	if len(topics) == 0 {
		s.out.Info("No topics seen yet")
		return
	}

	t := NewTable("TOPIC", "COUNT", "LAST SEEN", "LATEST")
	for _, ts := range topics {
		t.AddRow(ts.Topic,
			strconv.Itoa(ts.Count),
			FormatTime(ts.Latest.Timestamp),
			Truncate(SingleLine(ts.Latest.Payload), 48))
	}
	s.out.Table(t)
}

// PrintSession 输出一次连接状态变化
func PrintSession(out *Output, sess connection.Session) {
	switch sess.State {
	case connection.StateConnected:
		out.Success("Connected to %s", sess.Target.Label())
	case connection.StateIdle:
		out.Info("Disconnected")
	case connection.StateError:
		out.Error("Connection error: %s", sess.Reason())
	case connection.StateConnecting, connection.StateDisconnecting:
		corelog.Debugf("CLI: session is %s", sess.State)
	}
}
