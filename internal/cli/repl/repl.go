package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	httpclient "codesandbox/internal/cli/http"
	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/controller"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

// LineReader yields one input line per call. *readline.Instance satisfies it.
type LineReader interface {
	Readline() (string, error)
}

// Session holds REPL state.
type Session struct {
	client     *httpclient.Client
	out        io.Writer
	prettyJSON bool
}

func New(client *httpclient.Client, out io.Writer, prettyJSON bool) *Session {
	return &Session{client: client, out: out, prettyJSON: prettyJSON}
}

// Completer offers the top-level commands for tab completion.
func Completer() readline.AutoCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("run"),
		readline.PcItem("languages"),
		readline.PcItem("health"),
		readline.PcItem("cancel"),
		readline.PcItem("set", readline.PcItem("base"), readline.PcItem("secret"), readline.PcItem("token"), readline.PcItem("timeout")),
		readline.PcItem("show", readline.PcItem("config")),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

// Run reads commands until exit or end of input. Ctrl-C clears the line.
func (s *Session) Run(ctx context.Context, in LineReader) error {
	for {
		line, err := in.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		quit, err := s.Exec(ctx, line)
		if err != nil {
			s.printLine("error: %v", err)
		}
		if quit {
			return nil
		}
	}
}

// Exec runs one command line. quit reports that the session should end.
func (s *Session) Exec(ctx context.Context, line string) (quit bool, err error) {
	tokens, err := shlex.Split(strings.TrimSpace(line))
	if err != nil {
		return false, fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return false, nil
	}
	args := tokens[1:]
	switch tokens[0] {
	case "exit", "quit":
		s.printLine("bye")
		return true, nil
	case "help":
		s.printHelp()
	case "run":
		return false, s.run(ctx, args)
	case "languages":
		ids, err := s.client.Languages(ctx)
		if err != nil {
			return false, err
		}
		s.printLine("%s", strings.Join(ids, " "))
	case "health":
		info, err := s.client.Health(ctx)
		if err != nil {
			return false, err
		}
		s.renderJSON(info.Body)
	case "cancel":
		if len(args) != 1 {
			return false, errors.New("usage: cancel <submission-id>")
		}
		if err := s.client.Cancel(ctx, args[0]); err != nil {
			return false, err
		}
		s.printLine("cancelled %s", args[0])
	case "set":
		return false, s.set(args)
	case "show":
		if len(args) != 1 || args[0] != "config" {
			return false, errors.New("usage: show config")
		}
		s.printLine("base: %s", s.client.BaseURL())
	default:
		return false, fmt.Errorf("unknown command: %s", tokens[0])
	}
	return false, nil
}

// run handles: run [--id=ID] [--time=MS] [--memory=MB] <language> <file> [input|@file ...]
func (s *Session) run(ctx context.Context, args []string) error {
	var req controller.ExecuteRequest
	var positional []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			positional = append(positional, arg)
			continue
		}
		key, value, _ := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		switch key {
		case "id":
			req.SubmissionID = value
		case "time":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid --time: %w", err)
			}
			req.TimeLimitMs = n
		case "memory":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid --memory: %w", err)
			}
			req.MemoryLimitMB = n
		default:
			return fmt.Errorf("unknown option --%s", key)
		}
	}
	if len(positional) < 2 {
		return errors.New("usage: run [--id=ID] [--time=MS] [--memory=MB] <language> <file> [input|@file ...]")
	}
	req.Language = positional[0]
	code, err := os.ReadFile(positional[1])
	if err != nil {
		return fmt.Errorf("read source failed: %w", err)
	}
	req.Code = string(code)
	req.Inputs = []string{}
	for _, in := range positional[2:] {
		if path, ok := strings.CutPrefix(in, "@"); ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read input failed: %w", err)
			}
			in = string(data)
		}
		req.Inputs = append(req.Inputs, in)
	}

	start := time.Now()
	resp, err := s.client.Execute(ctx, req)
	if err != nil {
		return err
	}
	s.renderVerdict(resp, time.Since(start))
	return nil
}

func (s *Session) set(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: set base|secret|token|timeout <value>")
	}
	switch args[0] {
	case "base":
		s.client.SetBaseURL(args[1])
		s.printLine("base set to %s", args[1])
	case "secret":
		s.client.SetSecret(args[1])
		s.printLine("secret updated")
	case "token":
		s.client.SetToken(args[1])
		s.printLine("token updated")
	case "timeout":
		dur, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	default:
		return fmt.Errorf("unknown setting: %s", args[0])
	}
	return nil
}

func (s *Session) renderVerdict(resp sandbox.Response, took time.Duration) {
	s.printLine("%s (status %d) id=%s time=%dms memory=%dKB round-trip=%s",
		resp.Verdict, resp.Status, resp.SubmissionID, resp.Time, resp.Memory, took.Round(time.Millisecond))
	if resp.Message != "" {
		s.printLine("message: %s", resp.Message)
	}
	for i, out := range resp.Outputs {
		s.printLine("--- case %d ---", i+1)
		s.printLine("%s", strings.TrimRight(out, "\n"))
	}
}

func (s *Session) renderJSON(body []byte) {
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(body))
}

func (s *Session) printHelp() {
	s.printLine("commands:")
	s.printLine("  run [--id=ID] [--time=MS] [--memory=MB] <language> <file> [input|@file ...]")
	s.printLine("  languages | health | cancel <id>")
	s.printLine("  set base|secret|token|timeout <value> | show config | help | exit")
	s.printLine("examples:")
	s.printLine("  run cpp ./main.cpp \"1 2\" @./case2.txt")
	s.printLine("  run --time=2000 python3 ./main.py 5")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
