package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"codesandbox/internal/cli/config"
	httpclient "codesandbox/internal/cli/http"
	"codesandbox/internal/cli/repl"

	"github.com/chzyer/readline"
)

const defaultConfigPath = "configs/cli.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	secret := flag.String("secret", "", "Override shared secret")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [command ...]\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "with no command an interactive shell starts")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *secret != "" {
		cfg.Secret = *secret
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := httpclient.New(cfg.BaseURL, cfg.Timeout, cfg.Secret)
	client.SetToken(cfg.Token)
	prettyJSON := cfg.PrettyJSON != nil && *cfg.PrettyJSON

	if flag.NArg() > 0 {
		session := repl.New(client, os.Stdout, prettyJSON)
		if _, err := session.Exec(ctx, strings.Join(quoteArgs(flag.Args()), " ")); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "sandbox> ",
		HistoryFile:     cfg.HistoryFile,
		AutoComplete:    repl.Completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init terminal failed: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "connected to %s, type help for commands\n", cfg.BaseURL)
	session := repl.New(client, rl.Stdout(), prettyJSON)
	if err := session.Run(ctx, rl); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
}

// quoteArgs re-quotes shell arguments so the command line parser sees them
// unchanged.
func quoteArgs(args []string) []string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\n\"'\\") {
			quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'"'"'`) + "'"
			continue
		}
		quoted[i] = arg
	}
	return quoted
}
