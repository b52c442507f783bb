package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"runbox/internal/cli/config"
	httpclient "runbox/internal/cli/http"
	"runbox/internal/executor/sandbox/result"
)

const defaultConfigPath = "configs/cli.yaml"

const (
	exitOK          = 0
	exitRunFailed   = 1
	exitUsage       = 2
	exitUnavailable = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("runbox-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	baseURL := fs.String("base", "", "Override base URL")
	lang := fs.String("lang", "", "Language id (inferred from the file extension when empty)")
	stdinPath := fs.String("stdin", "", "File fed to the program's stdin, - for this process's stdin")
	timeout := fs.Duration("timeout", 0, "Override HTTP timeout (e.g. 30s)")
	verbose := fs.Bool("v", false, "Print status, trace id and latency to stderr")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: runbox-cli [flags] <source-file>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	sourcePath := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return exitUsage
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}

	language := *lang
	if language == "" {
		language, err = cfg.LanguageFor(sourcePath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
	}

	code, err := os.ReadFile(sourcePath)
	if err != nil {
		fmt.Fprintf(stderr, "read source failed: %v\n", err)
		return exitUsage
	}
	input, err := readStdin(*stdinPath, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "read stdin failed: %v\n", err)
		return exitUsage
	}

	client := httpclient.New(cfg.BaseURL, cfg.Timeout)
	reply, err := client.Run(ctx, httpclient.RunRequest{
		Code:     string(code),
		Language: language,
		Stdin:    input,
	})
	if err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return exitUnavailable
	}

	fmt.Fprint(stdout, reply.Output)
	if reply.Error != "" {
		fmt.Fprint(stderr, reply.Error)
		if reply.Error[len(reply.Error)-1] != '\n' {
			fmt.Fprintln(stderr)
		}
	}
	if *verbose {
		fmt.Fprintf(stderr, "status=%s http=%d trace=%s latency=%s\n",
			reply.Status, reply.StatusCode, reply.TraceID, reply.Duration.Round(time.Millisecond))
	}
	if reply.Status != result.StatusOK {
		return exitRunFailed
	}
	return exitOK
}

func readStdin(path string, stdin io.Reader) (string, error) {
	switch path {
	case "":
		return "", nil
	case "-":
		data, err := io.ReadAll(stdin)
		return string(data), err
	default:
		data, err := os.ReadFile(path)
		return string(data), err
	}
}
