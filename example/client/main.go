// Command client connects to the example server over SSE and walks through the demo: it calls
// the tools, renders a prompt, reads resources and waits for a live data update.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TangGee/mcp-session"
	"github.com/TangGee/mcp-session/servers/demo"
)

type watcher struct {
	updates chan string
}

type progressPrinter struct{}

func (w watcher) OnResourceSubscribedChanged(uri string) {
	select {
	case w.updates <- uri:
	default:
	}
}

func (progressPrinter) OnProgress(params mcp.ProgressParams) {
	fmt.Printf("  progress %s: %v/%v\n", params.ProgressToken, params.Progress, params.Total)
}

func main() {
	url := flag.String("url", "http://localhost:8080/sse", "SSE endpoint of the server")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, *url, logger); err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, url string, logger *slog.Logger) error {
	w := watcher{updates: make(chan string, 1)}
	sampler := mcp.SamplingHandlerFunc(func(_ context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
		var texts []string
		for _, msg := range params.Messages {
			texts = append(texts, msg.Content.Text)
		}
		return mcp.SamplingResult{
			Role:    mcp.RoleAssistant,
			Content: mcp.Content{Type: mcp.ContentTypeText, Text: "你说的是: " + strings.Join(texts, " ")},
			Model:   "echo",
		}, nil
	})

	transport := mcp.NewSSEClient(url, nil, mcp.WithSSEClientLogger(logger))
	cli := mcp.NewClient(mcp.Info{Name: "demo-client", Version: "1.0.0"}, transport,
		mcp.WithClientLogger(logger),
		mcp.WithSamplingHandler(sampler),
		mcp.WithProgressListener(progressPrinter{}),
		mcp.WithResourceSubscribedWatcher(w),
	)
	if err := cli.Connect(ctx); err != nil {
		return err
	}
	defer cli.Close()

	info := cli.ServerInfo()
	fmt.Printf("connected to %s %s\n", info.Name, info.Version)
	if instructions := cli.Instructions(); instructions != "" {
		fmt.Printf("instructions: %s\n", instructions)
	}

	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		return err
	}
	fmt.Println("tools:")
	for _, tool := range tools.Tools {
		fmt.Printf("  %s: %s\n", tool.Name, tool.Description)
	}

	calls := []struct {
		name string
		args string
	}{
		{"add", `{"a":5,"b":3}`},
		{"add", `{"a":5}`},
		{"weather", `{"city":"上海"}`},
		{"calculator", `{"expression":"(1 + 2) * 3"}`},
		{"sampleLLM", `{"prompt":"你好"}`},
	}
	for _, c := range calls {
		res, err := cli.CallTool(ctx, mcp.CallToolParams{Name: c.name, Arguments: json.RawMessage(c.args)})
		if err != nil {
			return err
		}
		printToolResult(c.name, res)
	}

	res, err := cli.CallTool(ctx, mcp.CallToolParams{
		Name:      "longRunningOperation",
		Arguments: json.RawMessage(`{"duration":5,"steps":5}`),
		Meta:      mcp.ParamsMeta{ProgressToken: mcp.NewStringID("demo-progress")},
	})
	if err != nil {
		return err
	}
	printToolResult("longRunningOperation", res)

	prompt, err := cli.GetPrompt(ctx, mcp.GetPromptParams{
		Name:      "code_review",
		Arguments: map[string]string{"language": "go", "code": "fmt.Println(\"hi\")"},
	})
	if err != nil {
		return err
	}
	fmt.Println("prompt code_review:")
	for _, msg := range prompt.Messages {
		fmt.Printf("  [%s] %s\n", msg.Role, msg.Content.Text)
	}

	for _, uri := range []string{"example://document/1", "greeting://Alice", demo.LiveDataURI} {
		res, err := cli.ReadResource(ctx, mcp.ReadResourceParams{URI: uri})
		if err != nil {
			return err
		}
		for _, c := range res.Contents {
			fmt.Printf("resource %s: %s\n", c.URI, c.Text)
		}
	}

	if err := cli.SubscribeResource(ctx, mcp.SubscribeResourceParams{URI: demo.LiveDataURI}); err != nil {
		return err
	}
	select {
	case uri := <-w.updates:
		fmt.Printf("resource %s updated\n", uri)
	case <-ctx.Done():
		return ctx.Err()
	}
	return cli.UnsubscribeResource(ctx, mcp.UnsubscribeResourceParams{URI: demo.LiveDataURI})
}

func printToolResult(name string, res mcp.CallToolResult) {
	status := "ok"
	if res.IsError {
		status = "error"
	}
	for _, c := range res.Content {
		fmt.Printf("tool %s (%s): %s\n", name, status, c.Text)
	}
}
