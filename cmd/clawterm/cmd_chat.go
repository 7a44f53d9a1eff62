package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/clawterm/internal/bus"
)

var (
	chatStream  bool
	chatVerbose bool
)

func init() {
	rootCmd.AddCommand(chatCmd)
	for _, c := range []*cobra.Command{rootCmd, chatCmd} {
		c.Flags().BoolVar(&chatStream, "stream", false, "stream model output as it arrives")
		c.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "show every tool step")
	}
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	closeLog := setupLogging(cfg, true)
	defer closeLog()

	a, err := newApp(cfg, appOptions{stream: chatStream})
	if err != nil {
		return err
	}
	con := newConsole(os.Stdout, chatVerbose)
	if err := a.bus.RegisterHandler(bus.ChannelModel, con.handle); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.runtime.OnQuit(cancel)

	if err := a.start(ctx); err != nil {
		return err
	}
	defer a.close()

	fmt.Printf("clawterm %s (session %s). /help for commands, Ctrl-C cancels a turn.\n", cfg.LLM.Model, a.session.ID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigChan:
			// Ctrl-C cancels the running turn; a second one at the prompt quits.
			if _, active := a.runtime.Active(); active && sig == syscall.SIGINT {
				_ = a.bus.Send(ctx, bus.Cancel{})
				continue
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			var pending *bus.ToolStatus
			if p, ok := con.peekPending(); ok {
				pending = &p
			}
			ev, msg, ok := parseLine(line, pending)
			if !ok {
				if msg != "" {
					fmt.Println(msg)
				}
				continue
			}
			if err := a.bus.Send(ctx, ev); err != nil {
				return nil
			}
		}
	}
}
