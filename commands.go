package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/app"
	configx "github.com/tanpawarit/Chative-Order-Orchestrator/pkg/config"
	logx "github.com/tanpawarit/Chative-Order-Orchestrator/pkg/logger"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the orchestrator from the terminal",
	Long: `Talk to the orchestrator from the terminal.

Type a message and press enter. /end closes the conversation, /quit exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Seed(ctx); err != nil {
			return err
		}
		id, _ := cmd.Flags().GetString("conversation")
		if id == "" {
			id = uuid.NewString()
		}
		return chatLoop(ctx, a, id, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func chatLoop(ctx context.Context, a *app.App, conversationID string, in io.Reader, out io.Writer) error {
	if _, err := a.Orchestrator.Create(ctx, conversationID, ""); err != nil {
		return err
	}
	fmt.Fprintf(out, "conversation %s\n", conversationID)

	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		text := strings.TrimSpace(sc.Text())
		switch text {
		case "":
			continue
		case "/quit":
			return nil
		case "/end":
			_, err := a.Orchestrator.End(ctx, conversationID)
			return err
		}

		reply, err := a.Orchestrator.Handle(ctx, conversationID, text)
		if err != nil {
			fmt.Fprintf(out, "[error] %v\n", err)
			continue
		}
		if reply.Handoff != nil {
			fmt.Fprintf(out, "[%s -> %s]\n", reply.Handoff.From, reply.Handoff.To)
		}
		fmt.Fprintf(out, "%s: %s\n", reply.WorkerID, reply.Text)
	}
}

func init() {
	chatCmd.Flags().String("conversation", "", "conversation id to resume")
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the default inventory and driver pool into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Seed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d items and %d drivers\n", res.Items, res.Drivers)
		return nil
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve dispatcher operations as MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol.
		logCfg, err := configx.New[logx.Config]("LOG")
		if err != nil {
			return err
		}
		log.Logger = logx.New(os.Stderr, *logCfg)

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		mcpSrv, err := a.MCPServer(version)
		if err != nil {
			return err
		}
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}
