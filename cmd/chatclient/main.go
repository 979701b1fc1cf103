package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-relay/internal/chatclient"
	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
)

const autoSyncInterval = 30 * time.Second

func main() {
	addr := flag.String("addr", "127.0.0.1:50001", "relay address")
	username := flag.String("username", fmt.Sprintf("User_%d", time.Now().Unix()%10000), "display name")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := logging.NewWithWriter(logging.Config{Level: *logLevel, Pretty: true}, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chatclient.Dial(ctx, *addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not connect to relay")
	}
	defer client.Close()

	if err := client.Join(*username); err != nil {
		logger.Fatal().Err(err).Msg("join failed")
	}
	if err := client.SyncClock(); err != nil {
		logger.Fatal().Err(err).Msg("initial clock sync failed")
	}
	fmt.Printf("Connected to %s as %s. Commands: /sync, /quit\n", *addr, *username)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return receive(client) })
	g.Go(func() error {
		// Stdin reads cannot be interrupted, so the scanner runs detached.
		inputErr := make(chan error, 1)
		go func() { inputErr <- readInput(client, os.Stdin) }()
		select {
		case <-ctx.Done():
			return nil
		case err := <-inputErr:
			return err
		}
	})
	g.Go(func() error { return autoSync(ctx, client) })
	g.Go(func() error {
		<-ctx.Done()
		return client.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		logger.Error().Err(err).Msg("client stopped")
		os.Exit(1)
	}
}

var errQuit = errors.New("quit")

func receive(client *chatclient.Client) error {
	for {
		msg, err := client.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrUnknownKind) {
				continue
			}
			return err
		}
		render(client, msg)
	}
}

func render(client *chatclient.Client, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.JoinSuccess:
		fmt.Printf("* %s (%d online)\n", m.Message, m.ClientsCount)
	case protocol.UserJoined:
		fmt.Printf("* %s (%d online)\n", m.Message, m.ClientsCount)
	case protocol.UserLeft:
		fmt.Printf("* %s (%d online)\n", m.Message, m.ClientsCount)
	case protocol.ChatMessage:
		fmt.Printf("[%s] %s: %s\n", formatTimestamp(m.Timestamp), m.Username, m.Message)
	case protocol.ClockSyncResponse:
		fmt.Printf("* clock synchronized (offset: %.3fs)\n", client.Clock().Offset().Seconds())
	case protocol.MessageDelivered:
	}
}

func formatTimestamp(ts float64) string {
	return protocol.Time(ts).Format("15:04:05")
}

func readInput(client *chatclient.Client, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			_ = client.Leave()
			return errQuit
		case "/sync":
			if err := client.SyncClock(); err != nil {
				return err
			}
		default:
			if err := client.Chat(line); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_ = client.Leave()
	return errQuit
}

func autoSync(ctx context.Context, client *chatclient.Client) error {
	ticker := time.NewTicker(autoSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Since(client.Clock().LastSync()) < autoSyncInterval {
				continue
			}
			if err := client.SyncClock(); err != nil {
				return err
			}
		}
	}
}
