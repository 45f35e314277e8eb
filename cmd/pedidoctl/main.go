package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mayorista/pedidos/internal/platform/observability"
	"github.com/mayorista/pedidos/internal/storefront"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(logger.Named("pedidoctl"))
	if err := app.RunContext(ctx, os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Error())
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(logger *zap.Logger) *cli.App {
	return &cli.App{
		Name:  "pedidoctl",
		Usage: "manage a wholesale cart and its orders from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api-url",
				Usage:   "base URL of the order API",
				EnvVars: []string{"PEDIDOS_API_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Firebase ID token sent as bearer credentials",
				EnvVars: []string{"PEDIDOS_ID_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "cart",
				Usage:   "path of the local cart file",
				EnvVars: []string{"PEDIDOS_CART_FILE"},
				Value:   defaultCartPath(),
			},
			&cli.StringFlag{
				Name:    "client-id",
				Usage:   "client the order is placed for (sellers only)",
				EnvVars: []string{"PEDIDOS_CLIENT_ID"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "per-request timeout",
				Value: 15 * time.Second,
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "retries for unavailable responses",
				Value: 2,
			},
		},
		Commands: []*cli.Command{
			cartCommand(),
			validateCommand(),
			submitCommand(),
			editCommand(logger),
			cancelCommand(),
			duplicateCommand(),
		},
	}
}

func defaultCartPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "cart.yaml"
	}
	return filepath.Join(home, ".pedidos", "cart.yaml")
}

func newClient(c *cli.Context) (*storefront.Client, error) {
	return storefront.NewClient(c.String("api-url"),
		storefront.WithBearerToken(c.String("token")),
		storefront.WithRequestTimeout(c.Duration("timeout")),
		storefront.WithRetries(c.Int("retries")),
		storefront.WithUserAgent("pedidoctl"),
	)
}

func loadCart(c *cli.Context) (*storefront.CartStore, error) {
	return storefront.LoadCartStore(c.String("cart"))
}
