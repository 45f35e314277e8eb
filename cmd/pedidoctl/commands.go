package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	domain "github.com/mayorista/pedidos/internal/domain"
	"github.com/mayorista/pedidos/internal/platform/textutil"
	"github.com/mayorista/pedidos/internal/storefront"
)

const exitDiscrepancies = 2

func cartCommand() *cli.Command {
	return &cli.Command{
		Name:  "cart",
		Usage: "edit the local cart",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "add a product, merging with an existing entry",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "product", Aliases: []string{"p"}, Required: true},
					&cli.IntFlag{Name: "quantity", Aliases: []string{"q"}, Value: 1},
					&cli.Int64Flag{Name: "price", Usage: "unit price in centavos as shown in the catalog", Required: true},
					&cli.Int64Flag{Name: "case-price", Usage: "case price in centavos"},
					&cli.IntFlag{Name: "case-size", Value: 1},
					&cli.StringFlag{Name: "name"},
				},
				Action: func(c *cli.Context) error {
					store, err := loadCart(c)
					if err != nil {
						return err
					}
					if err := store.Add(domain.CartEntry{
						ProductID: c.String("product"),
						Name:      c.String("name"),
						Quantity:  c.Int("quantity"),
						UnitPrice: c.Int64("price"),
						CasePrice: c.Int64("case-price"),
						CaseSize:  c.Int("case-size"),
					}); err != nil {
						return err
					}
					if err := store.Save(c.String("cart")); err != nil {
						return err
					}
					printCart(c.App.Writer, store.Entries())
					return nil
				},
			},
			{
				Name:      "set",
				Usage:     "overwrite the quantity of a product (0 removes it)",
				ArgsUsage: "PRODUCT QUANTITY",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return cli.Exit("usage: pedidoctl cart set PRODUCT QUANTITY", 1)
					}
					var quantity int
					if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &quantity); err != nil {
						return cli.Exit("quantity must be an integer", 1)
					}
					store, err := loadCart(c)
					if err != nil {
						return err
					}
					if err := store.SetQuantity(c.Args().First(), quantity); err != nil {
						return err
					}
					return store.Save(c.String("cart"))
				},
			},
			{
				Name:      "remove",
				Usage:     "drop a product from the cart",
				ArgsUsage: "PRODUCT",
				Action: func(c *cli.Context) error {
					store, err := loadCart(c)
					if err != nil {
						return err
					}
					store.Remove(c.Args().First())
					return store.Save(c.String("cart"))
				},
			},
			{
				Name:  "show",
				Usage: "print the cart",
				Action: func(c *cli.Context) error {
					store, err := loadCart(c)
					if err != nil {
						return err
					}
					printCart(c.App.Writer, store.Entries())
					return nil
				},
			},
			{
				Name:  "clear",
				Usage: "empty the cart",
				Action: func(c *cli.Context) error {
					store := &storefront.CartStore{}
					return store.Save(c.String("cart"))
				},
			},
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "check the cart against the current catalog without ordering",
		Action: func(c *cli.Context) error {
			client, err := newClient(c)
			if err != nil {
				return err
			}
			store, err := loadCart(c)
			if err != nil {
				return err
			}
			quote, err := client.ValidateCart(c.Context, c.String("client-id"), store.Entries())
			if err != nil {
				return err
			}
			out := c.App.Writer
			if quote.Valid {
				fmt.Fprintf(out, "cart is valid, total %s\n", textutil.FormatMoney(quote.Total))
				return nil
			}
			printReport(out, quote.Report)
			return cli.Exit("cart has discrepancies; run `pedidoctl submit` again after reviewing", exitDiscrepancies)
		},
	}
}

func contactFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "contact name", Required: true},
		&cli.StringFlag{Name: "phone", Usage: "contact phone", Required: true},
		&cli.StringFlag{Name: "email", Usage: "contact email"},
		&cli.StringFlag{Name: "notes", Usage: "order notes"},
		&cli.StringFlag{Name: "key", Usage: "submission key; generated when empty"},
	}
}

func submitRequest(c *cli.Context, entries []domain.CartEntry) storefront.SubmitRequest {
	key := strings.TrimSpace(c.String("key"))
	if key == "" {
		key = ulid.Make().String()
	}
	return storefront.SubmitRequest{
		ClientID: c.String("client-id"),
		Contact: domain.OrderContact{
			Name:  c.String("name"),
			Phone: c.String("phone"),
			Email: c.String("email"),
		},
		Entries:       entries,
		Notes:         c.String("notes"),
		SubmissionKey: key,
	}
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "place an order with the cart contents",
		Flags: contactFlags(),
		Action: func(c *cli.Context) error {
			client, err := newClient(c)
			if err != nil {
				return err
			}
			store, err := loadCart(c)
			if err != nil {
				return err
			}
			result, err := client.SubmitCart(c.Context, submitRequest(c, store.Entries()))
			if err != nil {
				return handleSubmitError(c, store, err)
			}
			store.Clear()
			if err := store.Save(c.String("cart")); err != nil {
				return err
			}
			printOrder(c.App.Writer, result.Order)
			return nil
		},
	}
}

// handleSubmitError swaps in the corrected cart after a rejected submission.
func handleSubmitError(c *cli.Context, store *storefront.CartStore, err error) error {
	var discrepancy *storefront.DiscrepancyError
	if !errors.As(err, &discrepancy) {
		return err
	}
	out := c.App.Writer
	printReport(out, discrepancy.Report)
	storefront.ApplyReport(store, discrepancy.Report)
	if saveErr := store.Save(c.String("cart")); saveErr != nil {
		return saveErr
	}
	fmt.Fprintln(out, "the cart was replaced with the corrected cart:")
	printCart(out, store.Entries())
	return cli.Exit("nothing was ordered; review the cart and submit again", exitDiscrepancies)
}

func editCommand(logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:      "edit",
		Usage:     "edit a pending order; type commit, cancel or show on stdin",
		ArgsUsage: "ORDER_ID",
		Flags: append(contactFlags(),
			&cli.DurationFlag{Name: "poll", Usage: "lock poll interval", Value: storefront.DefaultLockPollInterval},
		),
		Action: func(c *cli.Context) error {
			orderID := strings.TrimSpace(c.Args().First())
			if orderID == "" {
				return cli.Exit("usage: pedidoctl edit ORDER_ID", 1)
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			store, err := loadCart(c)
			if err != nil {
				return err
			}
			out := c.App.Writer

			lost := make(chan storefront.LockLoss, 1)
			session, err := storefront.OpenEditSession(c.Context, storefront.EditSessionConfig{
				API:          client,
				Cart:         store,
				OrderID:      orderID,
				PollInterval: c.Duration("poll"),
				OnLost: func(loss storefront.LockLoss) {
					lost <- loss
				},
				OnError: func(err error) {
					logger.Warn("edit lock poll failed", zap.String("order_id", orderID), zap.Error(err))
				},
			})
			if err != nil {
				return err
			}
			defer session.Close()

			lease := session.Lease()
			fmt.Fprintf(out, "editing %s until %s\n", lease.OrderID, lease.ExpiresAt.Local().Format(time.Kitchen))
			printCart(out, store.Entries())
			if err := store.Save(c.String("cart")); err != nil {
				return err
			}

			commands := readCommands(c.App.Reader)
			for {
				select {
				case <-c.Context.Done():
					return c.Context.Err()
				case loss := <-lost:
					_ = store.Save(c.String("cart"))
					return cli.Exit(fmt.Sprintf("edit lock for %s was lost (%s); the cart was cleared", loss.OrderID, lossReason(loss)), 1)
				case line, ok := <-commands:
					if !ok {
						return nil
					}
					done, err := runEditCommand(c, session, store, line)
					if err != nil || done {
						return err
					}
				}
			}
		},
	}
}

func runEditCommand(c *cli.Context, session *storefront.EditSession, store *storefront.CartStore, line string) (bool, error) {
	out := c.App.Writer
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch fields[0] {
	case "show":
		fresh, err := loadCart(c)
		if err == nil {
			store.Replace(fresh.Entries())
		}
		printCart(out, store.Entries())
		return false, nil
	case "commit":
		fresh, err := loadCart(c)
		if err != nil {
			return false, err
		}
		store.Replace(fresh.Entries())
		result, err := session.Commit(c.Context, submitRequest(c, nil))
		if err != nil {
			var discrepancy *storefront.DiscrepancyError
			if errors.As(err, &discrepancy) {
				printReport(out, discrepancy.Report)
				storefront.ApplyReport(store, discrepancy.Report)
				fmt.Fprintln(out, "cart replaced with the corrected cart; commit again to confirm")
				return false, store.Save(c.String("cart"))
			}
			return true, err
		}
		printOrder(out, result.Order)
		return true, store.Save(c.String("cart"))
	case "cancel":
		order, err := session.Cancel(c.Context)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "edit canceled; order %s is %s\n", order.ID, order.Status)
		return true, store.Save(c.String("cart"))
	default:
		fmt.Fprintln(out, "commands: show, commit, cancel")
		return false, nil
	}
}

func readCommands(r io.Reader) <-chan string {
	if r == nil {
		r = os.Stdin
	}
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

func lossReason(loss storefront.LockLoss) string {
	if loss.Err != nil {
		return loss.Err.Error()
	}
	if loss.Status != "" {
		return "order is " + string(loss.Status)
	}
	return "lock expired"
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "cancel a pending order",
		ArgsUsage: "ORDER_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason"},
			&cli.StringFlag{Name: "lock-token", Usage: "token of an edit in progress"},
		},
		Action: func(c *cli.Context) error {
			orderID := strings.TrimSpace(c.Args().First())
			if orderID == "" {
				return cli.Exit("usage: pedidoctl cancel ORDER_ID", 1)
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			order, err := client.CancelOrder(c.Context, orderID, c.String("reason"), c.String("lock-token"))
			if err != nil {
				return err
			}
			printOrder(c.App.Writer, *order)
			return nil
		},
	}
}

func duplicateCommand() *cli.Command {
	return &cli.Command{
		Name:      "duplicate",
		Usage:     "order the lines of an existing order again at current prices",
		ArgsUsage: "ORDER_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Usage: "submission key; generated when empty"},
		},
		Action: func(c *cli.Context) error {
			orderID := strings.TrimSpace(c.Args().First())
			if orderID == "" {
				return cli.Exit("usage: pedidoctl duplicate ORDER_ID", 1)
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			key := strings.TrimSpace(c.String("key"))
			if key == "" {
				key = ulid.Make().String()
			}
			result, err := client.Duplicate(c.Context, orderID, key)
			if err != nil {
				var discrepancy *storefront.DiscrepancyError
				if errors.As(err, &discrepancy) {
					store, loadErr := loadCart(c)
					if loadErr != nil {
						return loadErr
					}
					return handleSubmitError(c, store, err)
				}
				return err
			}
			printOrder(c.App.Writer, result.Order)
			return nil
		},
	}
}

func printCart(w io.Writer, entries []domain.CartEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "cart is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tNAME\tQTY\tUNIT\tCASE")
	for _, entry := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\n",
			entry.ProductID, entry.Name, entry.Quantity, textutil.FormatMoney(entry.UnitPrice), domain.EffectiveCaseSize(entry.CaseSize))
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, report domain.DiscrepancyReport) {
	fmt.Fprintln(w, "discrepancies:")
	for _, entry := range report.Entries {
		fmt.Fprintf(w, "  - %s\n", storefront.DescribeDiscrepancy(entry))
	}
}

func printOrder(w io.Writer, order storefront.Order) {
	fmt.Fprintf(w, "order %s (#%d) %s, total %s\n", order.ID, order.Number, order.Status, textutil.FormatMoney(order.Total))
	if len(order.Lines) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tQTY\tCASE\tSUBTOTAL")
	for _, line := range order.Lines {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", line.ProductID, line.Quantity, line.CaseSize, textutil.FormatMoney(line.Subtotal))
	}
	_ = tw.Flush()
}
