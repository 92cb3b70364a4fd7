package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"storefront/internal/app"
	"storefront/internal/cart"
	"storefront/internal/checkout"
	"storefront/internal/session"
	"storefront/pkg/domain"
	"storefront/pkg/events"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login [email]",
		Short: "Sign in and persist the session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				email = args[0]
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App, prompt *promptConfirmer) error {
				out := cmd.OutOrStdout()
				if email == "" {
					line, err := prompt.readLine("Email: ")
					if err != nil {
						return err
					}
					email = line
				}
				password, err := readPassword(prompt, "Password: ")
				if err != nil {
					return err
				}
				if err := a.Session().Login(ctx, email, password); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), a.Session().LastError())
					return err
				}
				s := a.Session().Session()
				fmt.Fprintf(out, "Signed in as %s %s\n", s.FirstName, s.LastName)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}

// readPassword hides input on a terminal and falls back to a plain line for piped stdin.
func readPassword(prompt *promptConfirmer, label string) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return prompt.readLine(label)
	}
	fmt.Fprint(prompt.out, label)
	bytes, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt.out)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and clear the cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(_ context.Context, a *app.App, _ *promptConfirmer) error {
				a.Session().Logout()
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
				return nil
			})
		},
	}
}

func newWhoamiCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(_ context.Context, a *app.App, _ *promptConfirmer) error {
				out := cmd.OutOrStdout()
				if !a.Session().IsLoggedIn() {
					fmt.Fprintln(out, "Not signed in.")
					return nil
				}
				s := a.Session().Session()
				fmt.Fprintf(out, "%s %s (token expires %s)\n", s.FirstName, s.LastName, s.ExpiresAt.Local().Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newCartCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cart",
		Short: "Inspect and change the cart",
	}
	cmd.AddCommand(newCartListCmd(opts), newCartAddCmd(opts), newCartAdjustCmd(opts), newCartRemoveCmd(opts), newCartClearCmd(opts))
	return cmd
}

func newCartListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cart lines with live prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(_ context.Context, a *app.App, _ *promptConfirmer) error {
				writeCart(cmd.OutOrStdout(), a.Cart().Snapshot(), a.Cart().ItemCount())
				return nil
			})
		},
	}
}

func newCartAddCmd(opts *rootOptions) *cobra.Command {
	var quantity int
	cmd := &cobra.Command{
		Use:   "add <book-id>",
		Short: "Add a book or increase its quantity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseBookID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App, _ *promptConfirmer) error {
				outcome, err := a.Cart().AddOrIncrement(ctx, bookID, quantity)
				if outcome.Notice != "" {
					fmt.Fprintln(cmd.OutOrStdout(), outcome.Notice)
				}
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&quantity, "quantity", "q", 1, "copies to add")
	return cmd
}

func newCartAdjustCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "adjust <book-id> <delta>",
		Short: "Change a line's quantity by delta",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseBookID(args[0])
			if err != nil {
				return err
			}
			delta, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid delta %q", args[1])
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App, _ *promptConfirmer) error {
				outcome, err := a.Cart().SetQuantity(ctx, bookID, delta)
				if err != nil {
					return err
				}
				printOutcome(cmd.OutOrStdout(), bookID, outcome)
				return nil
			})
		},
	}
}

func newCartRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <book-id>",
		Short: "Remove a line after confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseBookID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App, _ *promptConfirmer) error {
				outcome, err := a.Cart().RemoveLine(ctx, bookID)
				if err != nil {
					return err
				}
				printOutcome(cmd.OutOrStdout(), bookID, outcome)
				return nil
			})
		},
	}
}

func newCartClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Empty the cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App, prompt *promptConfirmer) error {
				ok, err := prompt.ask(ctx, "Remove every item from your cart?")
				if err != nil || !ok {
					return err
				}
				a.Cart().Clear()
				fmt.Fprintln(cmd.OutOrStdout(), "Cart cleared.")
				return nil
			})
		},
	}
}

func newCheckoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkout",
		Short: "Validate the cart and place an order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App, prompt *promptConfirmer) error {
				out := cmd.OutOrStdout()
				receipt, err := a.Checkout().PlaceOrder(ctx)
				var invalid *checkout.ValidationError
				switch {
				case err == nil:
					fmt.Fprintf(out, "Order %d placed, total $%.2f\n", receipt.OrderID, receipt.OrderTotal)
					return nil
				case errors.As(err, &invalid):
					writeInvalid(out, invalid.Lines)
					ok, askErr := prompt.ask(ctx, "Remove these items from your cart?")
					if askErr != nil {
						return askErr
					}
					if ok {
						if err := a.Checkout().RemoveInvalid(ctx, invalid.Lines); err != nil {
							return err
						}
						fmt.Fprintln(out, "Removed. Review your cart and check out again.")
					}
					return err
				case errors.Is(err, checkout.ErrSignInRequired):
					fmt.Fprintln(out, cart.NoticeSignIn)
					return err
				default:
					return err
				}
			})
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow session and cart changes made by any context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App, _ *promptConfirmer) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				out := &lockedWriter{w: cmd.OutOrStdout()}
				bus := a.Bus()
				unsubs := []func(){
					bus.Subscribe(events.TopicSessionChanged, func(ev events.Event) {
						change, _ := ev.Payload.(events.SessionChange)
						out.printf("session: loggedIn=%t remote=%t\n", change.LoggedIn, change.Remote)
					}),
					bus.Subscribe(events.TopicCartChanged, func(events.Event) {
						out.printf("cart: %d item(s)\n", a.Cart().ItemCount())
					}),
					bus.Subscribe(events.TopicCartLoaded, func(ev events.Event) {
						snap, _ := ev.Payload.(cart.Snapshot)
						out.printf("cart loaded: %d line(s), total $%.2f\n", len(snap.Lines), snap.Total)
					}),
				}
				defer func() {
					for _, unsub := range unsubs {
						unsub()
					}
				}()
				out.printf("watching profile; %s\n", sessionLabel(a.Session()))
				<-ctx.Done()
				return nil
			})
		},
	}
}

func sessionLabel(m *session.Manager) string {
	if !m.IsLoggedIn() {
		return "signed out"
	}
	s := m.Session()
	return "signed in as " + s.FirstName + " " + s.LastName
}

func parseBookID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid book id %q", raw)
	}
	return id, nil
}

func printOutcome(w io.Writer, bookID int, o cart.Outcome) {
	switch {
	case o.Declined:
		fmt.Fprintln(w, "Kept in cart.")
	case o.Removed:
		fmt.Fprintf(w, "Removed book %d.\n", bookID)
	case o.Notice != "":
		fmt.Fprintln(w, o.Notice)
	default:
		fmt.Fprintf(w, "Book %d quantity is now %d.\n", bookID, o.Quantity)
	}
}

func writeCart(w io.Writer, snap cart.Snapshot, itemCount int) {
	if len(snap.Lines) == 0 {
		fmt.Fprintln(w, "Your cart is empty.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tAUTHOR\tQTY\tPRICE\tLINE TOTAL")
	for _, line := range snap.Lines {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t$%.2f\n", line.BookID, line.Title, line.Author, line.Quantity, formatPrice(line), line.LineTotal)
	}
	fmt.Fprintf(tw, "\t\t\t%d\t\t$%.2f\n", itemCount, snap.Total)
	_ = tw.Flush()
}

func formatPrice(line domain.EnrichedCartLine) string {
	if line.DiscountPrice != nil {
		return fmt.Sprintf("$%.2f (was $%.2f)", *line.DiscountPrice, line.UnitPrice)
	}
	return fmt.Sprintf("$%.2f", line.UnitPrice)
}

func writeInvalid(w io.Writer, lines []domain.InvalidLine) {
	fmt.Fprintln(w, "Some items can't be ordered:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, line := range lines {
		fmt.Fprintf(tw, "  %d\t%s\t%s\n", line.BookID, line.Title, line.Reason)
	}
	_ = tw.Flush()
}
