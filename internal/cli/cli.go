// Package cli is the interactive wallet shell. It parses "--flag value"
// style commands, drives the ledger, quote reader and updater, and renders
// the typed failure conditions as actionable messages.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/KiraraGho/valutatrade-hub/internal/currency"
	"github.com/KiraraGho/valutatrade-hub/internal/ledger"
	"github.com/KiraraGho/valutatrade-hub/internal/quote"
	"github.com/KiraraGho/valutatrade-hub/internal/rates"
	"github.com/KiraraGho/valutatrade-hub/internal/storage"
	"github.com/KiraraGho/valutatrade-hub/internal/updater"
	"github.com/KiraraGho/valutatrade-hub/logger"
)

const prompt = "wallet> "

// Accounts is the slice of the ledger the shell drives.
type Accounts interface {
	Register(username, password string) (storage.UserRecord, error)
	Login(username, password string) (storage.UserRecord, error)
	Deposit(userID int, code string, amount float64) (float64, error)
	Buy(userID int, code string, amount float64) (float64, error)
	Sell(userID int, code string, amount float64) (float64, error)
	Portfolio(userID int, base string) (ledger.PortfolioView, error)
}

// Quotes answers rate queries.
type Quotes interface {
	GetRate(from, to string) (quote.Quote, error)
}

// RatesUpdater triggers refresh cycles.
type RatesUpdater interface {
	RunUpdate(ctx context.Context, sourceFilter string) (updater.Result, error)
}

// Shell is the interactive command loop.
type Shell struct {
	accounts Accounts
	quotes   Quotes
	updater  RatesUpdater
	registry *currency.Registry
	log      *logger.Log

	in  *bufio.Scanner
	out io.Writer

	// readPassword is injectable so tests can run without a terminal.
	readPassword func(promptText string) (string, error)

	currentUser *storage.UserRecord
}

// New builds a shell reading commands from in and writing to out.
func New(accounts Accounts, quotes Quotes, upd RatesUpdater, registry *currency.Registry, in io.Reader, out io.Writer) *Shell {
	s := &Shell{
		accounts: accounts,
		quotes:   quotes,
		updater:  upd,
		registry: registry,
		log:      logger.GetLogger(),
		in:       bufio.NewScanner(in),
		out:      out,
	}
	s.readPassword = s.promptPassword
	return s
}

// Run executes the command loop until exit, EOF or context cancellation.
func (s *Shell) Run(ctx context.Context) error {
	fmt.Fprintln(s.out, "valutatrade hub. Type 'help' for commands.")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fmt.Fprint(s.out, prompt)
		if !s.in.Scan() {
			return s.in.Err()
		}
		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Fprintln(s.out, "bye")
			return nil
		}
		s.dispatch(ctx, line)
	}
}

func (s *Shell) dispatch(ctx context.Context, line string) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	flags, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}

	switch cmd {
	case "help":
		s.printHelp()
	case "register":
		s.cmdRegister(flags)
	case "login":
		s.cmdLogin(flags)
	case "logout":
		s.currentUser = nil
		fmt.Fprintln(s.out, "logged out")
	case "deposit":
		s.cmdDeposit(flags)
	case "buy":
		s.cmdTrade(flags, "buy")
	case "sell":
		s.cmdTrade(flags, "sell")
	case "get-rate":
		s.cmdGetRate(flags)
	case "show-portfolio":
		s.cmdPortfolio(flags)
	case "update":
		s.cmdUpdate(ctx, flags)
	case "currencies":
		s.cmdCurrencies()
	default:
		fmt.Fprintf(s.out, "unknown command %q, type 'help'\n", cmd)
	}
}

// parseFlags turns ["--username", "alice", "--amount", "5"] into a map.
// Every flag must have a value.
func parseFlags(args []string) (map[string]string, error) {
	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if !strings.HasPrefix(args[i], "--") {
			return nil, fmt.Errorf("unexpected argument %q", args[i])
		}
		name := strings.TrimPrefix(args[i], "--")
		if name == "" {
			return nil, errors.New("empty flag name")
		}
		if i+1 >= len(args) || strings.HasPrefix(args[i+1], "--") {
			return nil, fmt.Errorf("flag --%s requires a value", name)
		}
		flags[name] = args[i+1]
		i++
	}
	return flags, nil
}

func (s *Shell) cmdRegister(flags map[string]string) {
	username, ok := flags["username"]
	if !ok {
		fmt.Fprintln(s.out, "usage: register --username <name>")
		return
	}
	password, err := s.readPassword("password: ")
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}

	user, err := s.accounts.Register(username, password)
	if err != nil {
		s.renderError(err)
		return
	}
	s.currentUser = &user
	fmt.Fprintf(s.out, "registered %s (id %d), you are now logged in\n", user.Username, user.UserID)
}

func (s *Shell) cmdLogin(flags map[string]string) {
	username, ok := flags["username"]
	if !ok {
		fmt.Fprintln(s.out, "usage: login --username <name>")
		return
	}
	password, err := s.readPassword("password: ")
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}

	user, err := s.accounts.Login(username, password)
	if err != nil {
		s.renderError(err)
		return
	}
	s.currentUser = &user
	fmt.Fprintf(s.out, "welcome back, %s\n", user.Username)
}

func (s *Shell) cmdDeposit(flags map[string]string) {
	if s.currentUser == nil {
		fmt.Fprintln(s.out, "log in first")
		return
	}
	code, amount, ok := s.currencyAndAmount(flags, "deposit")
	if !ok {
		return
	}

	balance, err := s.accounts.Deposit(s.currentUser.UserID, code, amount)
	if err != nil {
		s.renderError(err)
		return
	}
	fmt.Fprintf(s.out, "deposited %.8g %s, balance is now %.8g\n", amount, strings.ToUpper(code), balance)
}

func (s *Shell) cmdTrade(flags map[string]string, verb string) {
	if s.currentUser == nil {
		fmt.Fprintln(s.out, "log in first")
		return
	}
	code, amount, ok := s.currencyAndAmount(flags, verb)
	if !ok {
		return
	}

	var (
		value float64
		err   error
	)
	if verb == "buy" {
		value, err = s.accounts.Buy(s.currentUser.UserID, code, amount)
	} else {
		value, err = s.accounts.Sell(s.currentUser.UserID, code, amount)
	}
	if err != nil {
		s.renderError(err)
		return
	}

	if verb == "buy" {
		fmt.Fprintf(s.out, "bought %.8g %s for %.8g\n", amount, strings.ToUpper(code), value)
	} else {
		fmt.Fprintf(s.out, "sold %.8g %s for %.8g\n", amount, strings.ToUpper(code), value)
	}
}

func (s *Shell) currencyAndAmount(flags map[string]string, verb string) (string, float64, bool) {
	code, ok := flags["currency"]
	if !ok {
		fmt.Fprintf(s.out, "usage: %s --currency <code> --amount <n>\n", verb)
		return "", 0, false
	}
	raw, ok := flags["amount"]
	if !ok {
		fmt.Fprintf(s.out, "usage: %s --currency <code> --amount <n>\n", verb)
		return "", 0, false
	}
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(s.out, "error: amount %q is not a number\n", raw)
		return "", 0, false
	}
	return code, amount, true
}

func (s *Shell) cmdGetRate(flags map[string]string) {
	from, okFrom := flags["from"]
	to, okTo := flags["to"]
	if !okFrom || !okTo {
		fmt.Fprintln(s.out, "usage: get-rate --from <code> --to <code>")
		return
	}

	q, err := s.quotes.GetRate(from, to)
	if err != nil {
		s.renderError(err)
		return
	}
	s.printQuote(q)

	// The opposite direction is shown best-effort alongside the direct one.
	if q.From == q.To {
		return
	}
	reverse, err := s.quotes.GetRate(to, from)
	if err != nil {
		fmt.Fprintf(s.out, "reverse: %v\n", err)
		return
	}
	s.printQuote(reverse)
}

func (s *Shell) printQuote(q quote.Quote) {
	line := fmt.Sprintf("1 %s = %.8g %s", q.From, q.Rate, q.To)
	if q.Source != "" {
		line += fmt.Sprintf(" (source %s, updated %s)", q.Source, rates.FormatTime(q.UpdatedAt))
	}
	if q.Derived {
		line += " [derived from reverse pair]"
	}
	fmt.Fprintln(s.out, line)
}

func (s *Shell) cmdPortfolio(flags map[string]string) {
	if s.currentUser == nil {
		fmt.Fprintln(s.out, "log in first")
		return
	}

	view, err := s.accounts.Portfolio(s.currentUser.UserID, flags["base"])
	if err != nil {
		s.renderError(err)
		return
	}

	fmt.Fprintf(s.out, "portfolio of %s (valued in %s):\n", s.currentUser.Username, view.Base)
	for _, item := range view.Items {
		if item.Priced {
			fmt.Fprintf(s.out, "  %-5s %14.8g  = %.2f %s\n", item.Code, item.Balance, item.Value, view.Base)
		} else {
			fmt.Fprintf(s.out, "  %-5s %14.8g  (unpriced: %s)\n", item.Code, item.Balance, item.Reason)
		}
	}
	fmt.Fprintf(s.out, "total: %.2f %s\n", view.Total, view.Base)
}

func (s *Shell) cmdUpdate(ctx context.Context, flags map[string]string) {
	result, err := s.updater.RunUpdate(ctx, flags["source"])
	if err != nil {
		s.renderError(err)
		return
	}

	fmt.Fprintf(s.out, "updated %d pair(s), last refresh %s\n", result.Updated, result.LastRefresh)
	for _, e := range result.Errors {
		fmt.Fprintf(s.out, "  warning: %s\n", e)
	}
}

func (s *Shell) cmdCurrencies() {
	for _, code := range s.registry.SupportedCodes() {
		cur, err := s.registry.Get(code)
		if err != nil {
			continue
		}
		fmt.Fprintf(s.out, "  %s\n", cur.DisplayInfo())
	}
}

// renderError maps the typed failure conditions to messages with a
// remediation hint where one exists.
func (s *Shell) renderError(err error) {
	switch {
	case errors.Is(err, currency.ErrUnknown), errors.Is(err, currency.ErrInvalidCode):
		fmt.Fprintf(s.out, "error: %v\n", err)
		fmt.Fprintf(s.out, "supported currencies: %s\n", strings.Join(s.registry.SupportedCodes(), ", "))
	case errors.Is(err, rates.ErrCacheEmpty), errors.Is(err, rates.ErrPairNotCached), errors.Is(err, rates.ErrStaleEntry):
		fmt.Fprintf(s.out, "error: %v\n", err)
		fmt.Fprintln(s.out, "hint: run 'update' to refresh rates")
	case errors.Is(err, rates.ErrAllSourcesFailed):
		fmt.Fprintf(s.out, "error: %v\n", err)
		fmt.Fprintln(s.out, "hint: check network connectivity and API keys")
	default:
		var insufficient *ledger.InsufficientFundsError
		if errors.As(err, &insufficient) {
			fmt.Fprintf(s.out, "error: %v\n", insufficient)
			return
		}
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

// promptPassword reads a password without echo when stdin is a terminal and
// falls back to a plain line read otherwise.
func (s *Shell) promptPassword(promptText string) (string, error) {
	fmt.Fprint(s.out, promptText)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(s.out)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	if !s.in.Scan() {
		return "", io.EOF
	}
	return strings.TrimSpace(s.in.Text()), nil
}

func (s *Shell) printHelp() {
	fmt.Fprint(s.out, `commands:
  register --username <name>                create an account (password prompted)
  login --username <name>                   log in (password prompted)
  logout                                    forget the current session
  deposit --currency <code> --amount <n>    credit a wallet
  buy --currency <code> --amount <n>        buy using the base currency wallet
  sell --currency <code> --amount <n>       sell back into the base currency
  get-rate --from <code> --to <code>        show a cached rate, both directions
  show-portfolio [--base <code>]            list wallets valued in a base currency
  update [--source <name>]                  refresh rates from the sources
  currencies                                list supported currencies
  exit                                      leave the shell
`)
}
