package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/commands"
	"github.com/SimplyPrint/tangem-agent/internal/config"
	"github.com/SimplyPrint/tangem-agent/internal/sdk"
	"github.com/SimplyPrint/tangem-agent/internal/session"
	"github.com/SimplyPrint/tangem-agent/internal/settings"
)

// runCLI runs a single card operation against the configured reader and
// prints the result as JSON.
func runCLI(cfg *config.Config, cmd string, args []string) error {
	deps, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	st, _ := settings.Load()

	delegate := newTermDelegate(os.Stdin, os.Stderr)
	manager := sdk.NewManager(deps.reader, delegate, deps.keys, cfg.SDK(st.LinkedTerminal))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var result any
	switch cmd {
	case "scan":
		result, err = sdk.Await(func(cb func(sdk.Result[*card.Card])) {
			manager.ScanCard(ctx, cb)
		})
	case "sign":
		fs := flag.NewFlagSet("sign", flag.ContinueOnError)
		cardID := fs.String("card", "", "Expected card ID")
		if err := fs.Parse(args); err != nil {
			return err
		}
		hashes, err := parseHashes(fs.Args())
		if err != nil {
			return err
		}
		resp, err := sdk.Await(func(cb func(sdk.Result[*commands.SignResponse])) {
			manager.Sign(ctx, hashes, *cardID, cb)
		})
		if err != nil {
			return err
		}
		result = map[string]any{
			"cardId":                    resp.CardID,
			"signatures":                resp.HexSignatures(),
			"walletRemainingSignatures": resp.RemainingSignatures,
			"walletSignedHashes":        resp.SignedHashes,
		}
	case "personalize":
		if len(args) != 1 {
			return fmt.Errorf("usage: personalize <card-config.yaml>")
		}
		cc, err := config.LoadCardConfig(args[0])
		if err != nil {
			return err
		}
		result, err = sdk.Await(func(cb func(sdk.Result[*card.Card])) {
			manager.Personalize(ctx, *cc, cb)
		})
		if err != nil {
			return err
		}
	case "depersonalize":
		fs := flag.NewFlagSet("depersonalize", flag.ContinueOnError)
		cardID := fs.String("card", "", "ID of the card to wipe")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *cardID == "" || fs.NArg() != 0 {
			return fmt.Errorf("usage: depersonalize -card <id>")
		}
		result, err = sdk.Await(func(cb func(sdk.Result[*commands.DepersonalizeResponse])) {
			manager.Depersonalize(ctx, *cardID, cb)
		})
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func parseHashes(args []string) ([][]byte, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: sign [-card id] <hash>...")
	}
	hashes := make([][]byte, 0, len(args))
	for _, a := range args {
		h, err := hex.DecodeString(strings.TrimPrefix(a, "0x"))
		if err != nil || len(h) == 0 {
			return nil, fmt.Errorf("invalid hash %q", a)
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// termDelegate reports session progress on the console and prompts for PINs.
type termDelegate struct {
	mu    sync.Mutex
	in    *bufio.Reader
	inFd  int
	isTTY bool
	out   io.Writer
}

func newTermDelegate(in *os.File, out io.Writer) *termDelegate {
	fd := int(in.Fd())
	return &termDelegate{
		in:    bufio.NewReader(in),
		inFd:  fd,
		isTTY: term.IsTerminal(fd),
		out:   out,
	}
}

func (d *termDelegate) printf(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, format, args...)
}

func (d *termDelegate) OnSessionStarted(cardID string, message *session.Message) {
	switch {
	case message != nil && message.Body != "":
		d.printf("%s\n", message.Body)
	case cardID != "":
		d.printf("Tap card %s to the reader\n", cardID)
	default:
		d.printf("Tap a card to the reader\n")
	}
}

func (d *termDelegate) OnSecurityDelay(remaining time.Duration) {
	d.printf("Security delay: %.1fs remaining\n", remaining.Seconds())
}

func (d *termDelegate) OnTagConnected() { d.printf("Card connected\n") }
func (d *termDelegate) OnTagLost()      { d.printf("Card lost, tap it again\n") }
func (d *termDelegate) OnWrongCard()    { d.printf("Wrong card, tap the requested one\n") }

func (d *termDelegate) OnSessionStopped(message *session.Message) {
	if message != nil && message.Body != "" {
		d.printf("%s\n", message.Body)
	}
}

func (d *termDelegate) OnError(err error) {
	d.printf("Session failed: %v\n", err)
}

func (d *termDelegate) RequestPIN(ctx context.Context, kind session.PinKind) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "Enter PIN%d: ", kind)

	type answer struct {
		pin string
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		if d.isTTY {
			b, err := term.ReadPassword(d.inFd)
			fmt.Fprintln(d.out)
			ch <- answer{string(b), err}
			return
		}
		line, err := d.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- answer{strings.TrimSpace(line), err}
	}()

	select {
	case a := <-ch:
		return a.pin, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
