// botctl is an operator tool for the verification bot: it decodes QR
// images the way the bot does, runs one authorization check, and signs
// webhook bodies for manual testing.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/xiaohuo/verifybot/internal/lark"
	"github.com/xiaohuo/verifybot/internal/qr"
	"github.com/xiaohuo/verifybot/internal/store"
	"github.com/xiaohuo/verifybot/internal/verify"
	"github.com/xiaohuo/verifybot/internal/verifybot"
)

const usage = `usage: botctl <command> [flags]

commands:
  decode <image>...   print the QR payload found in each image
  verify              ask the authorization API about one payload
  sign [file]         print webhook signature headers for a body (stdin if no file)
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("missing command")
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	switch args[0] {
	case "decode":
		return runDecode(args[1:], stdout, logger)
	case "verify":
		return runVerify(ctx, args[1:], stdout, logger)
	case "sign":
		return runSign(args[1:], stdin, stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runDecode(args []string, stdout io.Writer, logger *slog.Logger) error {
	flagSet := pflag.NewFlagSet("decode", pflag.ContinueOnError)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() == 0 {
		return errors.New("decode: no image given")
	}

	extractor := qr.NewExtractor(logger)
	missing := 0
	for _, path := range flagSet.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		payload, ok := extractor.Extract(data)
		if !ok {
			missing++
			fmt.Fprintf(stdout, "%s\t(no qr code)\n", path)
			continue
		}
		fmt.Fprintf(stdout, "%s\t%s\n", path, payload)
	}
	if missing > 0 {
		return fmt.Errorf("decode: %d of %d images had no qr code", missing, flagSet.NArg())
	}
	return nil
}

func runVerify(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	var cfg verify.Config
	var user, category, payload string

	flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Endpoint, "endpoint", os.Getenv("VERIFY_ENDPOINT"), "authorization API URL")
	flagSet.StringVar(&cfg.Token, "token", os.Getenv("VERIFY_TOKEN"), "bearer token")
	flagSet.StringVar(&cfg.EventID, "event-id", os.Getenv("VERIFY_EVENT_ID"), "event identifier")
	flagSet.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "request timeout")
	flagSet.StringVar(&user, "user", "botctl", "user open id")
	flagSet.StringVarP(&category, "category", "c", string(verifybot.CategoryPlayer), "group type (player or judge)")
	flagSet.StringVarP(&payload, "payload", "p", "", "decoded QR payload")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if cfg.Endpoint == "" {
		return errors.New("verify: --endpoint or VERIFY_ENDPOINT is required")
	}
	if payload == "" {
		return errors.New("verify: --payload is required")
	}
	c, ok := verifybot.ParseCategory(category)
	if !ok {
		return fmt.Errorf("verify: unknown category %q", category)
	}
	cfg.Enabled = true

	v := verify.New(cfg, store.NewMemoryVerdicts(time.Minute), logger)
	verdict := v.Verify(ctx, user, payload, c)
	fmt.Fprintf(stdout, "authorized=%t detail=%s\n", verdict.Authorized, verdict.Detail)
	if !verdict.Authorized {
		return errors.New("verify: not authorized")
	}
	return nil
}

func runSign(args []string, stdin io.Reader, stdout io.Writer) error {
	var secret, timestamp, nonce string

	flagSet := pflag.NewFlagSet("sign", pflag.ContinueOnError)
	flagSet.StringVar(&secret, "secret", os.Getenv("LARK_ENCRYPT_KEY"), "webhook encrypt key")
	flagSet.StringVar(&timestamp, "timestamp", "", "request timestamp (default: now)")
	flagSet.StringVar(&nonce, "nonce", "botctl", "request nonce")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if secret == "" {
		return errors.New("sign: --secret or LARK_ENCRYPT_KEY is required")
	}
	if timestamp == "" {
		timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	}

	in := stdin
	if flagSet.NArg() > 0 {
		f, err := os.Open(flagSet.Arg(0))
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		defer f.Close()
		in = f
	}
	body, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("sign: reading body: %w", err)
	}

	fmt.Fprintf(stdout, "%s: %s\n", lark.HeaderTimestamp, timestamp)
	fmt.Fprintf(stdout, "%s: %s\n", lark.HeaderNonce, nonce)
	fmt.Fprintf(stdout, "%s: %s\n", lark.HeaderSignature, lark.Sign(timestamp, nonce, secret, body))
	return nil
}
