// Command paybridgectl performs gateway operations directly against the
// merchant account: trade queries, period queries, and period-status changes.
// Credentials come from the environment; the hash key may be typed at the
// terminal when it is not exported.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"paybridge/cmd/internal/secrets"
	"paybridge/payuni"
)

const (
	tradeCommand        = "trade"
	periodCommand       = "period"
	periodStatusCommand = "period-status"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case tradeCommand:
		runTrade(os.Args[2:])
	case periodCommand:
		runPeriod(os.Args[2:])
	case periodStatusCommand:
		runPeriodStatus(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: paybridgectl <command> [flags] <args>

Commands:
  trade <merTradeNo>                        query a trade's authoritative state
  period <periodTradeNo>                    query a recurring billing agreement
  period-status <action> <periodTradeNo>    change a billing agreement
                                            (action: suspend|restart|end|reauth)

Environment:
  PAYUNI_API_BASE, PAYUNI_MERCHANT_ID, PAYUNI_HASH_IV are required.
  PAYUNI_HASH_KEY is read from the environment or prompted on the terminal.
`)
}

func runTrade(args []string) {
	fs := flag.NewFlagSet(tradeCommand, flag.ExitOnError)
	timeout := fs.Duration("timeout", 15*time.Second, "gateway call timeout")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: paybridgectl trade <merTradeNo>")
	}

	client := mustClient()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	info, err := client.QueryTrade(ctx, fs.Arg(0))
	if err != nil {
		fatalf("query trade: %v", err)
	}
	printJSON(info)
}

func runPeriod(args []string) {
	fs := flag.NewFlagSet(periodCommand, flag.ExitOnError)
	timeout := fs.Duration("timeout", 15*time.Second, "gateway call timeout")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: paybridgectl period <periodTradeNo>")
	}

	client := mustClient()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	info, err := client.QueryPeriod(ctx, fs.Arg(0))
	if err != nil {
		fatalf("query period: %v", err)
	}
	printJSON(info)
}

func runPeriodStatus(args []string) {
	fs := flag.NewFlagSet(periodStatusCommand, flag.ExitOnError)
	timeout := fs.Duration("timeout", 15*time.Second, "gateway call timeout")
	fs.Parse(args)
	if fs.NArg() != 2 {
		fatalf("usage: paybridgectl period-status <suspend|restart|end|reauth> <periodTradeNo>")
	}
	action := payuni.PeriodAction(fs.Arg(0))
	periodTradeNo := fs.Arg(1)

	client := mustClient()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := client.ModifyPeriodStatus(ctx, action, periodTradeNo); err != nil {
		fatalf("modify period status: %v", err)
	}
	printJSON(map[string]string{
		"periodTradeNo": periodTradeNo,
		"action":        string(action),
		"result":        "ok",
	})
}

// mustClient builds the gateway client from the environment. A local .env file
// is honoured so the CLI shares the daemon's development setup.
func mustClient() *payuni.Client {
	_ = godotenv.Load()

	base := os.Getenv("PAYUNI_API_BASE")
	merID := os.Getenv("PAYUNI_MERCHANT_ID")
	hashIV := os.Getenv("PAYUNI_HASH_IV")
	if base == "" || merID == "" || hashIV == "" {
		fatalf("PAYUNI_API_BASE, PAYUNI_MERCHANT_ID, and PAYUNI_HASH_IV must be set")
	}
	hashKey, err := secrets.NewSource("PAYUNi hash key", "PAYUNI_HASH_KEY").Get()
	if err != nil {
		fatalf("%v", err)
	}

	client, err := payuni.New(payuni.Config{
		MerchantID: merID,
		APIBase:    base,
		HashKey:    hashKey,
		HashIV:     hashIV,
	})
	if err != nil {
		fatalf("configure gateway client: %v", err)
	}
	return client
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encode output: %v", err)
	}
	fmt.Println(string(out))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
