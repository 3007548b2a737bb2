// Seeds the trading-calendar database and optionally refreshes the
// holiday table from the Alpaca trading calendar.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"ganymede/internal/calendar"
)

func main() {
	dbPath := flag.String("db", "data/calendar.db", "calendar sqlite path")
	sync := flag.Bool("sync", false, "refresh holidays from the Alpaca calendar API")
	from := flag.String("from", time.Now().Format("2006-01-02"), "sync range start (YYYY-MM-DD)")
	to := flag.String("to", time.Now().AddDate(1, 0, 0).Format("2006-01-02"), "sync range end (YYYY-MM-DD)")
	flag.Parse()

	ctx := context.Background()

	cal, err := calendar.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open calendar: %v", err)
	}
	defer cal.Close()

	if err := cal.SeedUSEquity(ctx); err != nil {
		log.Fatalf("failed to seed calendar: %v", err)
	}
	fmt.Printf("seeded US equity hours and bundled holidays into %s\n", *dbPath)

	if !*sync {
		return
	}

	start, err := time.Parse("2006-01-02", *from)
	if err != nil {
		log.Fatalf("invalid -from: %v", err)
	}
	end, err := time.Parse("2006-01-02", *to)
	if err != nil {
		log.Fatalf("invalid -to: %v", err)
	}

	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    os.Getenv("APCA_API_KEY_ID"),
		APISecret: os.Getenv("APCA_API_SECRET_KEY"),
	})
	written, err := cal.SyncFromAlpaca(ctx, client, "US_EQUITY", "EQUITY", start, end)
	if err != nil {
		log.Fatalf("sync failed: %v", err)
	}
	fmt.Printf("synced %s..%s, %d holiday rows written\n", *from, *to, written)
}
