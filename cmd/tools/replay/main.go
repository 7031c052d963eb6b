// Replay rebuilds candle series from a CSV trade dump. Each input row is
// "unix_milli,symbol,price,quantity"; rows must be time-ordered per symbol.
// The output directory gets the same files the live trader writes, which
// makes dumps diffable against a live data directory.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/candle"
	"main/internal/model"
)

func main() {
	input := flag.String("input", "", "CSV trade dump (default: stdin)")
	out := flag.String("out", "data/replay", "Output candles directory")
	timeframesFlag := flag.String("timeframes", "5", "Comma-separated timeframes in minutes")
	flag.Parse()

	timeframes, err := parseTimeframes(*timeframesFlag)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}

	in := os.Stdin
	if *input != "" {
		f, err := os.Open(*input)
		if err != nil {
			log.Fatalf("replay: %v", err)
		}
		defer f.Close()
		in = f
	}

	store, err := candle.NewStore(*out)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}
	defer store.Close()

	aggregator, err := candle.NewAggregator(store, nil, 0)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}

	var finalized int
	aggregator.Wire(func(model.Candle) { finalized++ }, func(string) {}, func() {})

	reader := csv.NewReader(in)
	reader.FieldsPerRecord = 4
	tracked := make(map[string]bool)
	var rows int
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("replay: read row %d: %v", rows+1, err)
		}
		tick, err := parseRow(record)
		if err != nil {
			log.Fatalf("replay: row %d: %v", rows+1, err)
		}
		if !tracked[tick.Symbol] {
			if err := aggregator.Track(tick.Symbol, timeframes); err != nil {
				log.Fatalf("replay: track %s: %v", tick.Symbol, err)
			}
			tracked[tick.Symbol] = true
		}
		aggregator.Replay(tick)
		rows++
	}

	fmt.Printf("replayed %d trades across %d symbols, %d candles written to %s\n",
		rows, len(tracked), finalized, *out)
}

func parseTimeframes(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		timeframe, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || timeframe <= 0 {
			return nil, fmt.Errorf("bad timeframe %q", part)
		}
		out = append(out, timeframe)
	}
	return out, nil
}

func parseRow(record []string) (model.Tick, error) {
	millis, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("bad timestamp %q", record[0])
	}
	price, err := decimal.NewFromString(strings.TrimSpace(record[2]))
	if err != nil {
		return model.Tick{}, fmt.Errorf("bad price %q", record[2])
	}
	quantity, err := decimal.NewFromString(strings.TrimSpace(record[3]))
	if err != nil {
		return model.Tick{}, fmt.Errorf("bad quantity %q", record[3])
	}
	return model.Tick{
		Symbol:   strings.ToUpper(strings.TrimSpace(record[1])),
		Price:    price,
		Quantity: quantity,
		Time:     time.UnixMilli(millis).UTC(),
	}, nil
}
