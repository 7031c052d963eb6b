// Package candle holds the candle store and the tick aggregator: the
// append-only persisted series of finalized candles and the state machine
// that reduces the live trade stream into them.
package candle

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/model"
	"main/pkg/exception"
)

const (
	lineDateLayout = "02/01/06"
	lineTimeLayout = "150405"
)

type seriesKey struct {
	symbol    string
	timeframe int
}

type series struct {
	candles []model.Candle
	file    *os.File
}

// Store is the persisted candle log: one append-only line-oriented file per
// (symbol, timeframe) under <root>/<symbol>/<timeframe>mins.txt. Finalized
// candles are appended write-through so on-disk state never lags memory.
type Store struct {
	mu     sync.RWMutex
	root   string
	series map[seriesKey]*series
}

func NewStore(root string) (*Store, error) {
	if len(root) == 0 {
		return nil, exception.ErrEmptyCandlesRoot
	}
	return &Store{
		root:   root,
		series: make(map[seriesKey]*series),
	}, nil
}

func (s *Store) seriesPath(symbol string, timeframe int) string {
	return filepath.Join(s.root, symbol, fmt.Sprintf("%dmins.txt", timeframe))
}

// LoadSeries reads the persisted series for (symbol, timeframe) into memory
// and opens its file for appending, creating it when absent. A malformed line
// means the file is presumed corrupt and the error is fatal for the series.
func (s *Store) LoadSeries(symbol string, timeframe int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey{symbol, timeframe}
	if _, ok := s.series[key]; ok {
		return errors.Wrapf(exception.ErrSeriesExists, "%s %dm", symbol, timeframe)
	}

	path := s.seriesPath(symbol, timeframe)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create series directory for %s", symbol)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open series file %s", path)
	}

	sr := &series{file: f}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			continue
		}
		c, err := parseLine(line, symbol, timeframe)
		if err != nil {
			f.Close()
			return errors.Wrapf(err, "%s:%d", path, lineNo)
		}
		sr.candles = append(sr.candles, c)
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return errors.Wrapf(err, "read series file %s", path)
	}

	s.series[key] = sr
	return nil
}

// Append persists one finalized candle and adds it to the in-memory series.
func (s *Store) Append(c model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.series[seriesKey{c.Symbol, c.Timeframe}]
	if !ok {
		return errors.Wrapf(exception.ErrUnknownSeries, "%s %dm", c.Symbol, c.Timeframe)
	}
	if _, err := sr.file.WriteString(formatLine(c) + "\n"); err != nil {
		return errors.Wrapf(err, "append candle %s %dm", c.Symbol, c.Timeframe)
	}
	sr.candles = append(sr.candles, c)
	return nil
}

// Last returns the newest finalized candle of the series, if any.
func (s *Store) Last(symbol string, timeframe int) (model.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr, ok := s.series[seriesKey{symbol, timeframe}]
	if !ok || len(sr.candles) == 0 {
		return model.Candle{}, false
	}
	return sr.candles[len(sr.candles)-1], true
}

// LastN returns a copy of the newest n finalized candles, oldest first.
func (s *Store) LastN(n int, symbol string, timeframe int) []model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr, ok := s.series[seriesKey{symbol, timeframe}]
	if !ok || n <= 0 {
		return nil
	}
	if n > len(sr.candles) {
		n = len(sr.candles)
	}
	out := make([]model.Candle, n)
	copy(out, sr.candles[len(sr.candles)-n:])
	return out
}

// Len reports how many finalized candles the series holds.
func (s *Store) Len(symbol string, timeframe int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr, ok := s.series[seriesKey{symbol, timeframe}]
	if !ok {
		return 0
	}
	return len(sr.candles)
}

// Close releases the series file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for _, sr := range s.series {
		if err := sr.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func formatLine(c model.Candle) string {
	return strings.Join([]string{
		c.Time.Format(lineDateLayout),
		c.Time.Format(lineTimeLayout),
		c.ClosePriceDiff.String(),
		c.ClosePrice.String(),
		c.Volume.String(),
	}, ";")
}

func parseLine(line, symbol string, timeframe int) (model.Candle, error) {
	fields := strings.Split(line, ";")
	if len(fields) != 5 {
		return model.Candle{}, errors.Wrapf(exception.ErrCorruptSeries, "%d fields in %q", len(fields), line)
	}
	t, err := time.ParseInLocation(lineDateLayout+lineTimeLayout, fields[0]+fields[1], time.UTC)
	if err != nil {
		return model.Candle{}, errors.Wrapf(exception.ErrCorruptSeries, "time %q", fields[0]+";"+fields[1])
	}
	diff, err := parseDecimal(fields[2])
	if err != nil {
		return model.Candle{}, errors.Wrapf(exception.ErrCorruptSeries, "close diff %q", fields[2])
	}
	closePrice, err := parseDecimal(fields[3])
	if err != nil {
		return model.Candle{}, errors.Wrapf(exception.ErrCorruptSeries, "close price %q", fields[3])
	}
	volume, err := parseDecimal(fields[4])
	if err != nil {
		return model.Candle{}, errors.Wrapf(exception.ErrCorruptSeries, "volume %q", fields[4])
	}
	return model.Candle{
		Symbol:         symbol,
		Timeframe:      timeframe,
		Time:           t,
		ClosePriceDiff: diff,
		ClosePrice:     closePrice,
		Volume:         volume,
	}, nil
}

// parseDecimal accepts comma decimal separators found in older series files.
func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
}

// Discover scans the candle root for persisted series: one directory per
// symbol, one <timeframe>mins.txt file per timeframe. Files that do not match
// the naming scheme are logged and skipped.
func Discover(root string) (map[string][]int, error) {
	if len(root) == 0 {
		return nil, exception.ErrEmptyCandlesRoot
	}
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "read candle root %s", root)
	}

	out := make(map[string][]int)
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		symbol := strings.ToUpper(dir.Name())
		files, err := os.ReadDir(filepath.Join(root, dir.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read series directory %s", dir.Name())
		}
		var timeframes []int
		for _, file := range files {
			name := file.Name()
			if file.IsDir() || !strings.HasSuffix(name, "mins.txt") {
				continue
			}
			timeframe, err := strconv.Atoi(strings.TrimSuffix(name, "mins.txt"))
			if err != nil || timeframe <= 0 {
				logs.Errorf("unrecognized series file %s/%s skipped", dir.Name(), name)
				continue
			}
			timeframes = append(timeframes, timeframe)
		}
		if len(timeframes) > 0 {
			sort.Ints(timeframes)
			out[symbol] = timeframes
		}
	}
	return out, nil
}
